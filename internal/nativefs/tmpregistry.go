package nativefs

import (
	"sync"

	"github.com/bamsammich/drivefs/internal/resolver"
)

// tmpRegistry tracks in-flight temporary copies so an interrupted shutdown can
// remove them.
type tmpRegistry struct {
	mu    sync.Mutex
	paths map[string]resolver.VirtualPath
}

func newTmpRegistry() *tmpRegistry {
	return &tmpRegistry{paths: make(map[string]resolver.VirtualPath)}
}

func (r *tmpRegistry) register(vp resolver.VirtualPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[vp.String()] = vp
}

func (r *tmpRegistry) deregister(vp resolver.VirtualPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, vp.String())
}

func (r *tmpRegistry) drain() []resolver.VirtualPath {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]resolver.VirtualPath, 0, len(r.paths))
	for _, vp := range r.paths {
		out = append(out, vp)
	}
	r.paths = make(map[string]resolver.VirtualPath)
	return out
}

// CleanupTmpFiles removes every registered temporary copy. It returns the
// number removed.
func (fs *FS) CleanupTmpFiles() int {
	removed := 0
	for _, vp := range fs.tmp.drain() {
		if err := fs.DeleteEntry(vp); err == nil {
			removed++
		}
	}
	return removed
}
