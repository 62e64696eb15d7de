package nativefs

import (
	"sort"
	"strings"

	"github.com/bamsammich/drivefs/internal/resolver"
)

// XattrKey names a platform metadata attribute without its namespace prefix.
type XattrKey string

// Well-known metadata keys.
const (
	KeySensitivity    XattrKey = "sensitivity"
	KeyFavorite       XattrKey = "favorite"
	KeyTrashOrigin    XattrKey = "trash.origin"
	KeyTrashDeletedAt XattrKey = "trash.deleted_at"
)

func (fs *FS) fullKey(k XattrKey) string {
	return fs.opts.XattrPrefix + string(k)
}

// readMetadata collects the prefixed attributes of fd. Failures yield nil;
// filesystems without xattr support simply have no metadata.
func (fs *FS) readMetadata(fd int) map[XattrKey][]byte {
	names, err := fs.sys.Flistxattr(fd)
	if err != nil {
		return nil
	}
	var md map[XattrKey][]byte
	for _, name := range names {
		if !strings.HasPrefix(name, fs.opts.XattrPrefix) {
			continue
		}
		val, err := fs.sys.Fgetxattr(fd, name)
		if err != nil {
			continue
		}
		if md == nil {
			md = make(map[XattrKey][]byte)
		}
		md[XattrKey(strings.TrimPrefix(name, fs.opts.XattrPrefix))] = val
	}
	return md
}

// GetExtendedAttribute reads one metadata value. A missing key is NotFound.
func (fs *FS) GetExtendedAttribute(vp resolver.VirtualPath, key XattrKey) ([]byte, error) {
	fd, _, err := fs.openEntry(vp)
	if err != nil {
		return nil, err
	}
	defer fs.sys.Close(fd)
	val, err := fs.sys.Fgetxattr(fd, fs.fullKey(key))
	if err != nil {
		return nil, wrap("getxattr", vp, err)
	}
	return val, nil
}

// SetExtendedAttribute writes one metadata value.
func (fs *FS) SetExtendedAttribute(vp resolver.VirtualPath, key XattrKey, value []byte) error {
	fd, _, err := fs.openEntry(vp)
	if err != nil {
		return err
	}
	defer fs.sys.Close(fd)
	return wrap("setxattr", vp, fs.sys.Fsetxattr(fd, fs.fullKey(key), value))
}

// RemoveExtendedAttribute deletes one metadata value. A missing key is
// NotFound.
func (fs *FS) RemoveExtendedAttribute(vp resolver.VirtualPath, key XattrKey) error {
	fd, _, err := fs.openEntry(vp)
	if err != nil {
		return err
	}
	defer fs.sys.Close(fd)
	return wrap("removexattr", vp, fs.sys.Fremovexattr(fd, fs.fullKey(key)))
}

// ListExtendedAttributes returns the metadata keys set on vp, sorted.
func (fs *FS) ListExtendedAttributes(vp resolver.VirtualPath) ([]XattrKey, error) {
	fd, _, err := fs.openEntry(vp)
	if err != nil {
		return nil, err
	}
	defer fs.sys.Close(fd)
	names, err := fs.sys.Flistxattr(fd)
	if err != nil {
		return nil, wrap("listxattr", vp, err)
	}
	var keys []XattrKey
	for _, name := range names {
		if strings.HasPrefix(name, fs.opts.XattrPrefix) {
			keys = append(keys, XattrKey(strings.TrimPrefix(name, fs.opts.XattrPrefix)))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}
