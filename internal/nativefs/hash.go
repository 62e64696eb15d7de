package nativefs

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bamsammich/drivefs/internal/fserr"
	"github.com/bamsammich/drivefs/internal/platform"
	"github.com/bamsammich/drivefs/internal/resolver"
)

const hashBufSize = 32 * 1024

// Hash computes the BLAKE3 digest of the regular file at vp, hex-encoded.
func (fs *FS) Hash(ctx context.Context, vp resolver.VirtualPath) (string, error) {
	fd, st, err := fs.openEntry(vp)
	if err != nil {
		return "", err
	}
	defer fs.sys.Close(fd)
	if st.Type != platform.Regular {
		return "", fserr.New(fserr.Fatal, "hash", vp.String(), fmt.Errorf("not a regular file"))
	}

	h := blake3.New()
	buf := make([]byte, hashBufSize)
	var off int64
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := fs.sys.Pread(fd, buf, off)
		if err != nil {
			return "", wrap("hash", vp, err)
		}
		if n == 0 {
			break
		}
		h.Write(buf[:n]) //nolint:errcheck // hash.Hash writes never fail
		off += int64(n)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
