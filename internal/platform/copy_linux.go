//go:build linux

package platform

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// rangeCopier moves length bytes from src to dst at the same offset in both
// and reports how many landed.
type rangeCopier struct {
	method CopyMethod
	run    func(src, dst int, off, length int64) (int64, error)
}

// copiers are tried in order. A copier that fails before moving any bytes
// with an "unsupported here" errno hands the range to the next one.
var copiers = []rangeCopier{
	{CopyFileRange, copyFileRange},
	{Sendfile, sendfile},
	{ReadWrite, preadPwrite},
}

func copyRange(src, dst int, off, length int64) (CopyResult, error) {
	var (
		res CopyResult
		err error
	)
	for _, c := range copiers {
		var n int64
		n, err = c.run(src, dst, off, length)
		res = CopyResult{BytesWritten: n, Method: c.method}
		if err == nil || n > 0 || !unsupported(err) {
			break
		}
	}
	return res, err
}

func unsupported(err error) bool {
	for _, e := range []error{unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.ENOTSUP, unix.EOPNOTSUPP} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func copyFileRange(src, dst int, off, length int64) (int64, error) {
	rOff, wOff := off, off
	var done int64
	for done < length {
		n, err := unix.CopyFileRange(src, &rOff, dst, &wOff, int(length-done), 0)
		done += int64(max(n, 0))
		if err != nil {
			return done, err
		}
		if n == 0 {
			break
		}
	}
	return done, nil
}

// sendfile writes at dst's file position, so it is moved to off first.
func sendfile(src, dst int, off, length int64) (int64, error) {
	if _, err := unix.Seek(dst, off, unix.SEEK_SET); err != nil {
		return 0, err
	}
	rOff := off
	var done int64
	for done < length {
		n, err := unix.Sendfile(dst, src, &rOff, int(length-done))
		done += int64(max(n, 0))
		if err != nil {
			return done, err
		}
		if n == 0 {
			break
		}
	}
	return done, nil
}

const chunkSize = 1 << 20

var chunks = sync.Pool{
	New: func() any {
		b := make([]byte, chunkSize)
		return &b
	},
}

func preadPwrite(src, dst int, off, length int64) (int64, error) {
	bp := chunks.Get().(*[]byte)
	defer chunks.Put(bp)

	var done int64
	for done < length {
		buf := (*bp)[:min(length-done, chunkSize)]
		n, err := unix.Pread(src, buf, off+done)
		if err != nil {
			return done, err
		}
		if n == 0 {
			break
		}
		for w := 0; w < n; {
			m, err := unix.Pwrite(dst, buf[w:n], off+done+int64(w))
			if err != nil {
				return done + int64(w), err
			}
			w += m
		}
		done += int64(n)
	}
	return done, nil
}
