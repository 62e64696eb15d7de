//go:build linux

package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// dataSegments walks the file with SEEK_DATA and SEEK_HOLE and returns its
// layout as alternating hole and data segments. Filesystems without hole
// reporting yield one data segment spanning the file.
func dataSegments(fd int, size int64) ([]Segment, error) {
	if size == 0 {
		return nil, nil
	}
	whole := []Segment{{Offset: 0, Length: size, IsData: true}}

	var segs []Segment
	for off := int64(0); off < size; {
		data, err := seekTo(fd, off, unix.SEEK_DATA, size)
		if errors.Is(err, unix.EINVAL) {
			return whole, nil
		}
		if err != nil {
			return nil, err
		}
		if data > off {
			segs = append(segs, Segment{Offset: off, Length: data - off})
		}
		if data >= size {
			break
		}

		hole, err := seekTo(fd, data, unix.SEEK_HOLE, size)
		if errors.Is(err, unix.EINVAL) {
			return whole, nil
		}
		if err != nil {
			return nil, err
		}
		if hole <= data {
			hole = size
		}
		segs = append(segs, Segment{Offset: data, Length: hole - data, IsData: true})
		off = hole
	}

	if len(segs) == 0 {
		return whole, nil
	}
	return segs, nil
}

// seekTo runs lseek(2) with whence and clamps the result to size. ENXIO
// means nothing of the requested kind lies past off, which reads as size.
func seekTo(fd int, off int64, whence int, size int64) (int64, error) {
	pos, err := unix.Seek(fd, off, whence)
	if errors.Is(err, unix.ENXIO) {
		return size, nil
	}
	if err != nil {
		return 0, err
	}
	return min(pos, size), nil
}
