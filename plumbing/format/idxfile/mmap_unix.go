//go:build darwin || linux

package idxfile

import (
	"errors"

	billy "github.com/go-git/go-billy/v5"
	"golang.org/x/sys/unix"
)

// mmapFile memory-maps the whole of f for read-only access. The caller
// owns the returned closer and must call it exactly once.
func mmapFile(f billy.File) ([]byte, func() error, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Join(err, f.Close())
	}

	fd, ok := fileDescriptor(f)
	if !ok {
		return nil, nil, errNoFd
	}

	size := int(info.Size())
	if size == 0 {
		// unix.Mmap rejects a zero-length mapping; an empty index is
		// malformed anyway and will be rejected by the decoder once it
		// tries to read the header, so hand back an empty slice.
		return nil, f.Close, nil
	}

	data, err := unix.Mmap(int(fd), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Join(err, f.Close())
	}

	closer := func() error {
		return errors.Join(unix.Munmap(data), f.Close())
	}
	return data, closer, nil
}

var errNoFd = errors.New("idxfile: file has no descriptor to mmap")

type fdFile interface {
	Fd() uintptr
}

func fileDescriptor(f billy.File) (uintptr, bool) {
	ff, ok := f.(fdFile)
	if !ok {
		return 0, false
	}
	return ff.Fd(), true
}
