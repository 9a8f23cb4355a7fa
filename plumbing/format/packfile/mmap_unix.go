//go:build darwin || linux

package packfile

import (
	"errors"

	billy "github.com/go-git/go-billy/v5"
	"golang.org/x/sys/unix"
)

func mmapFile(f billy.File) ([]byte, func() error, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Join(err, f.Close())
	}

	ff, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return nil, nil, errors.Join(errNoFd, f.Close())
	}

	size := int(info.Size())
	if size == 0 {
		return nil, f.Close, nil
	}

	data, err := unix.Mmap(int(ff.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Join(err, f.Close())
	}

	closer := func() error {
		return errors.Join(unix.Munmap(data), f.Close())
	}
	return data, closer, nil
}

var errNoFd = errors.New("packfile: file has no descriptor to mmap")
