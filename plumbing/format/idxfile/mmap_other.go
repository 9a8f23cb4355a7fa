//go:build !(darwin || linux)

package idxfile

import (
	"io"

	billy "github.com/go-git/go-billy/v5"
)

// mmapFile falls back to a plain read on platforms without the unix
// mmap syscalls wired up; the decoder's interface is identical either
// way since it only ever sees a []byte.
func mmapFile(f billy.File) ([]byte, func() error, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return data, f.Close, nil
}
