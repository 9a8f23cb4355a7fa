//go:build !(darwin || linux)

package packfile

import (
	"io"

	billy "github.com/go-git/go-billy/v5"
)

func mmapFile(f billy.File) ([]byte, func() error, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return data, f.Close, nil
}
