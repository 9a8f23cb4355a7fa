package idxfile

import (
	"bytes"
	"fmt"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-vcs/gitstore/hash"
)

// Open memory-maps path and decodes it as a .idx v2 file. The mapping
// is held open for the lifetime of the returned *PackIndex; Close
// releases it.
func Open(fs billy.Filesystem, path string, kind hash.Kind) (*PackIndex, func() error, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, err
	}
	data, closer, err := mmapFile(f)
	if err != nil {
		return nil, nil, err
	}
	idx, err := DecodePackIndex(bytes.NewReader(data), kind.Size())
	if err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("idxfile: decoding %s: %w", path, err)
	}
	return idx, closer, nil
}

// OpenMultiPackIndex memory-maps path and decodes it as a MIDX file.
// mtime is the modification time the caller observed via Stat before
// calling Open, so it should be read from the same fs.Stat call that
// triggers a (re)open rather than recomputed here.
func OpenMultiPackIndex(fs billy.Filesystem, path string, mtime int64) (*MultiPackIndex, func() error, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, err
	}
	data, closer, err := mmapFile(f)
	if err != nil {
		return nil, nil, err
	}
	midx, err := DecodeMultiPackIndex(bytes.NewReader(data), mtime)
	if err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("idxfile: decoding %s: %w", path, err)
	}
	return midx, closer, nil
}
