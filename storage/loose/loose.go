// Package loose implements the one-file-per-object backend: each
// object lives at objects/xx/yyyy... under a root, zlib-compressed
// with a "<kind> <len>\0" header.
package loose

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"os"

	billy "github.com/go-git/go-billy/v5"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
)

// ErrShortRead is returned by TryFind when a stored object's header
// declares a length longer than its decompressed payload. A payload
// longer than declared is not detected; only the declared length is read.
var ErrShortRead = errors.New("loose: object payload shorter than declared size")

const objectsPath = "objects"

// Backend is the loose object store rooted at a filesystem.
type Backend struct {
	fs   billy.Filesystem
	kind hash.Kind
}

// New builds a Backend rooted at fs's "objects" directory, using kind
// for ids it computes when writing.
func New(fs billy.Filesystem, kind hash.Kind) *Backend {
	return &Backend{fs: fs, kind: kind}
}

func (b *Backend) path(id hash.ObjectID) string {
	hex := id.String()
	return b.fs.Join(objectsPath, hex[:2], hex[2:])
}

// Contains reports whether id has a loose object file.
func (b *Backend) Contains(id hash.ObjectID) (bool, error) {
	_, err := b.fs.Stat(b.path(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Object is a decoded loose object: its kind and full payload.
type Object struct {
	Kind plumbing.ObjectType
	Data []byte
}

// TryFind reads and decompresses the object at id, or reports absence
// by returning ok=false with a nil error.
func (b *Backend) TryFind(id hash.ObjectID) (Object, bool, error) {
	f, err := b.fs.Open(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, false, nil
		}
		return Object{}, false, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return Object{}, false, fmt.Errorf("loose: %s: zlib init: %w", id, err)
	}
	defer zr.Close()

	kindStr, size, err := readHeader(zr)
	if err != nil {
		return Object{}, false, fmt.Errorf("loose: %s: header: %w", id, err)
	}
	kind, err := plumbing.ParseObjectType(kindStr)
	if err != nil {
		return Object{}, false, fmt.Errorf("loose: %s: %w", id, err)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(zr, data); err != nil {
		return Object{}, false, fmt.Errorf("loose: %s: %w", id, ErrShortRead)
	}

	return Object{Kind: kind, Data: data}, true, nil
}

// readHeader reads the "<kind> <len>\0" preimage header from a
// decompressed object stream.
func readHeader(r io.Reader) (kind string, size int64, err error) {
	var buf [64]byte
	n := 0
	for n < len(buf) {
		if _, err := io.ReadFull(r, buf[n:n+1]); err != nil {
			return "", 0, err
		}
		if buf[n] == 0 {
			break
		}
		n++
	}
	header := string(buf[:n])
	sp := bytes.IndexByte([]byte(header), ' ')
	if sp < 0 {
		return "", 0, fmt.Errorf("malformed header %q", header)
	}
	kind = header[:sp]
	if _, err := fmt.Sscanf(header[sp+1:], "%d", &size); err != nil {
		return "", 0, fmt.Errorf("malformed header size %q: %w", header, err)
	}
	return kind, size, nil
}

// Iter yields every object id currently stored loose, by walking the
// two-level fan-out directory structure.
func (b *Backend) Iter() ([]hash.ObjectID, error) {
	top, err := b.fs.ReadDir(objectsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []hash.ObjectID
	for _, d := range top {
		if !d.IsDir() || len(d.Name()) != 2 || !isHex(d.Name()) {
			continue
		}
		sub, err := b.fs.ReadDir(b.fs.Join(objectsPath, d.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range sub {
			id, err := hash.FromHex(d.Name() + f.Name())
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Write zlib-compresses kind+bytes under a "<kind> <len>\0" header,
// writes it to a temp file, and renames it into place keyed by the
// content's own hash (write-then-rename keeps a reader from ever
// observing a partially written object).
func (b *Backend) Write(kind plumbing.ObjectType, data []byte) (hash.ObjectID, error) {
	h := hash.NewHasher(b.kind, kind.String(), int64(len(data)))
	if _, err := h.Write(data); err != nil {
		return hash.ObjectID{}, err
	}
	id := h.Sum()

	if ok, err := b.Contains(id); err != nil {
		return hash.ObjectID{}, err
	} else if ok {
		return id, nil
	}

	if err := b.fs.MkdirAll(b.fs.Join(objectsPath), 0o755); err != nil {
		return hash.ObjectID{}, err
	}
	tmp, err := b.fs.TempFile(objectsPath, "tmp_obj_")
	if err != nil {
		return hash.ObjectID{}, err
	}
	tmpName := tmp.Name()

	zw := zlib.NewWriter(tmp)
	fmt.Fprintf(zw, "%s %d\x00", kind, len(data))
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		tmp.Close()
		return hash.ObjectID{}, err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return hash.ObjectID{}, err
	}
	if err := tmp.Close(); err != nil {
		return hash.ObjectID{}, err
	}

	dir := b.fs.Join(objectsPath, id.String()[:2])
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return hash.ObjectID{}, err
	}
	if err := b.fs.Rename(tmpName, b.path(id)); err != nil {
		return hash.ObjectID{}, err
	}

	return id, nil
}

func isHex(s string) bool {
	for _, c := range []byte(s) {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
