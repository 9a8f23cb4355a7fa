// Package treediff implements recursive tree comparison and rename/copy
// tracking: a sorted-order walk of two decoded trees, plus an optional
// pass that pairs up deletions and additions it judges to be the same
// file moved or copied.
package treediff

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing/filemode"
)

// Entry is one decoded tree-object record: a name, its mode, and the id
// of the blob or subtree it points to.
type Entry struct {
	Name string
	Mode filemode.FileMode
	ID   hash.ObjectID
}

// IsTree reports whether the entry itself points at another tree.
func (e Entry) IsTree() bool { return e.Mode == filemode.Dir }

// DecodeTree parses a tree object's raw payload into its entries, each
// one "<mode> <name>\0<id-bytes>". Entries are returned in on-disk
// order, which Git already writes sorted by name.
func DecodeTree(kind hash.Kind, data []byte) ([]Entry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := bufio.NewReader(bytes.NewReader(data))
	size := kind.Size()
	var entries []Entry
	for {
		modeStr, err := r.ReadString(' ')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("treediff: reading mode: %w", err)
		}
		mode, err := strconv.ParseUint(modeStr[:len(modeStr)-1], 8, 32)
		if err != nil {
			return nil, fmt.Errorf("treediff: malformed mode %q: %w", modeStr, err)
		}

		name, err := r.ReadString(0)
		if err != nil {
			return nil, fmt.Errorf("treediff: reading name: %w", err)
		}
		name = name[:len(name)-1]

		idBytes := make([]byte, size)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, fmt.Errorf("treediff: reading id: %w", err)
		}
		id, err := hash.FromBytes(idBytes)
		if err != nil {
			return nil, fmt.Errorf("treediff: %w", err)
		}

		entries = append(entries, Entry{Name: name, Mode: filemode.FileMode(mode), ID: id})
	}
	return entries, nil
}

// SortEntries puts entries into the name order a tree object must be
// written in. DecodeTree never needs it (Git trees are already sorted
// on disk); it exists for callers constructing an Entry slice by hand,
// such as tests.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
