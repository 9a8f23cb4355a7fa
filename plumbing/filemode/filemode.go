// Package filemode defines the mode values a tree entry may carry.
package filemode

import (
	"fmt"
	"strconv"
)

// FileMode is the Unix-style mode stored alongside a tree entry's name
// and object id.
type FileMode uint32

const (
	Empty      FileMode = 0
	Dir        FileMode = 0o40000
	Regular    FileMode = 0o100644
	Deprecated FileMode = 0o100664
	Executable FileMode = 0o100755
	Symlink    FileMode = 0o120000
	Submodule  FileMode = 0o160000
)

// New parses the octal mode text used in both tree-entry encoding and
// index entries.
func New(s string) (FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return Empty, fmt.Errorf("malformed filemode %q: %w", s, err)
	}
	return FileMode(n), nil
}

// String renders the mode as zero-padded six-digit octal, the form Git
// prints in diff-tree and ls-tree output; Bytes gives the unpadded form
// a tree object stores.
func (m FileMode) String() string {
	return fmt.Sprintf("%06o", uint32(m))
}

// IsMalformed reports whether m is not one of the six recognized modes.
func (m FileMode) IsMalformed() bool {
	switch m {
	case Dir, Regular, Deprecated, Executable, Symlink, Submodule:
		return false
	default:
		return true
	}
}

// IsRegular reports whether m is one of the two "plain file" modes Git
// treats as blob content (Regular or Deprecated), excluding Executable.
func (m FileMode) IsRegular() bool {
	return m == Regular || m == Deprecated
}

// Bytes returns the mode encoded the way a tree entry header encodes
// it: unpadded octal, no leading zero for Dir.
func (m FileMode) Bytes() []byte {
	if m == Dir {
		return []byte("40000")
	}
	return []byte(fmt.Sprintf("%o", uint32(m)))
}
