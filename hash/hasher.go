package hash

import (
	stdhash "hash"
	"strconv"
)

// Hasher wraps the git object-header framing ("<kind> <len>\0") around a
// raw hash.Hash so callers compute the same id the object store verifies
// objects against.
type Hasher struct {
	stdhash.Hash
	kind Kind
}

// NewHasher returns a Hasher for the given Kind, primed with the header
// for an object of type t and size size.
func NewHasher(k Kind, t string, size int64) Hasher {
	h := Hasher{Hash: New(k), kind: k}
	h.Reset(t, size)
	return h
}

// Reset reinitializes the hasher with a new object header.
func (h Hasher) Reset(t string, size int64) {
	h.Hash.Reset()
	h.Write([]byte(t))
	h.Write([]byte(" "))
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte{0})
}

// Sum returns the computed ObjectID.
func (h Hasher) Sum() ObjectID {
	id, err := FromBytes(h.Hash.Sum(nil))
	if err != nil {
		// Hash implementations for a registered Kind always return the
		// matching digest width; a mismatch here is a programming error
		// in a custom RegisterHash callback, not a runtime condition.
		panic(err)
	}
	return id
}
