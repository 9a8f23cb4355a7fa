// Package plumbing holds the value types shared by every layer of the
// store: object kinds, file modes, and reference names/targets.
package plumbing

import "errors"

var (
	// ErrObjectNotFound is returned when an object id cannot be located
	// in any pack, loose backend, or alternate.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidType is returned when a byte does not decode to one of
	// the known ObjectType values.
	ErrInvalidType = errors.New("invalid object type")
)

// ObjectType is one of the four object kinds, or one of the two delta
// kinds used only inside pack entries.
type ObjectType int8

const (
	InvalidObject ObjectType = 0
	CommitObject  ObjectType = 1
	TreeObject    ObjectType = 2
	BlobObject    ObjectType = 3
	TagObject     ObjectType = 4
	// 5 is reserved by the pack format for future expansion.
	OFSDeltaObject ObjectType = 6
	REFDeltaObject ObjectType = 7

	// AnyObject matches any of the four object kinds in a lookup filter.
	AnyObject ObjectType = -127
)

func (t ObjectType) String() string {
	switch t {
	case CommitObject:
		return "commit"
	case TreeObject:
		return "tree"
	case BlobObject:
		return "blob"
	case TagObject:
		return "tag"
	case OFSDeltaObject:
		return "ofs-delta"
	case REFDeltaObject:
		return "ref-delta"
	case AnyObject:
		return "any"
	default:
		return "unknown"
	}
}

// Bytes is the header-encoding form of the type, as used in the
// "<kind> <len>\0" hash preimage.
func (t ObjectType) Bytes() []byte { return []byte(t.String()) }

// Valid reports whether t is one of the four storable object kinds.
func (t ObjectType) Valid() bool {
	return t >= CommitObject && t <= TagObject
}

// IsDelta reports whether t is one of the two pack-only delta kinds.
func (t ObjectType) IsDelta() bool {
	return t == REFDeltaObject || t == OFSDeltaObject
}

// ParseObjectType parses the header string form of an ObjectType.
func ParseObjectType(s string) (ObjectType, error) {
	switch s {
	case "commit":
		return CommitObject, nil
	case "tree":
		return TreeObject, nil
	case "blob":
		return BlobObject, nil
	case "tag":
		return TagObject, nil
	case "ofs-delta":
		return OFSDeltaObject, nil
	case "ref-delta":
		return REFDeltaObject, nil
	default:
		return InvalidObject, ErrInvalidType
	}
}
