package plumbing

import (
	"strings"

	"github.com/go-vcs/gitstore/hash"
)

// ReferenceName is the full name of a reference, e.g. "refs/heads/main"
// or the pseudo-ref "HEAD".
type ReferenceName string

const (
	HEAD ReferenceName = "HEAD"
)

const (
	refHeadPrefix   = "refs/heads/"
	refTagPrefix    = "refs/tags/"
	refRemotePrefix = "refs/remotes/"
	refNotePrefix   = "refs/notes/"
)

// NewBranchReferenceName builds "refs/heads/<name>".
func NewBranchReferenceName(name string) ReferenceName {
	return ReferenceName(refHeadPrefix + name)
}

// NewTagReferenceName builds "refs/tags/<name>".
func NewTagReferenceName(name string) ReferenceName {
	return ReferenceName(refTagPrefix + name)
}

// NewRemoteReferenceName builds "refs/remotes/<remote>/<name>".
func NewRemoteReferenceName(remote, name string) ReferenceName {
	return ReferenceName(refRemotePrefix + remote + "/" + name)
}

// IsBranch reports whether n lives under refs/heads/.
func (n ReferenceName) IsBranch() bool { return strings.HasPrefix(string(n), refHeadPrefix) }

// IsTag reports whether n lives under refs/tags/.
func (n ReferenceName) IsTag() bool { return strings.HasPrefix(string(n), refTagPrefix) }

// IsRemote reports whether n lives under refs/remotes/.
func (n ReferenceName) IsRemote() bool { return strings.HasPrefix(string(n), refRemotePrefix) }

// IsNote reports whether n lives under refs/notes/.
func (n ReferenceName) IsNote() bool { return strings.HasPrefix(string(n), refNotePrefix) }

// Category buckets a reference name for filtering purposes — in
// particular, deciding whether it is eligible to participate in the
// packed-refs batch.
type Category int8

const (
	CategoryUnknown Category = iota
	CategoryBranch
	CategoryTag
	CategoryRemote
	CategoryNote
	// CategoryPseudo covers HEAD, which is never written to
	// packed-refs.
	CategoryPseudo
	// CategoryWorktreePrivate covers refs private to a single
	// worktree (worktree checkout itself is out of scope, but the
	// classification still matters for packed-refs eligibility).
	CategoryWorktreePrivate
)

// worktreePrivateNames lists pseudo-refs treated as worktree-private
// regardless of prefix, matching Git's per-worktree ref list. HEAD is
// listed too but Category reports it as CategoryPseudo.
var worktreePrivateNames = map[ReferenceName]bool{
	"HEAD":       true,
	"FETCH_HEAD": true,
	"ORIG_HEAD":  true,
	"MERGE_HEAD": true,
	"CHERRY_PICK_HEAD": true,
	"BISECT_HEAD": true,
}

// Category classifies n for packed-refs eligibility and general
// bucketing.
func (n ReferenceName) Category() Category {
	if worktreePrivateNames[n] {
		if n == HEAD {
			return CategoryPseudo
		}
		return CategoryWorktreePrivate
	}
	switch {
	case n.IsBranch():
		return CategoryBranch
	case n.IsTag():
		return CategoryTag
	case n.IsRemote():
		return CategoryRemote
	case n.IsNote():
		return CategoryNote
	default:
		return CategoryUnknown
	}
}

// PackedRefsEligible reports whether a reference of this name may be
// included in a packed-refs rewrite. Pseudo-refs and worktree-private
// refs never are.
func (n ReferenceName) PackedRefsEligible() bool {
	c := n.Category()
	return c != CategoryPseudo && c != CategoryWorktreePrivate
}

func (n ReferenceName) String() string { return string(n) }

// Short returns n with its refs/heads|tags|remotes/ prefix stripped,
// for display purposes.
func (n ReferenceName) Short() string {
	s := string(n)
	for _, prefix := range []string{refHeadPrefix, refTagPrefix, refRemotePrefix, refNotePrefix} {
		if strings.HasPrefix(s, prefix) {
			return s[len(prefix):]
		}
	}
	return s
}

// TargetKind distinguishes a direct from an indirect reference target.
type TargetKind int8

const (
	TargetPeeled TargetKind = iota
	TargetSymbolic
)

// Target is the sum type a Reference points at: either a direct object
// id (Peeled) or another reference name to chase (Symbolic).
type Target struct {
	kind   TargetKind
	id     hash.ObjectID
	symbol ReferenceName
}

// Peeled builds a direct Target.
func Peeled(id hash.ObjectID) Target { return Target{kind: TargetPeeled, id: id} }

// Symbolic builds an indirect Target.
func Symbolic(name ReferenceName) Target { return Target{kind: TargetSymbolic, symbol: name} }

func (t Target) Kind() TargetKind { return t.kind }
func (t Target) IsPeeled() bool   { return t.kind == TargetPeeled }
func (t Target) IsSymbolic() bool { return t.kind == TargetSymbolic }

// ID returns the object id for a Peeled target. Calling it on a
// Symbolic target returns the zero id; callers must check Kind first.
func (t Target) ID() hash.ObjectID { return t.id }

// Symbol returns the referred-to name for a Symbolic target.
func (t Target) Symbol() ReferenceName { return t.symbol }

func (t Target) Equal(o Target) bool {
	if t.kind != o.kind {
		return false
	}
	if t.kind == TargetPeeled {
		return t.id.Compare(o.id.Bytes()) == 0
	}
	return t.symbol == o.symbol
}

// Reference is a named pointer: a full name plus the Target it
// currently resolves to one hop.
type Reference struct {
	name   ReferenceName
	target Target
}

// NewHashReference builds a direct reference.
func NewHashReference(name ReferenceName, id hash.ObjectID) *Reference {
	return &Reference{name: name, target: Peeled(id)}
}

// NewSymbolicReference builds an indirect reference.
func NewSymbolicReference(name, target ReferenceName) *Reference {
	return &Reference{name: name, target: Symbolic(target)}
}

func (r *Reference) Name() ReferenceName { return r.name }
func (r *Reference) Target() Target      { return r.target }

// Hash returns the object id for a direct reference, or the zero id for
// a symbolic one.
func (r *Reference) Hash() hash.ObjectID {
	if r.target.IsPeeled() {
		return r.target.ID()
	}
	return hash.ObjectID{}
}

// Type reports whether r is direct or symbolic.
func (r *Reference) Type() TargetKind { return r.target.Kind() }

// Strings renders r the way a loose ref file or packed-refs line would
// (without the trailing "^peeled" hint), used by both storage layers.
func (r *Reference) Strings() (first, second string) {
	if r.target.IsSymbolic() {
		return "ref", r.target.Symbol().String()
	}
	return r.target.ID().String(), r.name.String()
}
