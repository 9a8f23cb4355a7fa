package revision

import "time"

// Kind is the range kind a revspec sets on its delegate exactly once.
type Kind int

const (
	// RangeBetween is the kind set by "A..B".
	RangeBetween Kind = iota
	// ReachableToMergeBase is the kind set by "A...B".
	ReachableToMergeBase
	// ExcludeReachable is the kind set by a leading "^A".
	ExcludeReachable
	// ExcludeReachableFromParents is the kind set by a trailing "A^!".
	ExcludeReachableFromParents
	// IncludeReachableFromParents is the kind set by a trailing "A^@".
	IncludeReachableFromParents
)

// SiblingBranch identifies which sibling of a branch "name@{kind}"
// requests.
type SiblingBranch int

const (
	Upstream SiblingBranch = iota
	Push
)

// parseSiblingBranch recognizes the two sibling-branch keywords used
// inside a "@{...}" navigation; it reports ok=false for anything else.
func parseSiblingBranch(s string) (SiblingBranch, bool) {
	switch s {
	case "upstream", "u":
		return Upstream, true
	case "push":
		return Push, true
	default:
		return 0, false
	}
}

// ReflogLookup selects a reflog entry either by its age (0 = current
// value, 1 = previous, ...) or by a point in time.
type ReflogLookup struct {
	ByEntry bool
	Entry   int
	At      time.Time
}

func reflogEntry(n int) ReflogLookup      { return ReflogLookup{ByEntry: true, Entry: n} }
func reflogDate(t time.Time) ReflogLookup { return ReflogLookup{At: t} }

// Traversal is a single "~N" or "^N" navigation step.
type Traversal struct {
	// NthAncestor, when true, follows first-parent links N times
	// ("~N"). Otherwise this selects the Nth parent of the current
	// commit directly ("^N").
	NthAncestor bool
	N           int
}

// ObjectKind names the object type a "^{kind}" peel targets.
type ObjectKind int

const (
	KindCommit ObjectKind = iota
	KindTree
	KindBlob
	KindTag
)

// PeelTo is a "^{...}" or ":path" navigation target.
type PeelTo struct {
	ObjectKind    ObjectKind
	HasObjectKind bool
	ValidObject   bool
	RecursiveTag  bool
	Path          string
	HasPath       bool
}

func peelToKind(k ObjectKind) PeelTo { return PeelTo{ObjectKind: k, HasObjectKind: true} }
func peelToPath(p string) PeelTo     { return PeelTo{Path: p, HasPath: true} }

// PrefixHint narrows how an abbreviated hex id should be disambiguated.
type PrefixHint struct {
	// MustBeCommit, when true, means the prefix came from a context
	// ("^@"/"~"/...) that only ever names a commit.
	MustBeCommit bool
	// DescribeAnchor reports the prefix was extracted from the
	// "<ref>-<n>-g<hex>" output of a describe operation.
	DescribeAnchor bool
	RefName        string
	Generation     int
}

// Delegate receives one callback per grammar production the parser
// recognizes. Every method reports ok=false to abort parsing with an
// *Error of kind Delegate. Done is called once the revspec's grammar is
// complete; after a "^!" or "^@" suffix it is called at once, and Parse
// still returns UnconsumedInput if any input follows the suffix.
type Delegate interface {
	FindRef(name string) bool
	DisambiguatePrefix(prefix string, hint *PrefixHint) bool
	NthCheckedOutBranch(n int) bool
	SiblingBranch(kind SiblingBranch) bool
	Reflog(query ReflogLookup) bool
	Traverse(step Traversal) bool
	PeelUntil(target PeelTo) bool
	Find(regex string, negated bool) bool
	IndexLookup(path string, stage uint8) bool
	Kind(kind Kind) bool
	Done()
}
