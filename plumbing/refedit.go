package plumbing

// PreviousValueKind enumerates the precondition shapes a RefEdit's
// expected value may take.
type PreviousValueKind int8

const (
	// Any applies the edit unconditionally.
	Any PreviousValueKind = iota
	// MustExist requires the ref to currently resolve to something,
	// peeled or symbolic, without constraining what.
	MustExist
	// MustNotExist requires the ref to be currently absent.
	MustNotExist
	// MustExistAndMatch requires the ref to currently equal Target.
	MustExistAndMatch
	// ExistingMustMatch is like MustExistAndMatch but tolerates the ref
	// being absent (a no-op precondition in that case).
	ExistingMustMatch
)

// PreviousValue is the precondition a RefEdit evaluates against the
// current ref value before staging its change.
type PreviousValue struct {
	Kind   PreviousValueKind
	Target Target
}

// AnyValue is the always-satisfied precondition.
var AnyValue = PreviousValue{Kind: Any}

// MustExistValue requires presence without constraining the target.
var MustExistValue = PreviousValue{Kind: MustExist}

// MustNotExistValue requires absence.
var MustNotExistValue = PreviousValue{Kind: MustNotExist}

// MustMatch requires the ref to currently equal t.
func MustMatch(t Target) PreviousValue {
	return PreviousValue{Kind: MustExistAndMatch, Target: t}
}

// ExistingMatch is like MustMatch but accepts absence.
func ExistingMatch(t Target) PreviousValue {
	return PreviousValue{Kind: ExistingMustMatch, Target: t}
}

// ReflogMode controls whether a ref transaction appends a reflog entry
// for a given edit.
type ReflogMode int8

const (
	// ReflogAuto appends an entry for HEAD, refs/heads/* and
	// refs/remotes/*, and for any other ref that existed before the
	// edit; whether a reflog file already exists is not checked.
	ReflogAuto ReflogMode = iota
	// ReflogAlways forces an entry even for a ref category that would
	// not normally get one.
	ReflogAlways
	// ReflogDisable suppresses the entry even for a ref category that
	// would normally get one.
	ReflogDisable
)

// LogChange describes how a RefEdit's commit step should affect the
// ref's reflog.
type LogChange struct {
	Mode              ReflogMode
	ForceCreateReflog bool
	Message           string
}

// UpdateMode records what actually happened to an Update edit once
// Prepare has classified it — in particular, whether it was silently
// downgraded.
type UpdateMode int8

const (
	UpdateNormal UpdateMode = iota
	// RejectedToReplaceWithUnborn is set when an edit tried to point a
	// symbolic ref at a target that neither exists nor is created by
	// any edit in the same transaction.
	RejectedToReplaceWithUnborn
)

// RefEditKind distinguishes the two RefEdit shapes.
type RefEditKind int8

const (
	EditUpdate RefEditKind = iota
	EditDelete
)

// RefEdit is either an Update or a Delete, carrying the precondition
// that guards it and the reflog behavior to apply on commit.
type RefEdit struct {
	Kind RefEditKind
	Name ReferenceName

	// Expected is the precondition; see PreviousValueKind.
	Expected PreviousValue

	// New is the target to write. Only meaningful for EditUpdate.
	New Target

	Log LogChange

	// Mode records post-classification state; Prepare mutates this in
	// place, which is why RefEdit is normally handled by pointer.
	Mode UpdateMode

	// Deref, when true and Name currently resolves to a symbolic
	// reference, causes the edit to apply to the dereferenced target
	// instead of to Name itself.
	Deref bool
}

// NewUpdate builds an Update edit.
func NewUpdate(name ReferenceName, expected PreviousValue, new Target, log LogChange) *RefEdit {
	return &RefEdit{Kind: EditUpdate, Name: name, Expected: expected, New: new, Log: log}
}

// NewDelete builds a Delete edit.
func NewDelete(name ReferenceName, expected PreviousValue, logMode ReflogMode) *RefEdit {
	return &RefEdit{Kind: EditDelete, Name: name, Expected: expected, Log: LogChange{Mode: logMode}}
}
