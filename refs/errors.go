package refs

import (
	"errors"
	"fmt"

	"github.com/go-vcs/gitstore/plumbing"
)

var (
	// ErrReferenceNotFound is returned by Find when name resolves to
	// neither a loose nor a packed reference.
	ErrReferenceNotFound = errors.New("refs: reference not found")
	// ErrReferenceDecode is returned when a loose or packed-refs entry's
	// content cannot be parsed.
	ErrReferenceDecode = errors.New("refs: malformed reference content")
	// ErrCycle is returned by PeelToID when chasing a symbolic reference
	// chain revisits a name already seen.
	ErrCycle = errors.New("refs: symbolic reference cycle")
	// ErrEmptyRefFile is returned when a loose ref file exists but is
	// empty — distinct from not existing at all, per dotgit_setref.go's
	// own ErrEmptyRefFile handling.
	ErrEmptyRefFile = errors.New("refs: empty reference file")
	// ErrPackedTransactionAcquire is returned when the packed-refs lock
	// file cannot be acquired during Prepare.
	ErrPackedTransactionAcquire = errors.New("refs: packed-refs transaction lock acquire failed")
	// ErrPackedTransactionPrepare is returned when the packed-refs
	// rewrite buffer cannot be built during Prepare.
	ErrPackedTransactionPrepare = errors.New("refs: packed-refs transaction prepare failed")
)

// LockAcquireError wraps a failure to acquire a per-ref lock file.
type LockAcquireError struct {
	FullName plumbing.ReferenceName
	Source   error
}

func (e *LockAcquireError) Error() string {
	return fmt.Sprintf("refs: acquire lock for %s: %v", e.FullName, e.Source)
}
func (e *LockAcquireError) Unwrap() error { return e.Source }

// DeleteReferenceMustExistError is returned preparing a Delete edit
// against a reference that does not currently exist.
type DeleteReferenceMustExistError struct {
	FullName plumbing.ReferenceName
}

func (e *DeleteReferenceMustExistError) Error() string {
	return fmt.Sprintf("refs: delete %s: reference must exist", e.FullName)
}

// MustExistError is returned when an edit's MustExist precondition finds
// the reference absent.
type MustExistError struct {
	FullName plumbing.ReferenceName
}

func (e *MustExistError) Error() string {
	return fmt.Sprintf("refs: %s: expected to exist", e.FullName)
}

// MustNotExistError is returned when an edit's MustNotExist precondition
// finds the reference already present.
type MustNotExistError struct {
	FullName plumbing.ReferenceName
	Actual   plumbing.Target
}

func (e *MustNotExistError) Error() string {
	return fmt.Sprintf("refs: %s: expected absent, found existing value", e.FullName)
}

// ReferenceOutOfDateError is returned when an edit's MustExistAndMatch/
// ExistingMustMatch precondition observes a value other than expected.
type ReferenceOutOfDateError struct {
	FullName plumbing.ReferenceName
	Expected plumbing.Target
	Actual   plumbing.Target
}

func (e *ReferenceOutOfDateError) Error() string {
	return fmt.Sprintf("refs: %s: out of date (expected %v, found %v)", e.FullName, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrReferenceHasChanged) match any out-of-date
// error regardless of its field values, grounded on NoMatchingRefSpecError's
// pattern of a typed error self-comparing against a sentinel by kind
// rather than by field equality.
func (e *ReferenceOutOfDateError) Is(target error) bool {
	return target == ErrReferenceHasChanged
}

// ErrReferenceHasChanged is the sentinel ReferenceOutOfDateError compares
// itself against via Is, grounded on storage.ErrReferenceHasChanged.
var ErrReferenceHasChanged = errors.New("refs: reference has changed since expected")
