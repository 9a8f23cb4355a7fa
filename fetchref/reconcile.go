package fetchref

import (
	"strings"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
)

// UpdateKind classifies the outcome Reconcile reached for a single
// remote-ref/local-name pairing.
type UpdateKind int8

const (
	// New creates a local reference that did not exist before.
	New UpdateKind = iota
	// NoChangeNeeded means the local ref already equals the remote one.
	NoChangeNeeded
	// FastForward advances an existing local ref to a descendant commit.
	FastForward
	// Forced overwrites an existing local ref because the refspec or the
	// caller asked for force; no fast-forward check is made.
	Forced
	// RejectedNonFastForward means the update was declined because it
	// was neither a fast-forward nor forced.
	RejectedNonFastForward
	// RejectedCurrentlyCheckedOut means the local ref is checked out in
	// a worktree and so cannot be moved by a fetch.
	RejectedCurrentlyCheckedOut
	// RejectedSourceObjectNotFound means the remote-advertised id is not
	// present in the local object store (a shallow/partial clone gap).
	RejectedSourceObjectNotFound
	// RejectedSymbolic means the local destination is a symbolic
	// reference and fetch never overwrites those directly.
	RejectedSymbolic
	// RejectedToReplaceWithUnborn means the update would point a
	// reference at a symbolic target that does not and will not exist.
	RejectedToReplaceWithUnborn
	// RejectedTagUpdate means a tag already exists locally under a
	// different id. Tag updates are never forced: neither Force nor a
	// "+" refspec applies to tags.
	RejectedTagUpdate
	// ImplicitTagNotSentByRemote means that, under AutoTags, a
	// remote-advertised tag's target is not reachable from any ref this
	// fetch updates, so no edit is made for the tag.
	ImplicitTagNotSentByRemote
)

// Update reports the classification Reconcile reached for one mapping,
// whether or not it produced a RefEdit.
type Update struct {
	SpecIndex int
	Remote    *plumbing.Reference
	Local     plumbing.ReferenceName
	Old       hash.ObjectID
	New       hash.ObjectID
	Kind      UpdateKind
}

// LocalRefs resolves an existing local reference by name; *refs.Store
// satisfies this directly.
type LocalRefs interface {
	Find(name plumbing.ReferenceName) (*plumbing.Reference, bool, error)
}

// Reconciler computes the RefEdits a fetch should apply to local refs,
// classifying every remote/local pairing it considers along the way.
// Configure with the chained setters, then call Reconcile.
type Reconciler struct {
	local LocalRefs

	specs   []RefSpec
	tagMode TagMode
	force   bool

	objectExists  func(hash.ObjectID) (bool, error)
	ancestorOf    func(old, new hash.ObjectID) (bool, error)
	checkedOut    func(plumbing.ReferenceName) bool
	reflogMessage func(Update) string
}

// New builds a Reconciler against local, the existing local reference
// store.
func New(local LocalRefs) *Reconciler {
	return &Reconciler{
		local:        local,
		tagMode:      AutoTags,
		objectExists: func(hash.ObjectID) (bool, error) { return true, nil },
		checkedOut:   func(plumbing.ReferenceName) bool { return false },
	}
}

// Specs sets the refspecs to expand against the remote's advertised refs.
func (r *Reconciler) Specs(specs []RefSpec) *Reconciler {
	r.specs = specs
	return r
}

// TagMode overrides the default AutoTags.
func (r *Reconciler) TagMode(m TagMode) *Reconciler {
	r.tagMode = m
	return r
}

// Force causes every non-tag update to bypass the fast-forward check,
// equivalent to every refspec carrying "+".
func (r *Reconciler) Force(force bool) *Reconciler {
	r.force = force
	return r
}

// ObjectExists overrides the default "always present" stub with a real
// lookup against the local object store, needed to classify
// RejectedSourceObjectNotFound.
func (r *Reconciler) ObjectExists(fn func(hash.ObjectID) (bool, error)) *Reconciler {
	r.objectExists = fn
	return r
}

// AncestorOf supplies the fast-forward test: does new descend from old
// in the local object store's commit ancestry. Required before any
// non-force update to an existing ref is classified.
func (r *Reconciler) AncestorOf(fn func(old, new hash.ObjectID) (bool, error)) *Reconciler {
	r.ancestorOf = fn
	return r
}

// CheckedOut overrides the default "nothing is checked out" stub;
// worktree checkout itself is out of scope, but the caller may still
// supply the set of refs held by linked worktrees.
func (r *Reconciler) CheckedOut(fn func(plumbing.ReferenceName) bool) *Reconciler {
	r.checkedOut = fn
	return r
}

// ReflogMessage supplies the reflog message for each non-rejected edit;
// without it edits carry an empty message.
func (r *Reconciler) ReflogMessage(fn func(Update) string) *Reconciler {
	r.reflogMessage = fn
	return r
}

type pairing struct {
	specIndex int
	spec      RefSpec
	remote    *plumbing.Reference
}

// Reconcile expands r's refspecs against remoteRefs, classifies every
// resulting mapping, and returns the RefEdits for non-rejected mappings
// alongside an Update for every mapping considered, in mapping order.
// If dryRun, edits is always empty regardless of classification.
func (r *Reconciler) Reconcile(remoteRefs []*plumbing.Reference, dryRun bool) (edits []*plumbing.RefEdit, updates []Update, err error) {
	pairings := r.expand(remoteRefs)

	for _, p := range pairings {
		u, edit, cerr := r.classify(p)
		if cerr != nil {
			return nil, nil, cerr
		}
		updates = append(updates, u)
		if edit != nil && !dryRun {
			edits = append(edits, edit)
		}
	}

	if r.tagMode != NoTags {
		tagUpdates, tagEdits, terr := r.reconcileTags(remoteRefs, updates)
		if terr != nil {
			return nil, nil, terr
		}
		updates = append(updates, tagUpdates...)
		if !dryRun {
			edits = append(edits, tagEdits...)
		}
	}

	return edits, updates, nil
}

func (r *Reconciler) expand(remoteRefs []*plumbing.Reference) []pairing {
	var out []pairing
	for i, spec := range r.specs {
		for _, ref := range remoteRefs {
			if ref.Type() != plumbing.TargetPeeled {
				continue
			}
			if ref.Name().IsTag() {
				// Tags are reconciled separately by reconcileTags, per
				// their own tagMode rules, even when an explicit
				// wildcard refspec would otherwise also match them.
				continue
			}
			if !spec.Match(ref.Name()) {
				continue
			}
			out = append(out, pairing{specIndex: i, spec: spec, remote: ref})
		}
	}
	return out
}

func localName(spec RefSpec, remote plumbing.ReferenceName) plumbing.ReferenceName {
	dst := spec.Dst(remote)
	if !strings.HasPrefix(dst.String(), "refs/") {
		dst = plumbing.NewBranchReferenceName(dst.String())
	}
	return dst
}

func (r *Reconciler) classify(p pairing) (Update, *plumbing.RefEdit, error) {
	name := localName(p.spec, p.remote.Name())
	newID := p.remote.Target().ID()

	u := Update{SpecIndex: p.specIndex, Remote: p.remote, Local: name, New: newID}

	exists, err := r.objectExists(newID)
	if err != nil {
		return Update{}, nil, err
	}
	if !exists {
		u.Kind = RejectedSourceObjectNotFound
		return u, nil, nil
	}

	local, found, err := r.local.Find(name)
	if err != nil {
		return Update{}, nil, err
	}

	if found && local.Type() == plumbing.TargetSymbolic {
		u.Kind = RejectedSymbolic
		return u, nil, nil
	}

	if found {
		u.Old = local.Target().ID()
	}

	if r.checkedOut(name) {
		u.Kind = RejectedCurrentlyCheckedOut
		return u, nil, nil
	}

	force := r.force || p.spec.IsForceUpdate()

	switch {
	case !found:
		u.Kind = New
	case u.Old.Compare(newID.Bytes()) == 0:
		u.Kind = NoChangeNeeded
		return u, nil, nil
	case force:
		u.Kind = Forced
	default:
		ff, ferr := r.isFastForward(u.Old, newID)
		if ferr != nil {
			return Update{}, nil, ferr
		}
		if !ff {
			u.Kind = RejectedNonFastForward
			return u, nil, nil
		}
		u.Kind = FastForward
	}

	edit := plumbing.NewUpdate(name, expectedValue(found, u.Old), plumbing.Peeled(newID), r.logChange(u))
	return u, edit, nil
}

func (r *Reconciler) isFastForward(old, new hash.ObjectID) (bool, error) {
	if r.ancestorOf == nil {
		return false, nil
	}
	return r.ancestorOf(old, new)
}

func expectedValue(found bool, old hash.ObjectID) plumbing.PreviousValue {
	if !found {
		return plumbing.MustNotExistValue
	}
	return plumbing.MustMatch(plumbing.Peeled(old))
}

func (r *Reconciler) logChange(u Update) plumbing.LogChange {
	msg := ""
	if r.reflogMessage != nil {
		msg = r.reflogMessage(u)
	}
	return plumbing.LogChange{Mode: plumbing.ReflogAuto, Message: msg}
}

// reconcileTags applies the tagMode-specific rule for tag references:
// AllTags reconciles every remote tag;
// AutoTags only reconciles a tag if its target is reachable from one of
// the updates already classified as New/FastForward/Forced this fetch.
func (r *Reconciler) reconcileTags(remoteRefs []*plumbing.Reference, nonTagUpdates []Update) ([]Update, []*plumbing.RefEdit, error) {
	var updates []Update
	var edits []*plumbing.RefEdit

	reachable := func(hash.ObjectID) (bool, error) { return true, nil }
	if r.tagMode == AutoTags {
		updatedTips := make([]hash.ObjectID, 0, len(nonTagUpdates))
		for _, u := range nonTagUpdates {
			if u.Kind == New || u.Kind == FastForward || u.Kind == Forced {
				updatedTips = append(updatedTips, u.New)
			}
		}
		reachable = func(target hash.ObjectID) (bool, error) {
			if r.ancestorOf == nil {
				return false, nil
			}
			for _, tip := range updatedTips {
				if ok, err := r.ancestorOf(target, tip); err != nil {
					return false, err
				} else if ok || target.Compare(tip.Bytes()) == 0 {
					return true, nil
				}
			}
			return false, nil
		}
	}

	for _, ref := range remoteRefs {
		if !ref.Name().IsTag() || ref.Type() != plumbing.TargetPeeled {
			continue
		}

		target := ref.Target().ID()
		if r.tagMode == AutoTags {
			ok, err := reachable(target)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				updates = append(updates, Update{
					Remote: ref, Local: ref.Name(), New: target,
					Kind: ImplicitTagNotSentByRemote,
				})
				continue
			}
		}

		local, found, err := r.local.Find(ref.Name())
		if err != nil {
			return nil, nil, err
		}

		u := Update{Remote: ref, Local: ref.Name(), New: target}
		switch {
		case !found:
			u.Kind = New
		case found && local.Target().ID().Compare(target.Bytes()) == 0:
			u.Kind = NoChangeNeeded
			updates = append(updates, u)
			continue
		default:
			u.Old = local.Target().ID()
			u.Kind = RejectedTagUpdate
			updates = append(updates, u)
			continue
		}

		edit := plumbing.NewUpdate(ref.Name(), expectedValue(found, u.Old), plumbing.Peeled(target), r.logChange(u))
		updates = append(updates, u)
		edits = append(edits, edit)
	}

	return updates, edits, nil
}
