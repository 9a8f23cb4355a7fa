package treediff

import (
	"fmt"
	"path"

	"github.com/go-vcs/gitstore/hash"
)

// TreeReader resolves a tree object id to its decoded entries.
type TreeReader func(id hash.ObjectID) ([]Entry, error)

// BlobReader resolves a blob object id to its raw content, used only by
// the similarity pass of rewrite tracking.
type BlobReader func(id hash.ObjectID) ([]byte, error)

// Diff is the diff(from_tree, to_tree) builder: configure with
// TrackPath/TrackRewrites, then drive it with ForEachToObtainTree.
type Diff struct {
	fromRoot, toRoot []Entry
	trees            TreeReader
	blobs            BlobReader

	trackPath bool
	rewrites  *Rewrites

	lastOutcome Outcome
}

// Outcome reports rewrite-tracking bookkeeping from the most recent
// ForEachToObtainTree call; it is the zero value if TrackRewrites was
// never configured or ForEachToObtainTree has not yet run.
func (d *Diff) Outcome() Outcome { return d.lastOutcome }

// New builds a Diff between two already-decoded root trees. trees is
// consulted to descend into subtrees discovered during the walk.
func New(fromRoot, toRoot []Entry, trees TreeReader) *Diff {
	return &Diff{fromRoot: fromRoot, toRoot: toRoot, trees: trees}
}

// TrackPath causes emitted Changes to carry their full path from the
// tree root; without it Path is left empty.
func (d *Diff) TrackPath() *Diff {
	d.trackPath = true
	return d
}

// TrackRewrites enables the rename/copy pairing pass described by r.
// blobs is required when r.Percentage or a copy-pass threshold is set,
// since the similarity and copy passes read blob content.
func (d *Diff) TrackRewrites(r Rewrites, blobs BlobReader) *Diff {
	d.rewrites = &r
	d.blobs = blobs
	return d
}

// ForEachToObtainTree runs the full diff and rewrite-tracking pipeline,
// calling cb once per resulting Change. Modifications are delivered in
// walk order, followed by paired Rewrites, followed by any unpaired
// deletions and additions that rewrite tracking left alone.
func (d *Diff) ForEachToObtainTree(cb func(Change) error) error {
	w := &walker{trees: d.trees}
	if err := w.diff("", d.fromRoot, d.toRoot); err != nil {
		return err
	}

	dels, adds := w.dels, w.adds
	var rewrites []Change
	var outcome Outcome
	if d.rewrites != nil {
		var err error
		rewrites, dels, adds, outcome, err = detectRewrites(*d.rewrites, w.mods, dels, adds, d.blobs)
		if err != nil {
			return err
		}
		d.lastOutcome = outcome
	}

	for _, c := range w.mods {
		if err := cb(d.strip(c)); err != nil {
			return err
		}
	}
	for _, c := range rewrites {
		if err := cb(d.strip(c)); err != nil {
			return err
		}
	}
	for _, c := range dels {
		if err := cb(d.strip(c)); err != nil {
			return err
		}
	}
	for _, c := range adds {
		if err := cb(d.strip(c)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Diff) strip(c Change) Change {
	if !d.trackPath {
		c.Path = ""
	}
	return c
}

// walker accumulates the base diff's three event pools before any
// rewrite tracking runs.
type walker struct {
	trees TreeReader
	mods  []Change
	dels  []Change
	adds  []Change
}

// diff performs a sorted-merge walk of from and to (both assumed sorted
// by Entry.Name, as Git trees already are), recursing into matching
// subtrees and decomposing tree/non-tree collisions into a deletion of
// one side plus an addition of the other.
func (w *walker) diff(dir string, from, to []Entry) error {
	i, j := 0, 0
	for i < len(from) || j < len(to) {
		switch {
		case j >= len(to) || (i < len(from) && from[i].Name < to[j].Name):
			if err := w.emitSubtree(dir, from[i], Deletion); err != nil {
				return err
			}
			i++
		case i >= len(from) || to[j].Name < from[i].Name:
			if err := w.emitSubtree(dir, to[j], Addition); err != nil {
				return err
			}
			j++
		default:
			if err := w.diffMatched(dir, from[i], to[j]); err != nil {
				return err
			}
			i++
			j++
		}
	}
	return nil
}

func (w *walker) diffMatched(dir string, fromEntry, toEntry Entry) error {
	if fromEntry.Mode == toEntry.Mode && fromEntry.ID == toEntry.ID {
		return nil
	}

	fromIsTree, toIsTree := fromEntry.IsTree(), toEntry.IsTree()
	switch {
	case fromIsTree && toIsTree:
		fromChildren, err := w.trees(fromEntry.ID)
		if err != nil {
			return fmt.Errorf("treediff: reading tree %s: %w", fromEntry.ID, err)
		}
		toChildren, err := w.trees(toEntry.ID)
		if err != nil {
			return fmt.Errorf("treediff: reading tree %s: %w", toEntry.ID, err)
		}
		return w.diff(path.Join(dir, fromEntry.Name), fromChildren, toChildren)
	case fromIsTree != toIsTree:
		// Type change: emitSubtree already recurses for a tree side and
		// emits a single event for a non-tree side, so decomposing a
		// mixed pair is just emitting both sides independently.
		if err := w.emitSubtree(dir, fromEntry, Deletion); err != nil {
			return err
		}
		return w.emitSubtree(dir, toEntry, Addition)
	default:
		from, to := fromEntry, toEntry
		w.mods = append(w.mods, Change{
			Action: Modification,
			Path:   path.Join(dir, fromEntry.Name),
			From:   &from,
			To:     &to,
		})
		return nil
	}
}

// emitSubtree records entry as a single-sided event. If entry is itself
// a tree, every descendant is recorded individually rather than the
// tree entry itself, matching what a file-level rewrite detector needs
// to pair against.
func (w *walker) emitSubtree(dir string, entry Entry, action Action) error {
	if !entry.IsTree() {
		e := entry
		c := Change{Action: action, Path: path.Join(dir, entry.Name)}
		if action == Deletion {
			c.From = &e
			w.dels = append(w.dels, c)
		} else {
			c.To = &e
			w.adds = append(w.adds, c)
		}
		return nil
	}

	children, err := w.trees(entry.ID)
	if err != nil {
		return fmt.Errorf("treediff: reading tree %s: %w", entry.ID, err)
	}
	sub := path.Join(dir, entry.Name)
	for _, child := range children {
		if err := w.emitSubtree(sub, child, action); err != nil {
			return err
		}
	}
	return nil
}
