// Package revwalk implements commit ancestry traversal: breadth-first
// and commit-time-ordered walks over a commit graph reached through an
// injected lookup function, with optional commit-graph-file
// acceleration and graceful fallback on corruption.
package revwalk

import (
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/go-vcs/gitstore/hash"
)

// Info is the minimal per-commit data a walk needs: enough to enqueue
// parents and order by time, without requiring a full decoded commit
// object.
type Info struct {
	ID         hash.ObjectID
	ParentIDs  []hash.ObjectID
	CommitTime time.Time
}

// FindCommit looks up a commit's Info by id. A Walk with a commit-graph
// configured consults the graph first and calls FindCommit only for ids
// the graph does not hold.
type FindCommit func(id hash.ObjectID) (Info, error)

// Sorting selects the traversal order.
type Sorting int8

const (
	// BreadthFirst visits commits in FIFO layer order.
	BreadthFirst Sorting = iota
	// ByCommitTimeNewestFirst visits commits in decreasing committer
	// timestamp order via a max-heap.
	ByCommitTimeNewestFirst
	// ByCommitTimeNewestFirstCutoff is ByCommitTimeNewestFirst but
	// never enqueues a parent whose commit time is older than Cutoff.
	ByCommitTimeNewestFirstCutoff
)

// ParentsMode selects which parents of a visited commit get enqueued.
type ParentsMode int8

const (
	// AllParents enqueues every parent.
	AllParents ParentsMode = iota
	// FirstParentOnly enqueues only a commit's first parent, and forces
	// BreadthFirst sorting.
	FirstParentOnly
)

// Walk is the traverse(...) builder: configure with the fluent setters,
// then drive it with Next or ForEach.
type Walk struct {
	find    FindCommit
	sorting Sorting
	parents ParentsMode
	cutoff  time.Time
	reject  func(hash.ObjectID) bool

	seen    map[hash.ObjectID]bool
	fifo    []hash.ObjectID
	heap    *binaryheap.Heap
	started bool
	err     error
	graph   CommitGraph
}

// heapEntry orders commits newest-first in the priority queue, with
// ties broken by insertion sequence.
type heapEntry struct {
	info Info
	seq  int
}

func compareHeapEntries(a, b interface{}) int {
	ea, eb := a.(heapEntry), b.(heapEntry)
	if ea.info.CommitTime.After(eb.info.CommitTime) {
		return -1
	}
	if ea.info.CommitTime.Before(eb.info.CommitTime) {
		return 1
	}
	if ea.seq < eb.seq {
		return -1
	}
	if ea.seq > eb.seq {
		return 1
	}
	return 0
}

// New builds a Walk starting from tips, resolving commits through find.
func New(tips []hash.ObjectID, find FindCommit) *Walk {
	w := &Walk{
		find: find,
		seen: map[hash.ObjectID]bool{},
	}
	for _, id := range tips {
		if w.seen[id] {
			continue
		}
		w.seen[id] = true
		w.fifo = append(w.fifo, id)
	}
	return w
}

// Sorting sets the traversal order.
func (w *Walk) Sorting(s Sorting) *Walk {
	w.sorting = s
	if s == ByCommitTimeNewestFirst || s == ByCommitTimeNewestFirstCutoff {
		w.heap = binaryheap.NewWith(compareHeapEntries)
	}
	return w
}

// Cutoff sets the minimum commit time for ByCommitTimeNewestFirstCutoff.
func (w *Walk) Cutoff(t time.Time) *Walk {
	w.cutoff = t
	return w
}

// Parents sets which parents get enqueued. FirstParentOnly forces
// BreadthFirst.
func (w *Walk) Parents(p ParentsMode) *Walk {
	w.parents = p
	if p == FirstParentOnly {
		w.sorting = BreadthFirst
		w.heap = nil
	}
	return w
}

// CommitGraphAccel supplies a commit-graph cache the walk consults
// before falling back to find for each lookup.
func (w *Walk) CommitGraphAccel(g CommitGraph) *Walk {
	w.graph = g
	return w
}

// Reject installs a predicate that, when true, keeps an id from being
// enqueued further (it may still be emitted if already enqueued before
// the predicate rejected it; the seen set alone governs emission).
func (w *Walk) Reject(fn func(hash.ObjectID) bool) *Walk {
	w.reject = fn
	return w
}

func (w *Walk) lookup(id hash.ObjectID) (Info, error) {
	if w.graph != nil {
		info, ok, err := w.graph.Lookup(id)
		if err != nil {
			// Corrupted commit-graph: discard it for the rest of this
			// walk and fall back to the object store.
			w.graph = nil
		} else if ok {
			return info, nil
		}
	}
	return w.find(id)
}

var seq int

// Next advances the walk, returning io.EOF-equivalent via ok=false
// when exhausted.
func (w *Walk) Next() (Info, bool, error) {
	if w.err != nil {
		return Info{}, false, w.err
	}

	if !w.started {
		w.started = true
		if w.heap != nil {
			// Move the tip ids collected by New into the heap now that
			// the final sort mode is known.
			tips := w.fifo
			w.fifo = nil
			for _, id := range tips {
				info, err := w.lookup(id)
				if err != nil {
					w.err = err
					return Info{}, false, err
				}
				seq++
				w.heap.Push(heapEntry{info: info, seq: seq})
			}
		}
	}

	if w.heap != nil {
		v, found := w.heap.Pop()
		if !found {
			return Info{}, false, nil
		}
		entry := v.(heapEntry)
		return w.visit(entry.info)
	}

	if len(w.fifo) == 0 {
		return Info{}, false, nil
	}
	var id hash.ObjectID
	id, w.fifo = w.fifo[0], w.fifo[1:]

	info, err := w.lookup(id)
	if err != nil {
		w.err = err
		return Info{}, false, err
	}
	return w.visit(info)
}

// visit enqueues info's eligible parents and returns info as the next
// emitted commit.
func (w *Walk) visit(info Info) (Info, bool, error) {
	parents := info.ParentIDs
	if w.parents == FirstParentOnly && len(parents) > 1 {
		parents = parents[:1]
	}

	for _, p := range parents {
		if w.seen[p] {
			continue
		}
		w.seen[p] = true
		if w.reject != nil && w.reject(p) {
			continue
		}

		if w.heap != nil {
			pInfo, err := w.lookup(p)
			if err != nil {
				return Info{}, false, err
			}
			if w.sorting == ByCommitTimeNewestFirstCutoff && pInfo.CommitTime.Before(w.cutoff) {
				continue
			}
			seq++
			w.heap.Push(heapEntry{info: pInfo, seq: seq})
		} else {
			w.fifo = append(w.fifo, p)
		}
	}

	return info, true, nil
}

// ForEach drives the walk to completion, calling cb for every emitted
// commit until cb returns an error or the walk is exhausted.
func (w *Walk) ForEach(cb func(Info) error) error {
	for {
		info, ok, err := w.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := cb(info); err != nil {
			return err
		}
	}
}
