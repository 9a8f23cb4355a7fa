package revwalk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-vcs/gitstore/hash"
)

func idFor(t *testing.T, b byte) hash.ObjectID {
	t.Helper()
	hex := ""
	for i := 0; i < 40; i++ {
		hex += string("0123456789abcdef"[b%16])
	}
	id, err := hash.FromHex(hex)
	require.NoError(t, err)
	return id
}

// linearHistory builds A -> B -> C (A is the tip, C is the root), each
// one day apart.
func linearHistory(t *testing.T) (a, b, c hash.ObjectID, find FindCommit) {
	a, b, c = idFor(t, 1), idFor(t, 2), idFor(t, 3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	infos := map[hash.ObjectID]Info{
		a: {ID: a, ParentIDs: []hash.ObjectID{b}, CommitTime: base.Add(2 * 24 * time.Hour)},
		b: {ID: b, ParentIDs: []hash.ObjectID{c}, CommitTime: base.Add(24 * time.Hour)},
		c: {ID: c, CommitTime: base},
	}
	find = func(id hash.ObjectID) (Info, error) {
		info, ok := infos[id]
		if !ok {
			return Info{}, errors.New("not found")
		}
		return info, nil
	}
	return
}

func TestBreadthFirstVisitsLinearHistoryInOrder(t *testing.T) {
	a, b, c, find := linearHistory(t)

	w := New([]hash.ObjectID{a}, find).Sorting(BreadthFirst)
	var order []hash.ObjectID
	require.NoError(t, w.ForEach(func(i Info) error {
		order = append(order, i.ID)
		return nil
	}))
	require.Equal(t, []hash.ObjectID{a, b, c}, order)
}

func TestByCommitTimeNewestFirstOrdersMergeParentsByTime(t *testing.T) {
	// tip -> {left (newer), right (older)} -> base
	tip, left, right, base := idFor(t, 1), idFor(t, 2), idFor(t, 3), idFor(t, 4)
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	infos := map[hash.ObjectID]Info{
		tip:   {ID: tip, ParentIDs: []hash.ObjectID{left, right}, CommitTime: now},
		left:  {ID: left, ParentIDs: []hash.ObjectID{base}, CommitTime: now.Add(-1 * time.Hour)},
		right: {ID: right, ParentIDs: []hash.ObjectID{base}, CommitTime: now.Add(-2 * time.Hour)},
		base:  {ID: base, CommitTime: now.Add(-3 * time.Hour)},
	}
	find := func(id hash.ObjectID) (Info, error) { return infos[id], nil }

	w := New([]hash.ObjectID{tip}, find).Sorting(ByCommitTimeNewestFirst)
	var order []hash.ObjectID
	require.NoError(t, w.ForEach(func(i Info) error {
		order = append(order, i.ID)
		return nil
	}))
	require.Equal(t, []hash.ObjectID{tip, left, right, base}, order)
}

func TestCutoffStopsEnqueueingOlderParents(t *testing.T) {
	a, b, c, find := linearHistory(t)
	cutoff := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) // b's own time, excludes c

	w := New([]hash.ObjectID{a}, find).Sorting(ByCommitTimeNewestFirstCutoff).Cutoff(cutoff)
	var order []hash.ObjectID
	require.NoError(t, w.ForEach(func(i Info) error {
		order = append(order, i.ID)
		return nil
	}))
	require.Equal(t, []hash.ObjectID{a, b}, order)
	require.NotContains(t, order, c)
}

func TestFirstParentOnlySkipsSecondParents(t *testing.T) {
	tip, first, second := idFor(t, 1), idFor(t, 2), idFor(t, 3)
	infos := map[hash.ObjectID]Info{
		tip:    {ID: tip, ParentIDs: []hash.ObjectID{first, second}},
		first:  {ID: first},
		second: {ID: second},
	}
	find := func(id hash.ObjectID) (Info, error) { return infos[id], nil }

	w := New([]hash.ObjectID{tip}, find).Parents(FirstParentOnly)
	var order []hash.ObjectID
	require.NoError(t, w.ForEach(func(i Info) error {
		order = append(order, i.ID)
		return nil
	}))
	require.Equal(t, []hash.ObjectID{tip, first}, order)
}

func TestEachCommitEmittedAtMostOnceAcrossDiamond(t *testing.T) {
	tip, left, right, base := idFor(t, 1), idFor(t, 2), idFor(t, 3), idFor(t, 4)
	infos := map[hash.ObjectID]Info{
		tip:   {ID: tip, ParentIDs: []hash.ObjectID{left, right}},
		left:  {ID: left, ParentIDs: []hash.ObjectID{base}},
		right: {ID: right, ParentIDs: []hash.ObjectID{base}},
		base:  {ID: base},
	}
	find := func(id hash.ObjectID) (Info, error) { return infos[id], nil }

	w := New([]hash.ObjectID{tip}, find).Sorting(BreadthFirst)
	counts := map[hash.ObjectID]int{}
	require.NoError(t, w.ForEach(func(i Info) error {
		counts[i.ID]++
		return nil
	}))
	require.Equal(t, 1, counts[base])
}

func TestRejectPredicateBlocksFurtherEnqueue(t *testing.T) {
	a, _, c, find := linearHistory(t)
	blocked := idFor(t, 2)

	w := New([]hash.ObjectID{a}, find).Sorting(BreadthFirst).Reject(func(id hash.ObjectID) bool {
		return id == blocked
	})
	var order []hash.ObjectID
	require.NoError(t, w.ForEach(func(i Info) error {
		order = append(order, i.ID)
		return nil
	}))
	require.Equal(t, []hash.ObjectID{a}, order)
	require.NotContains(t, order, c)
}

type fakeGraph struct {
	infos    map[hash.ObjectID]Info
	failAt   hash.ObjectID
	consumed bool
}

func (g *fakeGraph) Lookup(id hash.ObjectID) (Info, bool, error) {
	if id == g.failAt {
		g.consumed = true
		return Info{}, false, errors.New("corrupt commit-graph chunk")
	}
	info, ok := g.infos[id]
	return info, ok, nil
}

func TestCommitGraphCorruptionFallsBackToFindCommit(t *testing.T) {
	a, b, c, find := linearHistory(t)
	graph := &fakeGraph{infos: map[hash.ObjectID]Info{a: {ID: a, ParentIDs: []hash.ObjectID{b}}}, failAt: b}

	w := New([]hash.ObjectID{a}, find).Sorting(BreadthFirst).CommitGraphAccel(graph)
	var order []hash.ObjectID
	require.NoError(t, w.ForEach(func(i Info) error {
		order = append(order, i.ID)
		return nil
	}))
	require.Equal(t, []hash.ObjectID{a, b, c}, order)
	require.True(t, graph.consumed)
}
