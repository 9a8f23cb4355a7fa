package treediff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing/filemode"
)

type fakeStore struct {
	trees map[hash.ObjectID][]Entry
	blobs map[hash.ObjectID][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{trees: map[hash.ObjectID][]Entry{}, blobs: map[hash.ObjectID][]byte{}}
}

func (s *fakeStore) tree(t *testing.T, tag string, entries []Entry) hash.ObjectID {
	t.Helper()
	SortEntries(entries)
	id := idFor(t, tag)
	s.trees[id] = entries
	return id
}

func (s *fakeStore) blob(t *testing.T, tag string, content string) hash.ObjectID {
	t.Helper()
	id := idFor(t, tag)
	s.blobs[id] = []byte(content)
	return id
}

func (s *fakeStore) TreeReader() TreeReader {
	return func(id hash.ObjectID) ([]Entry, error) { return s.trees[id], nil }
}

func (s *fakeStore) BlobReader() BlobReader {
	return func(id hash.ObjectID) ([]byte, error) { return s.blobs[id], nil }
}

func collect(t *testing.T, d *Diff) []Change {
	t.Helper()
	var out []Change
	require.NoError(t, d.ForEachToObtainTree(func(c Change) error {
		out = append(out, c)
		return nil
	}))
	return out
}

func TestDiffEmitsAdditionsAndDeletionsForDisjointNames(t *testing.T) {
	store := newFakeStore()
	from := []Entry{{Name: "a.txt", Mode: filemode.Regular, ID: store.blob(t, "1", "one")}}
	to := []Entry{{Name: "b.txt", Mode: filemode.Regular, ID: store.blob(t, "2", "two")}}

	d := New(from, to, store.TreeReader()).TrackPath()
	changes := collect(t, d)

	require.Len(t, changes, 2)
	require.Equal(t, Deletion, changes[0].Action)
	require.Equal(t, "a.txt", changes[0].Path)
	require.Equal(t, Addition, changes[1].Action)
	require.Equal(t, "b.txt", changes[1].Path)
}

func TestDiffEmitsModificationForSameNameDifferentID(t *testing.T) {
	store := newFakeStore()
	from := []Entry{{Name: "a.txt", Mode: filemode.Regular, ID: store.blob(t, "1", "one")}}
	to := []Entry{{Name: "a.txt", Mode: filemode.Regular, ID: store.blob(t, "2", "two")}}

	changes := collect(t, New(from, to, store.TreeReader()).TrackPath())

	require.Len(t, changes, 1)
	require.Equal(t, Modification, changes[0].Action)
	require.Equal(t, "a.txt", changes[0].Path)
}

func TestDiffSkipsUnchangedEntries(t *testing.T) {
	store := newFakeStore()
	sameID := store.blob(t, "1", "one")
	from := []Entry{{Name: "a.txt", Mode: filemode.Regular, ID: sameID}}
	to := []Entry{{Name: "a.txt", Mode: filemode.Regular, ID: sameID}}

	changes := collect(t, New(from, to, store.TreeReader()))
	require.Empty(t, changes)
}

func TestDiffRecursesIntoMatchingSubtrees(t *testing.T) {
	store := newFakeStore()
	fromSub := store.tree(t, "fs1", []Entry{{Name: "x.txt", Mode: filemode.Regular, ID: store.blob(t, "1", "one")}})
	toSub := store.tree(t, "fs2", []Entry{{Name: "x.txt", Mode: filemode.Regular, ID: store.blob(t, "2", "two")}})
	from := []Entry{{Name: "dir", Mode: filemode.Dir, ID: fromSub}}
	to := []Entry{{Name: "dir", Mode: filemode.Dir, ID: toSub}}

	changes := collect(t, New(from, to, store.TreeReader()).TrackPath())

	require.Len(t, changes, 1)
	require.Equal(t, Modification, changes[0].Action)
	require.Equal(t, "dir/x.txt", changes[0].Path)
}

func TestDiffDecomposesTreeToBlobTypeChange(t *testing.T) {
	store := newFakeStore()
	fromSub := store.tree(t, "fs1", []Entry{{Name: "x.txt", Mode: filemode.Regular, ID: store.blob(t, "1", "one")}})
	from := []Entry{{Name: "thing", Mode: filemode.Dir, ID: fromSub}}
	to := []Entry{{Name: "thing", Mode: filemode.Regular, ID: store.blob(t, "2", "two")}}

	changes := collect(t, New(from, to, store.TreeReader()).TrackPath())

	require.Len(t, changes, 2)
	require.Equal(t, Deletion, changes[0].Action)
	require.Equal(t, "thing/x.txt", changes[0].Path)
	require.Equal(t, Addition, changes[1].Action)
	require.Equal(t, "thing", changes[1].Path)
}

func TestDiffPathTrackingDisabledByDefault(t *testing.T) {
	store := newFakeStore()
	from := []Entry{{Name: "a.txt", Mode: filemode.Regular, ID: store.blob(t, "1", "one")}}
	to := []Entry{}

	changes := collect(t, New(from, to, store.TreeReader()))
	require.Len(t, changes, 1)
	require.Empty(t, changes[0].Path)
}

func TestRewriteIdentityPassPairsExactContentRename(t *testing.T) {
	store := newFakeStore()
	content := store.blob(t, "1", "unchanged")
	from := []Entry{{Name: "old.txt", Mode: filemode.Regular, ID: content}}
	to := []Entry{{Name: "new.txt", Mode: filemode.Regular, ID: content}}

	pct := float32(50)
	d := New(from, to, store.TreeReader()).
		TrackPath().
		TrackRewrites(Rewrites{Percentage: &pct}, store.BlobReader())
	changes := collect(t, d)

	require.Len(t, changes, 1)
	require.Equal(t, Rewrite, changes[0].Action)
	require.False(t, changes[0].Copy)
	require.Nil(t, changes[0].Stats)
	require.Equal(t, "old.txt", changes[0].From.Name)
	require.Equal(t, "new.txt", changes[0].To.Name)
}

func TestRewriteSimilarityPassPairsNearIdenticalContent(t *testing.T) {
	store := newFakeStore()
	from := []Entry{{
		Name: "old.txt", Mode: filemode.Regular,
		ID: store.blob(t, "1", "line one\nline two\nline three\nline four\n"),
	}}
	to := []Entry{{
		Name: "new.txt", Mode: filemode.Regular,
		ID: store.blob(t, "2", "line one\nline two\nline three\nline FOUR\n"),
	}}

	pct := float32(50)
	d := New(from, to, store.TreeReader()).
		TrackPath().
		TrackRewrites(Rewrites{Percentage: &pct}, store.BlobReader())
	changes := collect(t, d)

	require.Len(t, changes, 1)
	require.Equal(t, Rewrite, changes[0].Action)
	require.NotNil(t, changes[0].Stats)
	require.GreaterOrEqual(t, changes[0].Stats.Score(), 50)
}

func TestRewriteSimilarityPassLeavesDissimilarFilesUnpaired(t *testing.T) {
	store := newFakeStore()
	from := []Entry{{Name: "old.txt", Mode: filemode.Regular, ID: store.blob(t, "1", "alpha\nbeta\n")}}
	to := []Entry{{Name: "new.txt", Mode: filemode.Regular, ID: store.blob(t, "2", "gamma\ndelta\nepsilon\n")}}

	pct := float32(90)
	d := New(from, to, store.TreeReader()).
		TrackPath().
		TrackRewrites(Rewrites{Percentage: &pct}, store.BlobReader())
	changes := collect(t, d)

	require.Len(t, changes, 2)
	for _, c := range changes {
		require.NotEqual(t, Rewrite, c.Action)
	}
}

func TestRewriteCopyPassPairsModifiedFileAsSource(t *testing.T) {
	store := newFakeStore()
	shared := store.blob(t, "1", "shared content, line one\nline two\n")
	from := []Entry{{Name: "keep.txt", Mode: filemode.Regular, ID: shared}}
	to := []Entry{
		{Name: "keep.txt", Mode: filemode.Regular, ID: store.blob(t, "2", "shared content, line ONE\nline two\n")},
		{Name: "copy.txt", Mode: filemode.Regular, ID: shared},
	}

	pct := float32(40)
	d := New(from, to, store.TreeReader()).
		TrackPath().
		TrackRewrites(Rewrites{Percentage: &pct, Copies: &Copies{Source: FromUnmodifiedFiles}}, store.BlobReader())
	changes := collect(t, d)

	var sawModify, sawCopy bool
	for _, c := range changes {
		switch {
		case c.Action == Modification && c.Path == "keep.txt":
			sawModify = true
		case c.Action == Rewrite && c.Copy && c.To.Name == "copy.txt":
			sawCopy = true
		}
	}
	require.True(t, sawModify, "expected keep.txt modification: %+v", changes)
	require.True(t, sawCopy, "expected copy.txt to be detected as a copy: %+v", changes)
}

func TestRewriteLimitSkipsSimilarityChecks(t *testing.T) {
	store := newFakeStore()
	from := []Entry{{Name: "old.txt", Mode: filemode.Regular, ID: store.blob(t, "1", "aaaa\nbbbb\n")}}
	to := []Entry{
		{Name: "new.txt", Mode: filemode.Regular, ID: store.blob(t, "2", "aaaa\nbbbb\ncccc\n")},
		{Name: "new2.txt", Mode: filemode.Regular, ID: store.blob(t, "3", "aaaa\nbbbb\ndddd\n")},
	}

	// 1 source x 2 destinations exceeds Limit*Limit = 1, so both pairs
	// are skipped.
	pct := float32(10)
	d := New(from, to, store.TreeReader()).
		TrackRewrites(Rewrites{Percentage: &pct, Limit: 1}, store.BlobReader())
	changes := collect(t, d)

	require.Len(t, changes, 3)
	for _, c := range changes {
		require.NotEqual(t, Rewrite, c.Action)
	}
	require.Equal(t, 2, d.Outcome().SimilarityChecksSkipped)
}
