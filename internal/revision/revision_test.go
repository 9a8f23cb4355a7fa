package revision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingDelegate appends a string per callback invoked, letting
// tests assert on the exact call sequence a revspec produces without
// caring about the delegate's own resolution logic.
type recordingDelegate struct {
	calls []string
	deny  map[string]bool
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{deny: map[string]bool{}}
}

func (d *recordingDelegate) ok(label string) bool {
	d.calls = append(d.calls, label)
	return !d.deny[label]
}

func (d *recordingDelegate) FindRef(name string) bool { return d.ok("find_ref(" + name + ")") }
func (d *recordingDelegate) DisambiguatePrefix(prefix string, hint *PrefixHint) bool {
	return d.ok("disambiguate_prefix(" + prefix + ")")
}
func (d *recordingDelegate) NthCheckedOutBranch(n int) bool {
	return d.ok("nth_checked_out_branch")
}
func (d *recordingDelegate) SiblingBranch(kind SiblingBranch) bool {
	return d.ok("sibling_branch")
}
func (d *recordingDelegate) Reflog(query ReflogLookup) bool {
	if query.ByEntry {
		return d.ok("reflog(entry)")
	}
	return d.ok("reflog(date)")
}
func (d *recordingDelegate) Traverse(step Traversal) bool {
	if step.NthAncestor {
		return d.ok("traverse(nth_ancestor)")
	}
	return d.ok("traverse(nth_parent)")
}
func (d *recordingDelegate) PeelUntil(target PeelTo) bool {
	switch {
	case target.HasPath:
		return d.ok("peel_until(path)")
	case target.HasObjectKind:
		return d.ok("peel_until(kind)")
	default:
		return d.ok("peel_until(other)")
	}
}
func (d *recordingDelegate) Find(regex string, negated bool) bool { return d.ok("find(regex)") }
func (d *recordingDelegate) IndexLookup(path string, stage uint8) bool {
	return d.ok("index_lookup")
}
func (d *recordingDelegate) Kind(kind Kind) bool { return d.ok("kind") }
func (d *recordingDelegate) Done()               { d.calls = append(d.calls, "done()") }

func TestParseHEAD(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("HEAD", d))
	require.Equal(t, []string{"find_ref(HEAD)", "done()"}, d.calls)
}

func TestParseHEADTilde1(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("HEAD~1", d))
	require.Equal(t, []string{"find_ref(HEAD)", "traverse(nth_ancestor)", "done()"}, d.calls)
}

func TestParseHEADCaret2(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("HEAD^2", d))
	require.Equal(t, []string{"find_ref(HEAD)", "traverse(nth_parent)", "done()"}, d.calls)
}

func TestParseHEADPeelToCommit(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("HEAD^{commit}", d))
	require.Equal(t, []string{"find_ref(HEAD)", "peel_until(kind)", "done()"}, d.calls)
}

func TestParseHEADReflogByDate(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("HEAD@{yesterday}", d))
	require.Equal(t, []string{"find_ref(HEAD)", "reflog(date)", "done()"}, d.calls)
}

func TestParseHexPrefixWithPath(t *testing.T) {
	d := newRecordingDelegate()
	hex := "abcdef0123456789abcdef0123456789abcdef01"
	require.NoError(t, Parse(hex+":path/to/file", d))
	require.Equal(t, []string{"disambiguate_prefix(" + hex + ")", "peel_until(path)", "done()"}, d.calls)
}

func TestParseRangeBetween(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("A..B", d))
	require.Equal(t, []string{"find_ref(A)", "kind", "find_ref(B)", "done()"}, d.calls)
}

func TestParseRangeToMergeBase(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("A...B", d))
	require.Equal(t, []string{"find_ref(A)", "kind", "find_ref(B)", "done()"}, d.calls)
}

func TestParseMainAtReflogEntry(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("main@{1}", d))
	require.Equal(t, []string{"find_ref(main)", "reflog(entry)", "done()"}, d.calls)
}

func TestParseLeadingCaretExcludesReachable(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse("^A", d))
	require.Equal(t, []string{"kind", "find_ref(A)", "done()"}, d.calls)
}

func TestParseRejectsLeadingCaretWithRangeOperator(t *testing.T) {
	d := newRecordingDelegate()
	err := Parse("^A..B", d)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindSetTwice, perr.Kind)
}

func TestParseRejectsLeadingTildeWithNoAnchor(t *testing.T) {
	d := newRecordingDelegate()
	err := Parse("~1", d)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, MissingTildeAnchor, perr.Kind)
}

func TestParseRejectsSignedTildeCount(t *testing.T) {
	d := newRecordingDelegate()
	err := Parse("HEAD~-1", d)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, SignedNumber, perr.Kind)
}

func TestParseRejectsNegativeZero(t *testing.T) {
	d := newRecordingDelegate()
	err := Parse("HEAD^-0", d)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, NegativeZero, perr.Kind)
}

func TestParseRejectsEmptyTopLevelRegex(t *testing.T) {
	d := newRecordingDelegate()
	err := Parse(":/", d)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, EmptyTopLevelRegex, perr.Kind)
}

func TestParseRejectsUnclosedBrace(t *testing.T) {
	d := newRecordingDelegate()
	err := Parse("HEAD^{commit", d)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, UnclosedBracePair, perr.Kind)
}

func TestParseStopsOnDelegateRejection(t *testing.T) {
	d := newRecordingDelegate()
	d.deny["find_ref(HEAD)"] = true
	err := Parse("HEAD", d)
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, Delegate, perr.Kind)
}

func TestParseIndexLookupDefaultStage(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse(":path/to/file", d))
	require.Equal(t, []string{"index_lookup", "done()"}, d.calls)
}

func TestParseRegexFind(t *testing.T) {
	d := newRecordingDelegate()
	require.NoError(t, Parse(":/fix the bug", d))
	require.Equal(t, []string{"find(regex)", "done()"}, d.calls)
}

func TestParseApproxDateRelative(t *testing.T) {
	fixed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	old := nowFunc
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = old }()

	got, err := parseApproxDate("2 days ago")
	require.NoError(t, err)
	require.Equal(t, fixed.AddDate(0, 0, -2), got)
}
