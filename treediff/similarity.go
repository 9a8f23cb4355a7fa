package treediff

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// blobSimilarity compares two blobs line-by-line and reports the
// fraction of lines they share, as a Stats. It runs diffmatchpatch's
// Myers diff over line tokens rather than runes, bounding the work to
// line count rather than byte count, the same technique a content-
// based rename detector uses to score candidate pairs.
func blobSimilarity(from, to []byte) Stats {
	dmp := diffmatchpatch.New()
	srcRunes, dstRunes, _ := dmp.DiffLinesToRunes(string(from), string(to))
	diffs := dmp.DiffMainRunes(srcRunes, dstRunes, false)

	unchanged := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			unchanged += len([]rune(d.Text))
		}
	}
	total := len(srcRunes)
	if len(dstRunes) > total {
		total = len(dstRunes)
	}
	return Stats{UnchangedTokens: unchanged, TotalTokens: total}
}
