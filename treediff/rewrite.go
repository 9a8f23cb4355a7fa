package treediff

import "github.com/go-vcs/gitstore/hash"

// CopySource selects where the copy pass draws candidate sources from.
type CopySource int8

const (
	// FromUnmodifiedFiles draws copy sources only from deletions left
	// over after the identity and similarity passes plus every
	// Modification's From side.
	FromUnmodifiedFiles CopySource = iota
	// FromSetOfModifiedFilesAndSourceTree additionally considers every
	// entry the caller supplies via Copies.ExtraSources, typically the
	// full from-tree walked independently — Diff itself only ever sees
	// the entries that actually changed, so a caller wanting this mode
	// supplies the rest.
	FromSetOfModifiedFilesAndSourceTree
)

// Copies configures the copy pass of rewrite tracking.
type Copies struct {
	Source CopySource
	// Percentage is the copy pass's own similarity threshold; a nil
	// value reuses Rewrites.Percentage.
	Percentage *float32
	// ExtraSources supplies additional candidate sources for
	// FromSetOfModifiedFilesAndSourceTree.
	ExtraSources []Entry
}

// Rewrites configures the rename/copy pairing pass run over a Diff's
// unmatched deletions and additions.
type Rewrites struct {
	// Percentage enables the similarity pass when set: destinations
	// without an identical-id source are paired with the best-scoring
	// remaining source whose similarity meets this threshold (0-100).
	Percentage *float32
	// Limit makes the similarity and copy passes skip content comparison
	// when sources*destinations exceeds Limit*Limit; 0 means unbounded.
	Limit int
	Copies *Copies
}

// Outcome reports bookkeeping from a rewrite-tracking pass that callers
// may want surfaced even though it does not change which Changes were
// emitted.
type Outcome struct {
	// SimilarityChecksSkipped counts destination/source pairs the
	// similarity or copy pass declined to content-compare because
	// Limit was exceeded.
	SimilarityChecksSkipped int
}

func detectRewrites(cfg Rewrites, mods, dels, adds []Change, blobs BlobReader) (rewrites []Change, remainingDels, remainingAdds []Change, outcome Outcome, err error) {
	remainingDels = append([]Change(nil), dels...)
	remainingAdds = make([]Change, 0, len(adds))

	// Identity pass: exact object-id match, consumed from the source
	// pool. Iterate destinations in order, as the algorithm specifies.
	for _, add := range adds {
		idx := -1
		for i, del := range remainingDels {
			if del.From != nil && add.To != nil && del.From.ID == add.To.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			remainingAdds = append(remainingAdds, add)
			continue
		}
		rewrites = append(rewrites, pairRewrite(remainingDels[idx], add, false, nil))
		remainingDels = append(remainingDels[:idx], remainingDels[idx+1:]...)
	}

	if cfg.Percentage != nil && len(remainingDels) > 0 && len(remainingAdds) > 0 {
		var skipped int
		rewrites, remainingDels, remainingAdds, skipped, err = similarityPass(
			rewrites, remainingDels, remainingAdds, *cfg.Percentage, cfg.Limit, blobs)
		if err != nil {
			return nil, nil, nil, Outcome{}, err
		}
		outcome.SimilarityChecksSkipped += skipped
	}

	if cfg.Copies != nil {
		threshold := cfg.Percentage
		if cfg.Copies.Percentage != nil {
			threshold = cfg.Copies.Percentage
		}
		if threshold != nil {
			sources := copySources(*cfg.Copies, remainingDels, mods)
			var skipped int
			var copies []Change
			copies, remainingAdds, skipped, err = copyPass(sources, remainingAdds, *threshold, cfg.Limit, blobs)
			if err != nil {
				return nil, nil, nil, Outcome{}, err
			}
			rewrites = append(rewrites, copies...)
			outcome.SimilarityChecksSkipped += skipped
		}
	}

	return rewrites, remainingDels, remainingAdds, outcome, nil
}

func pairRewrite(del, add Change, isCopy bool, stats *Stats) Change {
	return Change{
		Action: Rewrite,
		Path:   add.Path,
		From:   del.From,
		To:     add.To,
		Copy:   isCopy,
		Stats:  stats,
	}
}

// similarityPass pairs each remaining destination with its best-scoring
// remaining source above percentage, consuming matched sources.
func similarityPass(rewrites, dels, adds []Change, percentage float32, limit int, blobs BlobReader) ([]Change, []Change, []Change, int, error) {
	if limit > 0 && len(dels)*len(adds) > limit*limit {
		return rewrites, dels, adds, len(dels) * len(adds), nil
	}

	var kept []Change
	skipped := 0
	for _, add := range adds {
		bestIdx := -1
		var bestStats Stats
		for i, del := range dels {
			if del.From == nil || add.To == nil {
				continue
			}
			stats, err := similarityStats(del.From.ID, add.To.ID, blobs)
			if err != nil {
				return nil, nil, nil, 0, err
			}
			if float32(stats.Score()) < percentage {
				continue
			}
			if bestIdx < 0 || better(stats, del.Path, bestStats, dels[bestIdx].Path) {
				bestIdx, bestStats = i, stats
			}
		}
		if bestIdx < 0 {
			kept = append(kept, add)
			continue
		}
		st := bestStats
		rewrites = append(rewrites, pairRewrite(dels[bestIdx], add, false, &st))
		dels = append(dels[:bestIdx], dels[bestIdx+1:]...)
	}
	return rewrites, dels, kept, skipped, nil
}

// copySources builds the copy pass's candidate pool per cfg.Source.
// Every mode includes the leftover deletions plus every modified file's
// From side, since a file that changed can still be copied from.
func copySources(cfg Copies, remainingDels, mods []Change) []Change {
	sources := append([]Change(nil), remainingDels...)
	sources = append(sources, mods...)
	if cfg.Source == FromSetOfModifiedFilesAndSourceTree {
		for _, e := range cfg.ExtraSources {
			entry := e
			sources = append(sources, Change{Action: Deletion, Path: e.Name, From: &entry})
		}
	}
	return sources
}

// copyPass mirrors similarityPass but never removes a matched source,
// since the same unmodified file may be the origin of several copies.
func copyPass(sources, adds []Change, percentage float32, limit int, blobs BlobReader) ([]Change, []Change, int, error) {
	if limit > 0 && len(sources)*len(adds) > limit*limit {
		return nil, adds, len(sources) * len(adds), nil
	}

	var copies []Change
	var kept []Change
	for _, add := range adds {
		bestIdx := -1
		var bestStats Stats
		for i, src := range sources {
			if src.From == nil || add.To == nil {
				continue
			}
			stats, err := similarityStats(src.From.ID, add.To.ID, blobs)
			if err != nil {
				return nil, nil, 0, err
			}
			if float32(stats.Score()) < percentage {
				continue
			}
			if bestIdx < 0 || better(stats, src.Path, bestStats, sources[bestIdx].Path) {
				bestIdx, bestStats = i, stats
			}
		}
		if bestIdx < 0 {
			kept = append(kept, add)
			continue
		}
		st := bestStats
		copies = append(copies, pairRewrite(sources[bestIdx], add, true, &st))
	}
	return copies, kept, 0, nil
}

func similarityStats(fromID, toID hash.ObjectID, blobs BlobReader) (Stats, error) {
	from, err := blobs(fromID)
	if err != nil {
		return Stats{}, err
	}
	to, err := blobs(toID)
	if err != nil {
		return Stats{}, err
	}
	return blobSimilarity(from, to), nil
}

// better reports whether candidate a (at aPath) should be preferred
// over the current best candidate b (at bPath): higher score wins,
// ties broken lexicographically by path.
func better(a Stats, aPath string, b Stats, bPath string) bool {
	if a.Score() != b.Score() {
		return a.Score() > b.Score()
	}
	return aPath < bPath
}
