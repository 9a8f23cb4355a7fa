package revwalk

import "github.com/go-vcs/gitstore/hash"

// CommitGraph is the acceleration interface: when present, a Walk
// consults it before falling back to the injected FindCommit, and drops
// it for the remainder of the walk if it reports corruption.
type CommitGraph interface {
	// Lookup returns a commit's Info without touching the object
	// database, or ok=false if id is not present in the graph. A
	// non-nil error signals the graph file itself is unreadable or
	// corrupt; the caller discards the graph and falls back to the
	// object store for the rest of the walk.
	Lookup(id hash.ObjectID) (info Info, ok bool, err error)
}
