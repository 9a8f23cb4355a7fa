// Package commitgraph decodes the git commit-graph file: a precomputed
// index of commit metadata (parents, committer time) that lets a walk
// resolve a commit's Info in O(1) plus a handful of fixed-size reads,
// without zlib-inflating the commit object itself.
//
// Grounded on the teacher's plumbing/format/commitgraph (file.go) for
// the chunk layout and parent-encoding bit tricks, adapted to this
// store's hash.ObjectID/revwalk.Info and to decode from a plain
// io.Reader the same way idxfile.DecodeMultiPackIndex does, rather than
// requiring an io.ReaderAt.
package commitgraph

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/revwalk"
)

// ErrMalformed is returned for any structurally invalid commit-graph
// file: bad signature, unsupported version, missing or mis-sized
// chunks, or a parent reference outside the id table.
var ErrMalformed = errors.New("commitgraph: malformed file")

var commitGraphMagic = []byte{'C', 'G', 'P', 'H'}

const (
	chunkTableRow = 12 // 4-byte chunk id + 8-byte offset

	chunkOIDFanout  = "OIDF"
	chunkOIDLookup  = "OIDL"
	chunkCommitData = "CDAT"
	chunkExtraEdges = "EDGE"

	// Parent-slot encoding within a CDAT row: a commit with 0 or 1
	// parents stores its second slot as parentNone; a commit with more
	// than 2 parents (an octopus merge) stores its overflow parents in
	// the EDGE chunk instead, flagged by parentOctopusUsed and
	// terminated by the entry carrying parentLast.
	parentNone        = uint32(0x70000000)
	parentOctopusUsed = uint32(0x80000000)
	parentOctopusMask = uint32(0x7fffffff)
	parentLast        = uint32(0x80000000)

	// The 8-byte generation+time word packs a 34-bit committer
	// timestamp in the low bits and a 30-bit generation number above
	// it; this store only consumes the timestamp.
	commitTimeMask = uint64(1)<<34 - 1
)

type chunkHeader struct {
	id     string
	offset int64
}

// File is a decoded commit-graph file.
type File struct {
	hashSize int
	fanout   [256]uint32
	ids      []byte // count*hashSize, sorted ascending
	commits  []byte // count*(hashSize+16) parallel CDAT rows
	edges    []byte // overflow parent indexes for octopus merges
	count    int
}

var _ revwalk.CommitGraph = (*File)(nil)

// Decode reads a complete commit-graph stream, per
// https://github.com/git/git/blob/master/Documentation/technical/commit-graph-format.txt
func Decode(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("%w: reading signature: %v", ErrMalformed, err)
	}
	if !bytes.Equal(magic, commitGraphMagic) {
		return nil, fmt.Errorf("%w: bad signature", ErrMalformed)
	}

	hdr := make([]byte, 4) // version, hash version, chunk count, base-file count
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrMalformed, err)
	}
	if hdr[0] != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, hdr[0])
	}

	var hashSize int
	switch hdr[1] {
	case 1:
		hashSize = hash.Size20
	case 2:
		hashSize = hash.Size32
	default:
		return nil, fmt.Errorf("%w: unsupported hash version %d", ErrMalformed, hdr[1])
	}
	numChunks := int(hdr[2])
	// hdr[3] is the base-graph count for a chained (incremental)
	// commit-graph; no writer in this store produces one, so a nonzero
	// value is simply never expected here, mirroring the MIDX reader's
	// treatment of base-MIDX count.

	chunks := make([]chunkHeader, 0, numChunks)
	row := make([]byte, chunkTableRow)
	for i := 0; i <= numChunks; i++ {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, fmt.Errorf("%w: reading chunk table: %v", ErrMalformed, err)
		}
		id := string(row[:4])
		off := int64(binary.BigEndian.Uint64(row[4:]))
		if id == "\x00\x00\x00\x00" {
			break
		}
		chunks = append(chunks, chunkHeader{id: id, offset: off})
	}

	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrMalformed, err)
	}
	// rest starts right after the header+chunk-table bytes already
	// consumed; chunk offsets are absolute from the start of the file,
	// so rebase them against what's left to slice.
	consumed := int64(8 + len(chunks)*chunkTableRow + chunkTableRow)
	body := func(c chunkHeader, next int64) []byte {
		start, end := c.offset-consumed, next-consumed
		if start < 0 || end > int64(len(rest)) || start > end {
			return nil
		}
		return rest[start:end]
	}

	f := &File{hashSize: hashSize}
	var oidf, oidl, cdat []byte
	for i, c := range chunks {
		next := int64(len(rest)) + consumed
		if i+1 < len(chunks) {
			next = chunks[i+1].offset
		}
		b := body(c, next)
		switch c.id {
		case chunkOIDFanout:
			oidf = b
		case chunkOIDLookup:
			oidl = b
		case chunkCommitData:
			cdat = b
		case chunkExtraEdges:
			f.edges = b
		}
	}

	if len(oidf) != 256*4 || len(oidl) == 0 || len(cdat) == 0 {
		return nil, fmt.Errorf("%w: missing required chunk", ErrMalformed)
	}
	for i := 0; i < 256; i++ {
		f.fanout[i] = binary.BigEndian.Uint32(oidf[i*4:])
	}
	f.count = int(f.fanout[255])

	if len(oidl) != f.count*hashSize {
		return nil, fmt.Errorf("%w: OIDL chunk size mismatch", ErrMalformed)
	}
	f.ids = oidl

	entrySize := hashSize + 16
	if len(cdat) != f.count*entrySize {
		return nil, fmt.Errorf("%w: CDAT chunk size mismatch", ErrMalformed)
	}
	f.commits = cdat

	return f, nil
}

func (f *File) idAt(pos int) []byte { return f.ids[pos*f.hashSize : (pos+1)*f.hashSize] }

func (f *File) fanoutLo(first int) int {
	if first == 0 {
		return 0
	}
	return int(f.fanout[first-1])
}

func (f *File) search(id hash.ObjectID) (int, bool) {
	want := id.Bytes()
	first := int(want[0])
	lo, hi := f.fanoutLo(first), int(f.fanout[first])
	pos := lo + sort.Search(hi-lo, func(i int) bool {
		return bytes.Compare(f.idAt(lo+i), want) >= 0
	})
	if pos < hi && bytes.Equal(f.idAt(pos), want) {
		return pos, true
	}
	return 0, false
}

func (f *File) hashAt(idx int) (hash.ObjectID, error) {
	return hash.FromBytes(f.idAt(idx))
}

// Count returns the number of commits indexed by f.
func (f *File) Count() int { return f.count }

// Lookup implements revwalk.CommitGraph. A structural read failure
// (truncated extra-edge list, out-of-range parent index) is reported as
// an error so the caller can discard the graph and fall back to the
// object store for the remainder of the walk; a commit simply absent
// from the graph reports ok=false with no error.
func (f *File) Lookup(id hash.ObjectID) (revwalk.Info, bool, error) {
	pos, ok := f.search(id)
	if !ok {
		return revwalk.Info{}, false, nil
	}

	entrySize := f.hashSize + 16
	entry := f.commits[pos*entrySize : (pos+1)*entrySize]
	tail := entry[f.hashSize:]
	parent1 := binary.BigEndian.Uint32(tail[0:4])
	parent2 := binary.BigEndian.Uint32(tail[4:8])
	genAndTime := binary.BigEndian.Uint64(tail[8:16])

	var parentIdx []uint32
	switch {
	case parent2&parentOctopusUsed == parentOctopusUsed:
		parentIdx = []uint32{parent1 & parentOctopusMask}
		off := int64(parent2&parentOctopusMask) * 4
		for {
			if off < 0 || off+4 > int64(len(f.edges)) {
				return revwalk.Info{}, false, fmt.Errorf("%w: truncated extra edge list", ErrMalformed)
			}
			edge := binary.BigEndian.Uint32(f.edges[off : off+4])
			off += 4
			parentIdx = append(parentIdx, edge&parentOctopusMask)
			if edge&parentLast == parentLast {
				break
			}
		}
	case parent2 != parentNone:
		parentIdx = []uint32{parent1 & parentOctopusMask, parent2 & parentOctopusMask}
	case parent1 != parentNone:
		parentIdx = []uint32{parent1 & parentOctopusMask}
	}

	parents := make([]hash.ObjectID, len(parentIdx))
	for i, idx := range parentIdx {
		if int(idx) >= f.count {
			return revwalk.Info{}, false, fmt.Errorf("%w: parent index %d out of range", ErrMalformed, idx)
		}
		pid, err := f.hashAt(int(idx))
		if err != nil {
			return revwalk.Info{}, false, err
		}
		parents[i] = pid
	}

	return revwalk.Info{
		ID:         id,
		ParentIDs:  parents,
		CommitTime: time.Unix(int64(genAndTime&commitTimeMask), 0).UTC(),
	}, true, nil
}
