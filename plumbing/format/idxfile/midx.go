package idxfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/go-vcs/gitstore/hash"
)

var midxMagic = []byte{'M', 'I', 'D', 'X'}

const (
	midxVersion  = 1
	midxOIDV1    = 1 // SHA-1
	midxOIDV2    = 2 // SHA-256
	chunkPNAM    = "PNAM"
	chunkOIDF    = "OIDF"
	chunkOIDL    = "OIDL"
	chunkOFFS    = "OFFS"
	chunkLOFF    = "LOFF"
	chunkTableSz = 12 // 4-byte id + 8-byte offset, per table row
)

type midxChunk struct {
	id     string
	offset int64
}

// MultiPackIndex is the decoded content of a MIDX file: a fan-out +
// sorted-id table like a single-pack index, but each entry resolves to
// a (pack, offset) pair via a pack-name table and an offset chunk large
// enough to need an overflow table for offsets >= 2^31.
type MultiPackIndex struct {
	hashSize  int
	packNames []string
	fanout    [fanoutEntries]uint32
	count     int
	ids       []byte
	// offset is one uint32 per id: low 31 bits are the offset into
	// that id's pack unless the high bit is set, in which case the low
	// bits index into loff instead (same large-offset scheme as a
	// single-pack index, but indexed per entry rather than per chunk).
	packIdx []uint32 // pack index, one per id
	offset  []uint32 // low 31 bits offset or LOFF index, one per id
	loff    []uint64
	mtime   int64 // caller-supplied stat mtime, for staleness detection
}

var _ Index = (*MultiPackIndex)(nil)

// DecodeMultiPackIndex reads a complete MIDX stream. mtime is the
// modification time the caller observed when opening the file; it is
// not parsed from the stream but carried through so the slot map's
// refresh pass can detect an in-place rewrite.
func DecodeMultiPackIndex(r io.Reader, mtime int64) (*MultiPackIndex, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrMalformed, err)
	}
	if !bytes.Equal(magic, midxMagic) {
		return nil, fmt.Errorf("%w: bad MIDX magic", ErrMalformed)
	}

	hdr := make([]byte, 4) // version, oid-version, chunk count, base-midx count
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: reading MIDX header: %v", ErrMalformed, err)
	}
	if hdr[0] != midxVersion {
		return nil, fmt.Errorf("%w: unsupported MIDX version %d", ErrMalformed, hdr[0])
	}

	var hashSize int
	switch hdr[1] {
	case midxOIDV1:
		hashSize = hash.Size20
	case midxOIDV2:
		hashSize = hash.Size32
	default:
		return nil, fmt.Errorf("%w: unsupported MIDX oid version %d", ErrMalformed, hdr[1])
	}
	numChunks := int(hdr[2])
	// hdr[3] is the base-midx count; chained MIDX (incremental, built
	// atop another MIDX) is not produced by any writer in this store,
	// so a nonzero value here is simply not expected in practice — we
	// do not special-case it, consistent with only ever reading
	// base-midx-count == 0 files.

	// Chunk lookup table: numChunks rows of (4-byte id, 8-byte offset),
	// terminated by one row whose id is all-zero giving the trailer's
	// start offset.
	chunks := make([]midxChunk, 0, numChunks)
	row := make([]byte, chunkTableSz)
	for i := 0; i <= numChunks; i++ {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, fmt.Errorf("%w: reading chunk table: %v", ErrMalformed, err)
		}
		id := string(row[:4])
		off := int64(binary.BigEndian.Uint64(row[4:]))
		if id == "\x00\x00\x00\x00" {
			break
		}
		chunks = append(chunks, midxChunk{id: id, offset: off})
	}

	// The chunk table only gives offsets; chunk bodies must be read by
	// seeking. Since we were handed a plain io.Reader, buffer the rest
	// of the stream and slice it by offset instead of reseeking.
	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrMalformed, err)
	}
	// rest starts right after the header+chunk-table bytes we already
	// consumed; offsets in the chunk table are absolute from the start
	// of the file, so rebase them.
	consumed := int64(4 + 4 + len(chunks)*chunkTableSz + chunkTableSz)
	chunkBody := func(c midxChunk, next int64) []byte {
		start := c.offset - consumed
		end := next - consumed
		if start < 0 || end > int64(len(rest)) || start > end {
			return nil
		}
		return rest[start:end]
	}

	midx := &MultiPackIndex{hashSize: hashSize}

	var pnam, oidf, oidl, offs, loff []byte
	for i, c := range chunks {
		next := int64(len(rest)) + consumed
		if i+1 < len(chunks) {
			next = chunks[i+1].offset
		}
		body := chunkBody(c, next)
		switch c.id {
		case chunkPNAM:
			pnam = body
		case chunkOIDF:
			oidf = body
		case chunkOIDL:
			oidl = body
		case chunkOFFS:
			offs = body
		case chunkLOFF:
			loff = body
		}
	}

	if len(pnam) == 0 || len(oidf) != fanoutSize || len(offs) == 0 {
		return nil, fmt.Errorf("%w: missing required MIDX chunk", ErrMalformed)
	}

	for _, name := range bytes.Split(bytes.TrimRight(pnam, "\x00"), []byte{0}) {
		if len(name) > 0 {
			midx.packNames = append(midx.packNames, string(name))
		}
	}

	for i := 0; i < fanoutEntries; i++ {
		midx.fanout[i] = binary.BigEndian.Uint32(oidf[i*4:])
	}
	midx.count = int(midx.fanout[fanoutEntries-1])

	if len(oidl) != midx.count*hashSize {
		return nil, fmt.Errorf("%w: OIDL chunk size mismatch", ErrMalformed)
	}
	midx.ids = oidl

	if len(offs) != midx.count*8 {
		return nil, fmt.Errorf("%w: OFFS chunk size mismatch", ErrMalformed)
	}
	midx.packIdx = make([]uint32, midx.count)
	midx.offset = make([]uint32, midx.count)
	for i := 0; i < midx.count; i++ {
		midx.packIdx[i] = binary.BigEndian.Uint32(offs[i*8:])
		midx.offset[i] = binary.BigEndian.Uint32(offs[i*8+4:])
	}

	if len(loff) > 0 {
		n := len(loff) / 8
		midx.loff = make([]uint64, n)
		for i := 0; i < n; i++ {
			midx.loff[i] = binary.BigEndian.Uint64(loff[i*8:])
		}
	}

	midx.mtime = mtime
	return midx, nil
}

// Mtime reports the modification time observed when this MultiPackIndex
// was decoded, for staleness comparison by the refresh protocol.
func (m *MultiPackIndex) Mtime() int64 { return m.mtime }

func (m *MultiPackIndex) idAt(pos int) []byte {
	return m.ids[pos*m.hashSize : (pos+1)*m.hashSize]
}

func (m *MultiPackIndex) fanoutLo(first int) int {
	if first == 0 {
		return 0
	}
	return int(m.fanout[first-1])
}

func (m *MultiPackIndex) search(id hash.ObjectID) (int, bool) {
	want := id.Bytes()
	first := int(want[0])
	lo, hi := m.fanoutLo(first), int(m.fanout[first])
	pos := lo + sort.Search(hi-lo, func(i int) bool {
		return bytes.Compare(m.idAt(lo+i), want) >= 0
	})
	if pos < hi && bytes.Equal(m.idAt(pos), want) {
		return pos, true
	}
	return 0, false
}

func (m *MultiPackIndex) Lookup(id hash.ObjectID) (int, int64, bool) {
	pos, ok := m.search(id)
	if !ok {
		return 0, 0, false
	}
	off := m.offset[pos]
	if off&is64BitMask == 0 {
		return int(m.packIdx[pos]), int64(off), true
	}
	idx := off & ^is64BitMask
	if int(idx) >= len(m.loff) {
		return 0, 0, false
	}
	return int(m.packIdx[pos]), int64(m.loff[idx]), true
}

func (m *MultiPackIndex) Count() int64 { return int64(m.count) }

func (m *MultiPackIndex) PackNames() []string { return m.packNames }

type midxIter struct {
	m   *MultiPackIndex
	pos int
}

func (m *MultiPackIndex) Iter() (EntryIter, error) {
	return &midxIter{m: m}, nil
}

func (it *midxIter) Next() (Entry, bool, error) {
	if it.pos >= it.m.count {
		return Entry{}, false, nil
	}
	id, err := hash.FromBytes(it.m.idAt(it.pos))
	if err != nil {
		return Entry{}, false, err
	}
	_, off, _ := it.m.Lookup(id)
	e := Entry{ID: id, Offset: off}
	it.pos++
	return e, true, nil
}
