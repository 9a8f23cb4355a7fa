// Package idxfile decodes pack index (.idx) and multi-pack-index (MIDX)
// files.
package idxfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/go-vcs/gitstore/hash"
)

var (
	// ErrMalformed is returned for any structurally invalid index file:
	// wrong magic, wrong version, truncated tables.
	ErrMalformed = errors.New("idxfile: malformed index")

	// ErrNotFound names an absent id for callers that want an error;
	// Lookup itself reports absence through its ok result instead.
	ErrNotFound = errors.New("idxfile: object not found")
)

var idxMagic = []byte{255, 't', 'O', 'c'}

const (
	idxVersion    = 2
	fanoutEntries = 256
	fanoutSize    = fanoutEntries * 4
	crcSize       = 4
	off32Size     = 4
	off64Size     = 8
	is64BitMask   = uint32(1) << 31
)

// Entry is one (id, offset) pair as stored in an index.
type Entry struct {
	ID     hash.ObjectID
	Offset int64
	CRC32  uint32
}

// Index maps object ids to byte offsets within one or more packs. A
// single-pack Index (decoded from a .idx file) and a MultiPackIndex
// (decoded from a MIDX file) both implement it.
type Index interface {
	// Lookup returns the offset for id, and which pack it lives in (for
	// a single-pack Index this is always 0).
	Lookup(id hash.ObjectID) (packIdx int, offset int64, ok bool)
	// Count returns the number of entries.
	Count() int64
	// Iter yields entries in index order (ascending id).
	Iter() (EntryIter, error)
	// PackNames returns the pack file names this index covers, in the
	// order referenced by Lookup's packIdx. A single-pack Index returns
	// a single, possibly empty, name.
	PackNames() []string
}

// EntryIter yields index entries one at a time.
type EntryIter interface {
	Next() (Entry, bool, error)
}

// PackIndex is the decoded content of one .idx v2 file, held entirely in
// memory (fan-out table, sorted id list, CRC table, offset tables).
type PackIndex struct {
	hashSize int
	fanout   [fanoutEntries]uint32
	count    int
	ids      []byte // count*hashSize, sorted
	crcs     []uint32
	off32    []uint32
	off64    []uint64
	packName string
}

var _ Index = (*PackIndex)(nil)

// DecodePackIndex reads a complete .idx v2 stream.
func DecodePackIndex(r io.Reader, hashSize int) (*PackIndex, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrMalformed, err)
	}
	if !bytes.Equal(magic, idxMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	var version uint32
	if err := binary.Read(br, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: reading version: %v", ErrMalformed, err)
	}
	if version != idxVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}

	idx := &PackIndex{hashSize: hashSize}

	fanoutBuf := make([]byte, fanoutSize)
	if _, err := io.ReadFull(br, fanoutBuf); err != nil {
		return nil, fmt.Errorf("%w: reading fanout: %v", ErrMalformed, err)
	}
	for i := 0; i < fanoutEntries; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(fanoutBuf[i*4:])
	}
	idx.count = int(idx.fanout[fanoutEntries-1])

	idx.ids = make([]byte, idx.count*hashSize)
	if _, err := io.ReadFull(br, idx.ids); err != nil {
		return nil, fmt.Errorf("%w: reading ids: %v", ErrMalformed, err)
	}

	idx.crcs = make([]uint32, idx.count)
	crcBuf := make([]byte, crcSize)
	for i := 0; i < idx.count; i++ {
		if _, err := io.ReadFull(br, crcBuf); err != nil {
			return nil, fmt.Errorf("%w: reading crc table: %v", ErrMalformed, err)
		}
		idx.crcs[i] = binary.BigEndian.Uint32(crcBuf)
	}

	idx.off32 = make([]uint32, idx.count)
	off32Buf := make([]byte, off32Size)
	var large int
	for i := 0; i < idx.count; i++ {
		if _, err := io.ReadFull(br, off32Buf); err != nil {
			return nil, fmt.Errorf("%w: reading offset32 table: %v", ErrMalformed, err)
		}
		v := binary.BigEndian.Uint32(off32Buf)
		idx.off32[i] = v
		if v&is64BitMask != 0 {
			large++
		}
	}

	if large > 0 {
		idx.off64 = make([]uint64, large)
		off64Buf := make([]byte, off64Size)
		for i := 0; i < large; i++ {
			if _, err := io.ReadFull(br, off64Buf); err != nil {
				return nil, fmt.Errorf("%w: reading offset64 table: %v", ErrMalformed, err)
			}
			idx.off64[i] = binary.BigEndian.Uint64(off64Buf)
		}
	}

	// Trailer: packfile checksum + index checksum, both hashSize bytes.
	// They are read but not verified, here or by the packfile decoder.
	trailer := make([]byte, hashSize*2)
	if _, err := io.ReadFull(br, trailer); err != nil {
		return nil, fmt.Errorf("%w: reading trailer: %v", ErrMalformed, err)
	}

	return idx, nil
}

// SetPackName records the pack this index was decoded alongside, used
// to satisfy PackNames and for diagnostics.
func (idx *PackIndex) SetPackName(name string) { idx.packName = name }

func (idx *PackIndex) fanoutLo(first int) int {
	if first == 0 {
		return 0
	}
	return int(idx.fanout[first-1])
}

func (idx *PackIndex) idAt(pos int) []byte {
	return idx.ids[pos*idx.hashSize : (pos+1)*idx.hashSize]
}

func (idx *PackIndex) offsetAt(pos int) int64 {
	v := idx.off32[pos]
	if v&is64BitMask == 0 {
		return int64(v)
	}
	return int64(idx.off64[v & ^is64BitMask])
}

func (idx *PackIndex) search(id hash.ObjectID) (int, bool) {
	want := id.Bytes()
	first := int(want[0])
	lo, hi := idx.fanoutLo(first), int(idx.fanout[first])
	pos := lo + sort.Search(hi-lo, func(i int) bool {
		return bytes.Compare(idx.idAt(lo+i), want) >= 0
	})
	if pos < hi && bytes.Equal(idx.idAt(pos), want) {
		return pos, true
	}
	return 0, false
}

func (idx *PackIndex) Lookup(id hash.ObjectID) (int, int64, bool) {
	pos, ok := idx.search(id)
	if !ok {
		return 0, 0, false
	}
	return 0, idx.offsetAt(pos), true
}

// CRC32 returns the stored CRC-32 of the compressed entry for id, used
// by consumers that want to validate a pack entry without reinflating
// it against the object hash.
func (idx *PackIndex) CRC32(id hash.ObjectID) (uint32, bool) {
	pos, ok := idx.search(id)
	if !ok {
		return 0, false
	}
	return idx.crcs[pos], true
}

func (idx *PackIndex) Count() int64 { return int64(idx.count) }

func (idx *PackIndex) PackNames() []string { return []string{idx.packName} }

type packIndexIter struct {
	idx *PackIndex
	pos int
}

func (idx *PackIndex) Iter() (EntryIter, error) {
	return &packIndexIter{idx: idx}, nil
}

func (it *packIndexIter) Next() (Entry, bool, error) {
	if it.pos >= it.idx.count {
		return Entry{}, false, nil
	}
	id, err := hash.FromBytes(it.idx.idAt(it.pos))
	if err != nil {
		return Entry{}, false, err
	}
	e := Entry{ID: id, Offset: it.idx.offsetAt(it.pos), CRC32: it.idx.crcs[it.pos]}
	it.pos++
	return e, true, nil
}
