// Package packfile memory-maps a .pack file, parses entry headers, and
// decodes entries including recursive ofs-delta/ref-delta resolution.
package packfile

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
	"github.com/go-vcs/gitstore/plumbing/cache"
	packutil "github.com/go-vcs/gitstore/plumbing/format/packfile/util"
)

var packSignature = []byte{'P', 'A', 'C', 'K'}

const VersionSupported uint32 = 2

var (
	ErrBadSignature        = errors.New("packfile: bad signature")
	ErrUnsupportedVersion  = errors.New("packfile: unsupported version")
	ErrMalformed           = errors.New("packfile: malformed entry header")

	// ErrDeltaBaseUnresolved is returned by DecodeEntry when a
	// ref-delta's base id resolves to None via resolveBase.
	ErrDeltaBaseUnresolved = errors.New("packfile: delta base unresolved")
)

// EntryHeader describes one pack entry as read from its offset: its
// type, declared uncompressed size, and (for delta entries) the base
// it applies against.
type EntryHeader struct {
	Offset        int64
	Type          plumbing.ObjectType
	Size          int64
	ContentOffset int64 // start of the zlib stream

	// For OFSDeltaObject:
	BaseOffset int64
	// For REFDeltaObject:
	BaseID hash.ObjectID
}

// Pack is a memory-mapped .pack file.
type Pack struct {
	data     []byte
	closer   func() error
	id       uint64 // generation-qualified identity, for cache.DeltaKey
	hashKind hash.Kind
}

// Open memory-maps path as a pack file and validates its header.
// hashKind selects the width of ref-delta base ids embedded in entry
// headers (20 bytes for SHA1, 32 for SHA256).
func Open(fs billy.Filesystem, path string, packID uint64, hashKind hash.Kind) (*Pack, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	data, closer, err := mmapFile(f)
	if err != nil {
		return nil, err
	}
	if len(data) < 12 {
		_ = closer()
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}
	if !bytes.Equal(data[:4], packSignature) {
		_ = closer()
		return nil, ErrBadSignature
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != VersionSupported {
		_ = closer()
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return &Pack{data: data, closer: closer, id: packID, hashKind: hashKind}, nil
}

// FromBytes wraps an already-in-memory pack stream (e.g. a thin pack
// buffered while being received over a fetch) without going through a
// filesystem or mmap. Close on the result is a no-op.
func FromBytes(data []byte, packID uint64, hashKind hash.Kind) (*Pack, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}
	if !bytes.Equal(data[:4], packSignature) {
		return nil, ErrBadSignature
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != VersionSupported {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return &Pack{data: data, id: packID, hashKind: hashKind}, nil
}

// Close releases the memory mapping.
func (p *Pack) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// ObjectCount returns the declared object count from the pack header.
func (p *Pack) ObjectCount() uint32 {
	return binary.BigEndian.Uint32(p.data[8:12])
}

// Entry reads the entry header at offset without decompressing the
// payload.
func (p *Pack) Entry(offset int64) (EntryHeader, error) {
	if offset < 0 || offset >= int64(len(p.data)) {
		return EntryHeader{}, fmt.Errorf("%w: offset out of range", ErrMalformed)
	}
	r := bytes.NewReader(p.data[offset:])

	b, err := r.ReadByte()
	if err != nil {
		return EntryHeader{}, err
	}
	typ := packutil.ObjectType(b)
	size, err := packutil.VariableLengthSize(b, r)
	if err != nil {
		return EntryHeader{}, err
	}

	eh := EntryHeader{Offset: offset, Type: typ, Size: int64(size)}

	switch typ {
	case plumbing.OFSDeltaObject:
		neg, err := readOffsetDelta(r)
		if err != nil {
			return EntryHeader{}, err
		}
		eh.BaseOffset = offset - neg
	case plumbing.REFDeltaObject:
		idBuf := make([]byte, p.hashKind.Size())
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return EntryHeader{}, err
		}
		id, err := hash.FromBytes(idBuf)
		if err != nil {
			return EntryHeader{}, err
		}
		eh.BaseID = id
	}

	consumed := len(p.data[offset:]) - r.Len()
	eh.ContentOffset = offset + int64(consumed)
	return eh, nil
}

// readOffsetDelta decodes the big-endian base-128 varint ofs-delta uses
// for its negative offset, where each continuation byte after the
// first adds 1 before shifting (the scheme that makes the encoding
// canonical — see gitformat-pack(5), "OBJ_OFS_DELTA").
func readOffsetDelta(r io.ByteReader) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	value := int64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		value = ((value + 1) << 7) | int64(b&0x7f)
	}
	return value, nil
}

// BaseResolution is resolve_base's result for a ref-delta's base id.
type BaseResolution struct {
	// Kind is InPack, OutOfPack, or None.
	Kind BaseResolutionKind
	// Header is set for InPack: the base's own entry header, in
	// whatever pack contains it (possibly this one).
	Header EntryHeader
	// HeaderPack is the Pack Header was read from, needed to decode it.
	HeaderPack *Pack
	// ObjectKind/Buffer are set for OutOfPack: a fully decoded object
	// found outside this pack (e.g. a loose object) to delta against.
	ObjectKind plumbing.ObjectType
	Buffer     []byte
}

type BaseResolutionKind int8

const (
	BaseNone BaseResolutionKind = iota
	BaseInPack
	BaseOutOfPack
)

// Decoded is decode_entry's result: the object's final type and the
// size of its compressed on-disk representation (for statistics; the
// decompressed payload is written into the caller-provided buffer).
type Decoded struct {
	Kind           plumbing.ObjectType
	CompressedSize int64
}

const maxDeltaDepth = 50

// DecodeEntry decodes the entry at header's offset into out, recursing
// through ofs-delta/ref-delta chains as needed. resolveBase is
// consulted only for ref-delta bases; it may be nil if
// the pack is known to carry no ref-deltas (a "thin pack" assembled
// against its own objects never needs it, but a fetched thin pack
// almost always does).
func (p *Pack) DecodeEntry(header EntryHeader, out *bytes.Buffer, resolveBase func(id hash.ObjectID) (BaseResolution, error), deltaCache *cache.Delta) (Decoded, error) {
	return p.decodeEntryDepth(header, out, resolveBase, deltaCache, 0)
}

func (p *Pack) decodeEntryDepth(header EntryHeader, out *bytes.Buffer, resolveBase func(hash.ObjectID) (BaseResolution, error), deltaCache *cache.Delta, depth int) (Decoded, error) {
	if depth > maxDeltaDepth {
		return Decoded{}, fmt.Errorf("packfile: delta chain exceeds depth %d", maxDeltaDepth)
	}

	switch header.Type {
	case plumbing.CommitObject, plumbing.TreeObject, plumbing.BlobObject, plumbing.TagObject:
		n, err := p.inflate(header, out)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Kind: header.Type, CompressedSize: n}, nil

	case plumbing.OFSDeltaObject:
		if deltaCache != nil {
			if kindStr, base, ok := deltaCache.Get(cache.DeltaKey{PackID: p.id, Offset: header.BaseOffset}); ok {
				baseKind, err := plumbing.ParseObjectType(kindStr)
				if err != nil {
					return Decoded{}, err
				}
				return p.applyDelta(header, baseKind, base, out)
			}
		}
		baseHeader, err := p.Entry(header.BaseOffset)
		if err != nil {
			return Decoded{}, err
		}
		var baseBuf bytes.Buffer
		baseDecoded, err := p.decodeEntryDepth(baseHeader, &baseBuf, resolveBase, deltaCache, depth+1)
		if err != nil {
			return Decoded{}, err
		}
		if deltaCache != nil {
			deltaCache.Add(cache.DeltaKey{PackID: p.id, Offset: header.BaseOffset}, baseDecoded.Kind.String(), append([]byte(nil), baseBuf.Bytes()...))
		}
		return p.applyDelta(header, baseDecoded.Kind, baseBuf.Bytes(), out)

	case plumbing.REFDeltaObject:
		if resolveBase == nil {
			return Decoded{}, ErrDeltaBaseUnresolved
		}
		res, err := resolveBase(header.BaseID)
		if err != nil {
			return Decoded{}, err
		}
		switch res.Kind {
		case BaseInPack:
			var baseBuf bytes.Buffer
			baseDecoded, err := res.HeaderPack.decodeEntryDepth(res.Header, &baseBuf, resolveBase, deltaCache, depth+1)
			if err != nil {
				return Decoded{}, err
			}
			return p.applyDelta(header, baseDecoded.Kind, baseBuf.Bytes(), out)
		case BaseOutOfPack:
			return p.applyDelta(header, res.ObjectKind, res.Buffer, out)
		default:
			return Decoded{}, fmt.Errorf("%w: %s", ErrDeltaBaseUnresolved, header.BaseID)
		}

	default:
		return Decoded{}, fmt.Errorf("%w: unknown entry type %v", ErrMalformed, header.Type)
	}
}

func (p *Pack) applyDelta(header EntryHeader, baseKind plumbing.ObjectType, base []byte, out *bytes.Buffer) (Decoded, error) {
	var deltaBuf bytes.Buffer
	n, err := p.inflate(header, &deltaBuf)
	if err != nil {
		return Decoded{}, err
	}
	target, err := ApplyDelta(base, deltaBuf.Bytes())
	if err != nil {
		return Decoded{}, err
	}
	out.Write(target)
	return Decoded{Kind: baseKind, CompressedSize: n}, nil
}

func (p *Pack) inflate(header EntryHeader, out *bytes.Buffer) (int64, error) {
	r := bytes.NewReader(p.data[header.ContentOffset:])
	zr, err := zlib.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("packfile: zlib init: %w", err)
	}
	defer zr.Close()

	if _, err := io.Copy(out, bufio.NewReader(zr)); err != nil {
		return 0, fmt.Errorf("packfile: zlib inflate: %w", err)
	}
	compressed := int64(len(p.data[header.ContentOffset:])) - int64(r.Len())
	return compressed, nil
}
