package odb

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"testing"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing"
	"github.com/go-vcs/gitstore/plumbing/format/packfile"
	"github.com/go-vcs/gitstore/storage/slotmap"
)

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func entryHeaderBytes(typ plumbing.ObjectType, size int) []byte {
	var out []byte
	first := byte(typ)<<4 | byte(size&0x0f)
	size >>= 4
	for size != 0 {
		out = append(out, first|0x80)
		first = byte(size & 0x7f)
		size >>= 7
	}
	out = append(out, first)
	return out
}

func leb128(n uint) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

func buildPackBytes(entries [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("PACK")
	binary.Write(&buf, binary.BigEndian, packfile.VersionSupported)
	binary.Write(&buf, binary.BigEndian, uint32(len(entries)))
	for _, e := range entries {
		buf.Write(e)
	}
	return buf.Bytes()
}

// buildIdxBytes encodes a minimal v2 .idx covering exactly the given
// (id, offset) pairs; the decoder's own test file builds the same
// layout since idxfile has no exported encoder to reuse across
// packages.
func buildIdxBytes(t *testing.T, ids []hash.ObjectID, offsets []int64) []byte {
	t.Helper()
	require.Equal(t, len(ids), len(offsets))

	byID := map[string]int64{}
	for i, id := range ids {
		byID[id.String()] = offsets[i]
	}
	sorted := append([]hash.ObjectID(nil), ids...)
	hash.Sort(sorted)

	var buf bytes.Buffer
	buf.Write([]byte{255, 't', 'O', 'c'})
	binary.Write(&buf, binary.BigEndian, uint32(2))

	var fanout [256]uint32
	for _, id := range sorted {
		b := id.Bytes()[0]
		for i := int(b); i < 256; i++ {
			fanout[i]++
		}
	}
	for _, v := range fanout {
		binary.Write(&buf, binary.BigEndian, v)
	}
	for _, id := range sorted {
		buf.Write(id.Bytes())
	}
	for range sorted {
		binary.Write(&buf, binary.BigEndian, uint32(0))
	}
	for _, id := range sorted {
		binary.Write(&buf, binary.BigEndian, uint32(byID[id.String()]))
	}
	buf.Write(make([]byte, hash.Size20*2))
	return buf.Bytes()
}

func writeFile(t *testing.T, fs billy.Filesystem, path string, data []byte) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(fs.Join("pack"), 0o755))
	f, err := fs.Create(path)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func refreshedStore(t *testing.T, fs billy.Filesystem) *slotmap.Store {
	t.Helper()
	s := slotmap.New(8, func() ([]*slotmap.Dir, error) {
		return []*slotmap.Dir{{FS: fs, Kind: hash.SHA1}}, nil
	})
	snap, _, err := s.Refresh(context.Background())
	require.NoError(t, err)
	s.Release(snap)
	return s
}

func TestHandleTryFindResolvesPlainBlob(t *testing.T) {
	payload := []byte("hello world")
	entry := append(entryHeaderBytes(plumbing.BlobObject, len(payload)), deflate(t, payload)...)
	packData := buildPackBytes([][]byte{entry})

	id, err := hash.FromHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	idxData := buildIdxBytes(t, []hash.ObjectID{id}, []int64{12})

	fs := memfs.New()
	writeFile(t, fs, "pack/pack-a.pack", packData)
	writeFile(t, fs, "pack/pack-a.idx", idxData)

	store := refreshedStore(t, fs)
	h := New(store, hash.SHA1, Options{})
	defer h.Close()

	obj, loc, ok, err := h.TryFind(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, loc)
	require.EqualValues(t, 12, loc.Offset)
	require.Equal(t, plumbing.BlobObject, obj.Kind)
	require.Equal(t, payload, obj.Data)

	contains, err := h.Contains(context.Background(), id)
	require.NoError(t, err)
	require.True(t, contains)

	gotLoc, ok, err := h.LocationByOid(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, *loc, gotLoc)
}

func TestHandleTryFindReportsAbsence(t *testing.T) {
	fs := memfs.New()
	store := refreshedStore(t, fs)
	h := New(store, hash.SHA1, Options{})
	defer h.Close()

	missing, err := hash.FromHex("cccccccccccccccccccccccccccccccccccccccc")
	require.NoError(t, err)

	_, _, ok, err := h.TryFind(context.Background(), missing)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandleResolvesRefDeltaAcrossPacks(t *testing.T) {
	base := []byte("the quick brown fox")
	baseID, err := hash.FromHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	baseEntry := append(entryHeaderBytes(plumbing.BlobObject, len(base)), deflate(t, base)...)
	basePack := buildPackBytes([][]byte{baseEntry})
	baseIdx := buildIdxBytes(t, []hash.ObjectID{baseID}, []int64{12})

	target := append(append([]byte{}, base...), " jumps"...)
	var delta bytes.Buffer
	delta.Write(leb128(uint(len(base))))
	delta.Write(leb128(uint(len(target))))
	delta.WriteByte(0x80 | 0x01 | 0x10)
	delta.WriteByte(0)
	delta.WriteByte(byte(len(base)))
	delta.WriteByte(byte(len(" jumps")))
	delta.WriteString(" jumps")

	deltaEntry := append(entryHeaderBytes(plumbing.REFDeltaObject, len(target)), baseID.Bytes()...)
	deltaEntry = append(deltaEntry, deflate(t, delta.Bytes())...)
	deltaPack := buildPackBytes([][]byte{deltaEntry})

	deltaID, err := hash.FromHex("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	deltaIdx := buildIdxBytes(t, []hash.ObjectID{deltaID}, []int64{12})

	fs := memfs.New()
	writeFile(t, fs, "pack/pack-base.pack", basePack)
	writeFile(t, fs, "pack/pack-base.idx", baseIdx)
	writeFile(t, fs, "pack/pack-delta.pack", deltaPack)
	writeFile(t, fs, "pack/pack-delta.idx", deltaIdx)

	store := refreshedStore(t, fs)
	h := New(store, hash.SHA1, Options{})
	defer h.Close()

	obj, _, ok, err := h.TryFind(context.Background(), deltaID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, plumbing.BlobObject, obj.Kind)
	require.Equal(t, string(target), string(obj.Data))
}

func TestHandleRefDeltaRecursionLimitExceeded(t *testing.T) {
	base := []byte("base content")
	baseID, err := hash.FromHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	baseEntry := append(entryHeaderBytes(plumbing.BlobObject, len(base)), deflate(t, base)...)
	basePack := buildPackBytes([][]byte{baseEntry})
	baseIdx := buildIdxBytes(t, []hash.ObjectID{baseID}, []int64{12})

	target := append(append([]byte{}, base...), "!"...)
	var delta bytes.Buffer
	delta.Write(leb128(uint(len(base))))
	delta.Write(leb128(uint(len(target))))
	delta.WriteByte(0x80 | 0x01 | 0x10)
	delta.WriteByte(0)
	delta.WriteByte(byte(len(base)))
	delta.WriteByte(1)
	delta.WriteString("!")

	deltaEntry := append(entryHeaderBytes(plumbing.REFDeltaObject, len(target)), baseID.Bytes()...)
	deltaEntry = append(deltaEntry, deflate(t, delta.Bytes())...)
	deltaPack := buildPackBytes([][]byte{deltaEntry})

	deltaID, err := hash.FromHex("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	deltaIdx := buildIdxBytes(t, []hash.ObjectID{deltaID}, []int64{12})

	// A second ref-delta, in a third pack, builds on deltaID, so
	// resolving it crosses packs twice.
	top := append(append([]byte{}, target...), "?"...)
	var topDelta bytes.Buffer
	topDelta.Write(leb128(uint(len(target))))
	topDelta.Write(leb128(uint(len(top))))
	topDelta.WriteByte(0x80 | 0x01 | 0x10)
	topDelta.WriteByte(0)
	topDelta.WriteByte(byte(len(target)))
	topDelta.WriteByte(1)
	topDelta.WriteString("?")

	topEntry := append(entryHeaderBytes(plumbing.REFDeltaObject, len(top)), deltaID.Bytes()...)
	topEntry = append(topEntry, deflate(t, topDelta.Bytes())...)
	topPack := buildPackBytes([][]byte{topEntry})

	topID, err := hash.FromHex("cccccccccccccccccccccccccccccccccccccccc")
	require.NoError(t, err)
	topIdx := buildIdxBytes(t, []hash.ObjectID{topID}, []int64{12})

	fs := memfs.New()
	writeFile(t, fs, "pack/pack-base.pack", basePack)
	writeFile(t, fs, "pack/pack-base.idx", baseIdx)
	writeFile(t, fs, "pack/pack-delta.pack", deltaPack)
	writeFile(t, fs, "pack/pack-delta.idx", deltaIdx)
	writeFile(t, fs, "pack/pack-top.pack", topPack)
	writeFile(t, fs, "pack/pack-top.idx", topIdx)

	store := refreshedStore(t, fs)
	// A zero MaxRecursionDepth selects DefaultMaxRecursionDepth, so 1 is
	// the smallest limit. It allows the first cross-pack hop (top's base
	// lives in pack-delta) but not the second (that entry's own base
	// lives in pack-base), which needs depth 2.
	h := New(store, hash.SHA1, Options{MaxRecursionDepth: 1})
	defer h.Close()

	_, _, _, err = h.TryFind(context.Background(), topID)
	require.ErrorIs(t, err, ErrDeltaBaseRecursionLimit)
}

func TestHandleIterListsEveryIndexedObject(t *testing.T) {
	payload := []byte("iter me")
	entry := append(entryHeaderBytes(plumbing.BlobObject, len(payload)), deflate(t, payload)...)
	packData := buildPackBytes([][]byte{entry})

	id, err := hash.FromHex("dddddddddddddddddddddddddddddddddddddddd")
	require.NoError(t, err)
	idxData := buildIdxBytes(t, []hash.ObjectID{id}, []int64{12})

	fs := memfs.New()
	writeFile(t, fs, "pack/pack-a.pack", packData)
	writeFile(t, fs, "pack/pack-a.idx", idxData)

	store := refreshedStore(t, fs)
	h := New(store, hash.SHA1, Options{})
	defer h.Close()

	ids, err := h.Iter(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, id.String(), ids[0].String())
}

func TestHandleEntryByLocationSurvivesRefreshWithKeepPacksLoaded(t *testing.T) {
	payload := []byte("kept across refresh")
	entry := append(entryHeaderBytes(plumbing.BlobObject, len(payload)), deflate(t, payload)...)
	packData := buildPackBytes([][]byte{entry})

	id, err := hash.FromHex("1111111111111111111111111111111111111111")
	require.NoError(t, err)
	idxData := buildIdxBytes(t, []hash.ObjectID{id}, []int64{12})

	fs := memfs.New()
	writeFile(t, fs, "pack/pack-a.pack", packData)
	writeFile(t, fs, "pack/pack-a.idx", idxData)

	store := refreshedStore(t, fs)
	h := New(store, hash.SHA1, Options{KeepPacksLoaded: true})
	defer h.Close()

	obj, loc, ok, err := h.TryFind(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, loc)
	require.Equal(t, payload, obj.Data)

	// Replace pack-a with an unrelated pack under a different name.
	payload2 := []byte("unrelated replacement pack")
	entry2 := append(entryHeaderBytes(plumbing.BlobObject, len(payload2)), deflate(t, payload2)...)
	packData2 := buildPackBytes([][]byte{entry2})
	id2, err := hash.FromHex("2222222222222222222222222222222222222222")
	require.NoError(t, err)
	idxData2 := buildIdxBytes(t, []hash.ObjectID{id2}, []int64{12})

	require.NoError(t, fs.Remove("pack/pack-a.pack"))
	require.NoError(t, fs.Remove("pack/pack-a.idx"))
	writeFile(t, fs, "pack/pack-b.pack", packData2)
	writeFile(t, fs, "pack/pack-b.idx", idxData2)

	snap, _, err := store.Refresh(context.Background())
	require.NoError(t, err)
	store.Release(snap)

	// pack-a is gone from the current snapshot entirely, but the
	// KeepPacksLoaded handle kept its own open handle to it, so the
	// PackLocation captured before the refresh still resolves.
	_, ok, err = h.LocationByOid(context.Background(), id)
	require.NoError(t, err)
	require.False(t, ok, "pack-a is no longer indexed in the current snapshot")

	got, err := h.EntryByLocation(context.Background(), *loc)
	require.NoError(t, err)
	require.Equal(t, plumbing.BlobObject, got.Kind)
	require.Equal(t, payload, got.Data)
}

func TestHandleEntryByLocationRejectsStaleGenerationWithoutKeepPacksLoaded(t *testing.T) {
	payload := []byte("not kept across refresh")
	entry := append(entryHeaderBytes(plumbing.BlobObject, len(payload)), deflate(t, payload)...)
	packData := buildPackBytes([][]byte{entry})

	id, err := hash.FromHex("3333333333333333333333333333333333333333")
	require.NoError(t, err)
	idxData := buildIdxBytes(t, []hash.ObjectID{id}, []int64{12})

	fs := memfs.New()
	writeFile(t, fs, "pack/pack-a.pack", packData)
	writeFile(t, fs, "pack/pack-a.idx", idxData)

	store := refreshedStore(t, fs)
	h := New(store, hash.SHA1, Options{})
	defer h.Close()

	_, loc, ok, err := h.TryFind(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, loc)

	writeFile(t, fs, "pack/multi-pack-index", []byte("irrelevant, just forces a move"))
	require.NoError(t, fs.Chtimes("pack/multi-pack-index", time.Unix(100, 0), time.Unix(100, 0)))
	snap, _, err := store.Refresh(context.Background())
	require.NoError(t, err)
	store.Release(snap)
	writeFile(t, fs, "pack/multi-pack-index", []byte("irrelevant, changed again"))
	require.NoError(t, fs.Chtimes("pack/multi-pack-index", time.Unix(200, 0), time.Unix(200, 0)))
	snap2, stable, err := store.Refresh(context.Background())
	require.NoError(t, err)
	store.Release(snap2)
	require.False(t, stable)

	// Without KeepPacksLoaded, the handle drops its cached pack handle
	// for the superseded generation as soon as it next observes the new
	// generation through any lookup.
	_, _, err = h.LocationByOid(context.Background(), id)
	require.NoError(t, err)

	_, err = h.EntryByLocation(context.Background(), *loc)
	require.ErrorIs(t, err, ErrStaleLocation)
}

func TestHandleReplacementsRedirectLookup(t *testing.T) {
	payload := []byte("replacement target")
	entry := append(entryHeaderBytes(plumbing.BlobObject, len(payload)), deflate(t, payload)...)
	packData := buildPackBytes([][]byte{entry})

	real, err := hash.FromHex("eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	require.NoError(t, err)
	idxData := buildIdxBytes(t, []hash.ObjectID{real}, []int64{12})

	fs := memfs.New()
	writeFile(t, fs, "pack/pack-a.pack", packData)
	writeFile(t, fs, "pack/pack-a.idx", idxData)

	store := refreshedStore(t, fs)

	requested, err := hash.FromHex("ffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	h := New(store, hash.SHA1, Options{Replacements: []Replacement{{From: requested, To: real}}})
	defer h.Close()

	obj, _, ok, err := h.TryFind(context.Background(), requested)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, obj.Data)
}
