package idxfile

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-vcs/gitstore/hash"
)

// buildMIDX assembles a minimal, valid multi-pack-index stream with
// PNAM, OIDF, OIDL, and OFFS chunks, no LOFF (all offsets small).
func buildMIDX(t *testing.T, packNames []string, ids []hash.ObjectID, packIdx []uint32, offs []uint32) []byte {
	t.Helper()
	hash.Sort(ids)

	var pnam bytes.Buffer
	for _, n := range packNames {
		pnam.WriteString(n)
		pnam.WriteByte(0)
	}
	for pnam.Len()%4 != 0 {
		pnam.WriteByte(0)
	}

	var oidf bytes.Buffer
	var fanout [256]uint32
	for _, id := range ids {
		b := id.Bytes()[0]
		for i := int(b); i < 256; i++ {
			fanout[i]++
		}
	}
	for _, v := range fanout {
		binary.Write(&oidf, binary.BigEndian, v)
	}

	var oidl bytes.Buffer
	for _, id := range ids {
		oidl.Write(id.Bytes())
	}

	var offsBuf bytes.Buffer
	byID := map[string]int{}
	for i, id := range ids {
		byID[id.String()] = i
	}
	for _, id := range ids {
		i := byID[id.String()]
		binary.Write(&offsBuf, binary.BigEndian, packIdx[i])
		binary.Write(&offsBuf, binary.BigEndian, offs[i])
	}

	chunks := []struct {
		id   string
		body []byte
	}{
		{chunkPNAM, pnam.Bytes()},
		{chunkOIDF, oidf.Bytes()},
		{chunkOIDL, oidl.Bytes()},
		{chunkOFFS, offsBuf.Bytes()},
	}

	headerLen := int64(4 + 4)
	tableLen := int64((len(chunks) + 1) * chunkTableSz)
	pos := headerLen + tableLen

	var body bytes.Buffer
	var table bytes.Buffer
	for _, c := range chunks {
		row := make([]byte, chunkTableSz)
		copy(row[:4], c.id)
		binary.BigEndian.PutUint64(row[4:], uint64(pos))
		table.Write(row)
		body.Write(c.body)
		pos += int64(len(c.body))
	}
	// terminator row
	term := make([]byte, chunkTableSz)
	binary.BigEndian.PutUint64(term[4:], uint64(pos))
	table.Write(term)

	var out bytes.Buffer
	out.Write(midxMagic)
	out.WriteByte(midxVersion)
	out.WriteByte(midxOIDV1)
	out.WriteByte(byte(len(chunks)))
	out.WriteByte(0)
	out.Write(table.Bytes())
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestDecodeMultiPackIndexLookup(t *testing.T) {
	a, _ := hash.FromHex("1100000000000000000000000000000000000000")
	b, _ := hash.FromHex("2200000000000000000000000000000000000000")

	data := buildMIDX(t, []string{"pack-a.pack", "pack-b.pack"},
		[]hash.ObjectID{a, b}, []uint32{0, 1}, []uint32{40, 80})

	midx, err := DecodeMultiPackIndex(bytes.NewReader(data), 12345)
	require.NoError(t, err)
	require.EqualValues(t, 2, midx.Count())
	require.Equal(t, []string{"pack-a.pack", "pack-b.pack"}, midx.PackNames())
	require.EqualValues(t, 12345, midx.Mtime())

	packIdx, off, ok := midx.Lookup(a)
	require.True(t, ok)
	require.Equal(t, 0, packIdx)
	require.EqualValues(t, 40, off)

	packIdx, off, ok = midx.Lookup(b)
	require.True(t, ok)
	require.Equal(t, 1, packIdx)
	require.EqualValues(t, 80, off)
}

func TestDecodeMultiPackIndexRejectsBadMagic(t *testing.T) {
	_, err := DecodeMultiPackIndex(bytes.NewReader([]byte("notamidx")), 0)
	require.ErrorIs(t, err, ErrMalformed)
}
