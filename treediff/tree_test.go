package treediff

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-vcs/gitstore/hash"
	"github.com/go-vcs/gitstore/plumbing/filemode"
)

func idFor(t *testing.T, hex string) hash.ObjectID {
	t.Helper()
	for len(hex) < 40 {
		hex += "0"
	}
	id, err := hash.FromHex(hex[:40])
	require.NoError(t, err)
	return id
}

func encodeTree(t *testing.T, entries []Entry) []byte {
	t.Helper()
	var out []byte
	for _, e := range entries {
		out = append(out, []byte(e.Mode.Bytes())...)
		out = append(out, ' ')
		out = append(out, []byte(e.Name)...)
		out = append(out, 0)
		out = append(out, e.ID.Bytes()...)
	}
	return out
}

func TestDecodeTreeRoundTripsEncodedEntries(t *testing.T) {
	entries := []Entry{
		{Name: "LICENSE", Mode: filemode.Regular, ID: idFor(t, "aaaa")},
		{Name: "src", Mode: filemode.Dir, ID: idFor(t, "bbbb")},
		{Name: "run.sh", Mode: filemode.Executable, ID: idFor(t, "cccc")},
	}

	got, err := DecodeTree(hash.SHA1, encodeTree(t, entries))
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestDecodeTreeEmptyPayload(t *testing.T) {
	got, err := DecodeTree(hash.SHA1, nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDecodeTreeRejectsTruncatedID(t *testing.T) {
	data := append([]byte("100644 a.txt"), 0)
	data = append(data, make([]byte, 5)...) // short of a 20-byte id
	_, err := DecodeTree(hash.SHA1, data)
	require.Error(t, err)
}
