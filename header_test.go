package cfb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func headerBytes(t *testing.T, h *Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, h.writeTo(&buf))
	return buf.Bytes()
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, version := range []Version{V3, V4} {
		h := NewHeader(version)
		h.NumFatSectors = 1
		h.FirstDirSector = 1
		h.NumDirSectors = 1
		h.InitialDifatEntries = []uint32{0}

		raw := headerBytes(t, h)
		require.Equal(t, h.HeaderReserve(), len(raw))

		parsed := &Header{}
		require.NoError(t, parsed.readFrom(bytes.NewReader(raw), ValidationStrict))

		require.Equal(t, version, parsed.Version)
		require.Equal(t, uint32(1), parsed.NumFatSectors)
		require.Equal(t, uint32(1), parsed.FirstDirSector)
		require.Equal(t, []uint32{0}, parsed.InitialDifatEntries)
		require.Equal(t, END_OF_CHAIN, parsed.FirstMinifatSector)
		require.Equal(t, END_OF_CHAIN, parsed.FirstDifatSector)
		if version == V4 {
			require.Equal(t, uint32(1), parsed.NumDirSectors)
		} else {
			require.Equal(t, uint32(0), parsed.NumDirSectors)
		}
	}
}

func corruptAt(raw []byte, offset int, value []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	copy(out[offset:], value)
	return out
}

func TestHeaderRejects(t *testing.T) {
	h := NewHeader(V3)
	h.NumFatSectors = 1
	h.FirstDirSector = 1
	h.InitialDifatEntries = []uint32{0}
	raw := headerBytes(t, h)

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "bad magic", raw: corruptAt(raw, 0, []byte{0xde, 0xad})},
		{name: "bad byte order mark", raw: corruptAt(raw, 28, []byte{0xff, 0xff})},
		{name: "bad sector shift", raw: corruptAt(raw, 30, []byte{0x0a, 0x00})},
		{name: "bad mini sector shift", raw: corruptAt(raw, 32, []byte{0x07, 0x00})},
		{name: "bad version", raw: corruptAt(raw, 26, []byte{0x05, 0x00})},
		{name: "bad cutoff", raw: corruptAt(raw, 56, []byte{0x00, 0x20, 0x00, 0x00})},
		{name: "v3 nonzero dir sector count", raw: corruptAt(raw, 40, []byte{0x01, 0x00, 0x00, 0x00})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := &Header{}
			require.Error(t, parsed.readFrom(bytes.NewReader(tt.raw), ValidationStrict))
		})
	}
}

func TestHeaderV4TailValidation(t *testing.T) {
	h := NewHeader(V4)
	h.NumFatSectors = 1
	h.FirstDirSector = 1
	h.InitialDifatEntries = []uint32{0}
	raw := headerBytes(t, h)
	require.Equal(t, 4096, len(raw))

	// Strict mode rejects a dirty reserved tail, permissive accepts it.
	dirty := corruptAt(raw, 600, []byte{0x01})
	parsed := &Header{}
	require.Error(t, parsed.readFrom(bytes.NewReader(dirty), ValidationStrict))

	parsed = &Header{}
	require.NoError(t, parsed.readFrom(bytes.NewReader(dirty), ValidationPermissive))
}
