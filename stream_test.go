package cfb

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

func readBack(t *testing.T, comp *CompoundFile, path string) []byte {
	t.Helper()
	data, err := comp.ReadStreamAll(path)
	require.NoError(t, err)
	return data
}

func TestSmallStreamRoundTrip(t *testing.T) {
	comp, f := createV3(t)

	stream, err := comp.CreateStream("/Hello")
	require.NoError(t, err)
	_, err = stream.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, stream.Flush())

	comp2 := reopen(t, f, ValidationStrict)
	require.Equal(t, []byte("world"), readBack(t, comp2, "/Hello"))

	// Five bytes live in a single mini sector, the first of the mini
	// stream.
	streamId, _, err := comp2.streamIdForPath("/Hello")
	require.NoError(t, err)
	entry := comp2.Directory.DirEntries[streamId]
	require.Equal(t, uint64(5), entry.StreamSize)
	require.Equal(t, uint32(0), entry.StartingSector)

	rootEntry := comp2.Directory.RootDirEntry()
	require.Equal(t, uint64(64), rootEntry.StreamSize)
	require.LessOrEqual(t, rootEntry.StartingSector, MAX_REGULAR_SECTOR)
}

func TestPoolSelectionAtCutoff(t *testing.T) {
	tests := []struct {
		name string
		size int
		mini bool
	}{
		{name: "one below cutoff", size: 4095, mini: true},
		{name: "at cutoff", size: 4096, mini: false},
		{name: "one above cutoff", size: 4097, mini: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			comp, f := createV3(t)

			stream, err := comp.CreateStream("/A")
			require.NoError(t, err)
			data := pattern(tt.size)
			_, err = stream.Write(data)
			require.NoError(t, err)
			require.NoError(t, comp.Flush())

			streamId, _, err := comp.streamIdForPath("/A")
			require.NoError(t, err)
			require.Equal(t, tt.mini, comp.isMiniStream(streamId))

			comp2 := reopen(t, f, ValidationStrict)
			require.Equal(t, data, readBack(t, comp2, "/A"))
		})
	}
}

func TestPromotionAcrossCutoff(t *testing.T) {
	comp, f := createV3(t)

	stream, err := comp.CreateStream("/A")
	require.NoError(t, err)
	data := pattern(4095)
	_, err = stream.Write(data)
	require.NoError(t, err)
	require.NoError(t, comp.Flush())

	streamId, _, err := comp.streamIdForPath("/A")
	require.NoError(t, err)
	require.True(t, comp.isMiniStream(streamId))

	// One more byte crosses the cutoff and promotes the stream into the
	// regular pool; the mini chain is released.
	_, err = stream.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	_, err = stream.Write([]byte{0xAB})
	require.NoError(t, err)
	require.NoError(t, comp.Flush())

	require.False(t, comp.isMiniStream(streamId))
	entry := comp.Directory.DirEntries[streamId]
	require.Equal(t, uint64(4096), entry.StreamSize)
	require.LessOrEqual(t, entry.StartingSector, MAX_REGULAR_SECTOR)

	for _, slot := range comp.MiniAlloc.Minifat {
		require.Equal(t, FREE_SECTOR, slot)
	}

	comp2 := reopen(t, f, ValidationStrict)
	require.Equal(t, append(pattern(4095), 0xAB), readBack(t, comp2, "/A"))
}

func TestDemotionAcrossCutoff(t *testing.T) {
	comp, f := createV3(t)

	stream, err := comp.CreateStream("/A")
	require.NoError(t, err)
	data := pattern(8192)
	_, err = stream.Write(data)
	require.NoError(t, err)

	streamId, _, err := comp.streamIdForPath("/A")
	require.NoError(t, err)
	require.False(t, comp.isMiniStream(streamId))

	require.NoError(t, stream.SetLen(1000))
	require.True(t, comp.isMiniStream(streamId))
	require.NoError(t, comp.Flush())

	comp2 := reopen(t, f, ValidationStrict)
	require.Equal(t, data[:1000], readBack(t, comp2, "/A"))
}

func TestSetLenZeroReleasesChain(t *testing.T) {
	comp, f := createV3(t)

	stream, err := comp.CreateStream("/A")
	require.NoError(t, err)
	_, err = stream.Write(pattern(5000))
	require.NoError(t, err)

	require.NoError(t, stream.SetLen(0))
	require.NoError(t, comp.Flush())

	streamId, _, err := comp.streamIdForPath("/A")
	require.NoError(t, err)
	entry := comp.Directory.DirEntries[streamId]
	require.Equal(t, uint64(0), entry.StreamSize)
	require.Equal(t, END_OF_CHAIN, entry.StartingSector)

	comp2 := reopen(t, f, ValidationStrict)
	require.Empty(t, readBack(t, comp2, "/A"))
}

func TestRandomAccessReadWrite(t *testing.T) {
	comp, _ := createV3(t)

	stream, err := comp.CreateStream("/A")
	require.NoError(t, err)
	_, err = stream.Write(pattern(10000))
	require.NoError(t, err)

	// Overwrite a window in the middle.
	_, err = stream.Seek(4000, io.SeekStart)
	require.NoError(t, err)
	window := bytes.Repeat([]byte{0xEE}, 200)
	_, err = stream.Write(window)
	require.NoError(t, err)

	expected := pattern(10000)
	copy(expected[4000:], window)
	require.Equal(t, expected, readBack(t, comp, "/A"))

	// Seek relative to the end and read the tail.
	_, err = stream.Seek(-100, io.SeekEnd)
	require.NoError(t, err)
	tail, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, expected[9900:], tail)
}

func TestShrinkThenGrowDoesNotResurrectData(t *testing.T) {
	comp, _ := createV3(t)

	stream, err := comp.CreateStream("/A")
	require.NoError(t, err)
	_, err = stream.Write(bytes.Repeat([]byte{0xFF}, 100))
	require.NoError(t, err)

	require.NoError(t, stream.SetLen(10))
	require.NoError(t, stream.SetLen(100))

	data := readBack(t, comp, "/A")
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 10), data[:10])
	require.Equal(t, make([]byte, 90), data[10:])
}

func TestWriteOnReadOnlyHandleFails(t *testing.T) {
	comp, f := createV3(t)
	_, err := comp.CreateStream("/A")
	require.NoError(t, err)
	require.NoError(t, comp.Flush())

	roComp, err := Open(f, ValidationStrict)
	require.NoError(t, err)

	_, err = roComp.CreateStream("/B")
	require.ErrorIs(t, err, ErrorReadOnly)
	require.ErrorIs(t, roComp.CreateStorage("/C"), ErrorReadOnly)

	stream, err := roComp.OpenStream("/A")
	require.NoError(t, err)
	_, err = stream.Write([]byte("x"))
	require.ErrorIs(t, err, ErrorReadOnly)
}
