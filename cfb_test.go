package cfb

import (
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCreateEmptyV3Layout(t *testing.T) {
	comp, f := createV3(t)
	require.NoError(t, comp.Flush())

	// Header, one FAT sector, one directory sector.
	size, err := f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(3*512), size)

	raw := make([]byte, size)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(f, raw)
	require.NoError(t, err)

	// FAT sector: the FAT page itself, the directory chain, then free.
	fatSector := raw[512:1024]
	require.Equal(t, FAT_SECTOR, binary.LittleEndian.Uint32(fatSector[0:4]))
	require.Equal(t, END_OF_CHAIN, binary.LittleEndian.Uint32(fatSector[4:8]))
	for i := 8; i < 512; i += 4 {
		require.Equal(t, FREE_SECTOR, binary.LittleEndian.Uint32(fatSector[i:i+4]))
	}

	// Directory sector: root entry in slot 0, three zeroed slots.
	dirSector := raw[1024:1536]
	rootRecord := dirSector[:128]
	require.Equal(t, OBJ_TYPE_ROOT, rootRecord[66])
	require.Equal(t, uint16(2*len(ROOT_DIR_NAME)+2), binary.LittleEndian.Uint16(rootRecord[64:66]))
	require.Equal(t, NO_STREAM, binary.LittleEndian.Uint32(rootRecord[76:80]))
	require.Equal(t, END_OF_CHAIN, binary.LittleEndian.Uint32(rootRecord[116:120]))
	require.Equal(t, uint64(0), binary.LittleEndian.Uint64(rootRecord[120:128]))
	for _, b := range dirSector[128:] {
		require.Equal(t, byte(0), b)
	}

	// Header fields.
	require.Equal(t, MAGIC_NUMBER, raw[0:8])
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[44:48]))
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[48:52]))
}

func TestEmptyFileRoundTrip(t *testing.T) {
	comp, f := createV3(t)
	require.NoError(t, comp.Flush())

	comp2 := reopen(t, f, ValidationStrict)
	root := comp2.RootEntry()
	require.Equal(t, ROOT_DIR_NAME, root.Name)
	require.True(t, root.IsRoot())
	require.Empty(t, walkNames(t, comp2, "/"))
}

func TestNestedStorages(t *testing.T) {
	comp, f := createV3(t)

	require.NoError(t, comp.CreateStorage("/S1"))
	require.NoError(t, comp.CreateStorage("/S1/S2"))
	stream, err := comp.CreateStream("/S1/S2/x")
	require.NoError(t, err)
	_, err = stream.Write(pattern(10))
	require.NoError(t, err)
	require.NoError(t, comp.Flush())

	comp2 := reopen(t, f, ValidationStrict)

	entries, err := comp2.Walk("/S1")
	require.NoError(t, err)
	entry, err := entries.Next()
	require.NoError(t, err)
	require.Equal(t, "S2", entry.Name)
	require.True(t, entry.IsStorage())
	_, err = entries.Next()
	require.Equal(t, io.EOF, err)

	entries, err = comp2.Walk("/S1/S2")
	require.NoError(t, err)
	entry, err = entries.Next()
	require.NoError(t, err)
	require.Equal(t, "x", entry.Name)
	require.True(t, entry.IsStream())
	require.Equal(t, uint64(10), entry.StreamLen)
	_, err = entries.Next()
	require.Equal(t, io.EOF, err)

	require.Equal(t, pattern(10), readBack(t, comp2, "/S1/S2/x"))
}

func TestCreateStorageAll(t *testing.T) {
	comp, _ := createV3(t)

	require.NoError(t, comp.CreateStorageAll("/a/b/c"))
	require.True(t, comp.Exists("/a/b/c"))

	// Existing prefixes are fine; a stream in the way is not.
	require.NoError(t, comp.CreateStorageAll("/a/b/d"))
	_, err := comp.CreateStream("/a/s")
	require.NoError(t, err)
	require.ErrorIs(t, comp.CreateStorageAll("/a/s/x"), ErrorNotAStorage)
}

func TestWalkAll(t *testing.T) {
	comp, _ := createV3(t)

	require.NoError(t, comp.CreateStorage("/S1"))
	require.NoError(t, comp.CreateStorage("/S1/S2"))
	_, err := comp.CreateStream("/S1/S2/x")
	require.NoError(t, err)
	_, err = comp.CreateStream("/top")
	require.NoError(t, err)

	entries, err := comp.WalkAll("/")
	require.NoError(t, err)

	paths := make([]string, 0)
	for {
		entry, err := entries.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		paths = append(paths, entry.Path)
	}

	require.ElementsMatch(t, []string{"/S1", "/S1/S2", "/S1/S2/x", "/top"}, paths)
}

func TestEntryMetadataSurvivesReopen(t *testing.T) {
	comp, f := createV3(t)

	require.NoError(t, comp.CreateStorage("/S"))
	clsid := uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef")
	require.NoError(t, comp.SetCLSID("/S", clsid))
	require.NoError(t, comp.SetStateBits("/S", 0xdeadbeef))
	require.NoError(t, comp.Flush())

	comp2 := reopen(t, f, ValidationStrict)
	entry, err := comp2.Entry("/S")
	require.NoError(t, err)
	require.Equal(t, clsid, entry.CLSID)
	require.Equal(t, uint32(0xdeadbeef), entry.StateBits)

	// CLSIDs live on storages only.
	_, err = comp2.CreateStream("/x")
	require.NoError(t, err)
	require.ErrorIs(t, comp2.SetCLSID("/x", clsid), ErrorNotAStorage)
}

func TestWalkOrderingStableAcrossReopen(t *testing.T) {
	comp, f := createV3(t)

	for _, name := range []string{"delta", "echo", "bb", "a", "Charlie"} {
		require.NoError(t, comp.CreateStorage("/" + name))
	}
	require.NoError(t, comp.RemoveStorage("/echo"))
	require.NoError(t, comp.Flush())

	before := walkNames(t, comp, "/")

	comp2 := reopen(t, f, ValidationStrict)
	require.Equal(t, before, walkNames(t, comp2, "/"))
	require.Equal(t, []string{"a", "bb", "delta", "Charlie"}, before)
}

func TestSectorSize4096(t *testing.T) {
	f := newMemFile(t)
	comp, err := CreateWithVersion(V4, f)
	require.NoError(t, err)

	size, err := f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(3*4096), size)

	stream, err := comp.CreateStream("/data")
	require.NoError(t, err)
	data := pattern(10000)
	_, err = stream.Write(data)
	require.NoError(t, err)
	require.NoError(t, comp.Flush())

	comp2 := reopen(t, f, ValidationStrict)
	require.Equal(t, V4, comp2.Version())
	require.Equal(t, data, readBack(t, comp2, "/data"))
}

func TestFreedSectorsAreReused(t *testing.T) {
	comp, f := createV3(t)

	stream, err := comp.CreateStream("/A")
	require.NoError(t, err)
	_, err = stream.Write(pattern(20000))
	require.NoError(t, err)
	require.NoError(t, comp.Flush())

	sizeBefore, err := f.Seek(0, io.SeekEnd)
	require.NoError(t, err)

	require.NoError(t, comp.RemoveStream("/A"))

	stream, err = comp.CreateStream("/B")
	require.NoError(t, err)
	_, err = stream.Write(pattern(20000))
	require.NoError(t, err)
	require.NoError(t, comp.Flush())

	sizeAfter, err := f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, sizeBefore, sizeAfter)
}

func TestDifatGrowsBeyondHeaderEntries(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates a multi-megabyte file")
	}

	comp, f := createV3(t)

	// 109 FAT pages cover 109*128 sectors; one large stream pushes the
	// DIFAT past the header slots.
	stream, err := comp.CreateStream("/big")
	require.NoError(t, err)
	total := uint64(NUM_DIFAT_ENTRIES_IN_HEADER) * 128 * 512
	require.NoError(t, stream.SetLen(total))
	require.NoError(t, comp.Flush())

	require.NotEmpty(t, comp.Allocator.DifatSectorIds)
	for _, id := range comp.Allocator.DifatSectorIds {
		require.Equal(t, DIFAT_SECTOR, comp.Allocator.Fat[id])
	}
	for _, id := range comp.Allocator.Difat {
		require.Equal(t, FAT_SECTOR, comp.Allocator.Fat[id])
	}

	comp2 := reopen(t, f, ValidationStrict)
	require.Equal(t, comp.Header.NumDifatSectors, comp2.Header.NumDifatSectors)
	entry, err := comp2.Entry("/big")
	require.NoError(t, err)
	require.Equal(t, total, entry.StreamLen)

	// Spot-check the far end of the stream.
	bigStream, err := comp2.OpenStream("/big")
	require.NoError(t, err)
	_, err = bigStream.Seek(-16, io.SeekEnd)
	require.NoError(t, err)
	tail, err := io.ReadAll(bigStream)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), tail)
}

func TestOpenRejectsGarbage(t *testing.T) {
	f := newMemFile(t)
	_, err := f.Write(make([]byte, 2048))
	require.NoError(t, err)

	_, err = Open(f, ValidationPermissive)
	require.ErrorIs(t, err, ErrorInvalidCFB)

	short := newMemFile(t)
	_, err = short.Write([]byte("tiny"))
	require.NoError(t, err)
	_, err = Open(short, ValidationPermissive)
	require.ErrorIs(t, err, ErrorInvalidCFB)
}

func TestWriteStreamAllAndReadStreamAll(t *testing.T) {
	comp, f := createV3(t)

	require.NoError(t, comp.WriteStreamAll("/doc", []byte("first")))
	require.NoError(t, comp.WriteStreamAll("/doc", []byte("second, longer content")))
	require.NoError(t, comp.Flush())

	comp2 := reopen(t, f, ValidationStrict)
	data, err := comp2.ReadStreamAll("/doc")
	require.NoError(t, err)
	require.Equal(t, []byte("second, longer content"), data)
}
