package cfb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// CompoundFile is the top-level handle over one CFB file. It exclusively
// owns the backing medium and every cache (FAT, DIFAT, mini-FAT,
// directory); stream views refer back to it by StreamId.
type CompoundFile struct {
	Reader io.ReadSeeker

	Header    *Header
	Sectors   *Sectors
	Allocator *Allocator
	Directory *Directory
	MiniAlloc *MiniAlloc

	Validation Validation
	writable   bool
}

// Open reads an existing compound file; the handle is read-only.
func Open(reader io.ReadSeeker, validation Validation) (*CompoundFile, error) {
	return open(reader, nil, validation)
}

// OpenReadWrite reads an existing compound file over a writable medium.
func OpenReadWrite(rw io.ReadWriteSeeker, validation Validation) (*CompoundFile, error) {
	return open(rw, rw, validation)
}

func open(reader io.ReadSeeker, writer io.WriteSeeker, validation Validation) (*CompoundFile, error) {
	bufLen, err := reader.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if int(bufLen) < HEADER_LEN {
		return nil, fmt.Errorf("file is too small for a header: %w", ErrorInvalidCFB)
	}

	header := &Header{}
	if err := header.readFrom(reader, validation); err != nil {
		return nil, err
	}

	sectorLen := header.Version.SectorLen()
	if bufLen > ((int64(MAX_REGULAR_SECTOR) + 1) * int64(sectorLen)) {
		return nil, fmt.Errorf("file is too large: %w", ErrorInvalidCFB)
	}

	if bufLen < int64(sectorLen) {
		return nil, fmt.Errorf("file is too small: %w", ErrorInvalidCFB)
	}

	sectors := NewSectors(header.Version, bufLen, reader, writer)

	difat := make([]uint32, len(header.InitialDifatEntries))
	copy(difat, header.InitialDifatEntries)

	seenSectorIds := make(map[uint32]bool)
	difatSectorIds := make([]uint32, 0)
	currentDifatSector := header.FirstDifatSector

	for currentDifatSector != END_OF_CHAIN {
		if currentDifatSector > MAX_REGULAR_SECTOR {
			return nil, fmt.Errorf("invalid DIFAT chain: %w", ErrorInvalidCFB)
		} else if currentDifatSector >= sectors.NumSectors {
			return nil, fmt.Errorf("invalid DIFAT chain includes sector index %v: %w",
				currentDifatSector, ErrorInvalidCFB)
		}

		if seenSectorIds[currentDifatSector] {
			return nil, fmt.Errorf("DIFAT chain includes duplicate sector index %v: %w",
				currentDifatSector, ErrorInvalidCFB)
		}

		seenSectorIds[currentDifatSector] = true
		difatSectorIds = append(difatSectorIds, currentDifatSector)

		sector, err := sectors.SeekToSector(currentDifatSector)
		if err != nil {
			return nil, err
		}

		for i := 0; i < sectors.SectorLen()/4-1; i++ {
			var next uint32
			if err := binary.Read(sector, binary.LittleEndian, &next); err != nil {
				return nil, err
			}

			if next != FREE_SECTOR && next > MAX_REGULAR_SECTOR {
				return nil, fmt.Errorf("invalid DIFAT refers to invalid sector index %v: %w",
					next, ErrorInvalidCFB)
			}
			difat = append(difat, next)
		}

		if err := binary.Read(sector, binary.LittleEndian, &currentDifatSector); err != nil {
			return nil, err
		}
	}

	if validation.IsStrict() &&
		header.NumDifatSectors != uint32(len(difatSectorIds)) {
		return nil, fmt.Errorf("incorrect DIFAT chain length (header says %v, actual is %v): %w",
			header.NumDifatSectors, len(difatSectorIds), ErrorInvalidCFB)
	}

	//difat pop
	for i := len(difat) - 1; i >= 0; i-- {
		if difat[i] != FREE_SECTOR {
			break
		}
		difat = difat[:i]
	}

	if validation.IsStrict() &&
		header.NumFatSectors != uint32(len(difat)) {
		return nil, fmt.Errorf("incorrect number of FAT sectors (header says %v, DIFAT says %v): %w",
			header.NumFatSectors, len(difat), ErrorInvalidCFB)
	}

	fat := make([]uint32, 0)
	for _, sectorId := range difat {
		if sectorId >= sectors.NumSectors {
			return nil, fmt.Errorf("invalid FAT sector index %v: %w", sectorId, ErrorInvalidCFB)
		}

		sector, err := sectors.SeekToSector(sectorId)
		if err != nil {
			return nil, err
		}
		for i := 0; i < sectors.SectorLen()/4; i++ {
			var next uint32
			if err := binary.Read(sector, binary.LittleEndian, &next); err != nil {
				return nil, err
			}
			fat = append(fat, next)
		}
	}

	//fat pop
	if !validation.IsStrict() {
		for len(fat) > int(sectors.NumSectors) && fat[len(fat)-1] == 0 {
			fat = fat[:len(fat)-1]
		}
	}

	for i := len(fat) - 1; i >= 0; i-- {
		if fat[i] != FREE_SECTOR {
			break
		}
		fat = fat[:i]
	}

	allocator, err := NewAllocator(sectors, difatSectorIds, difat, fat, validation)
	if err != nil {
		return nil, err
	}

	// Read in directory.
	dirEntries := make([]*DirEntry, 0)
	dirSectorIds := make([]uint32, 0)
	seenDirSectors := make(map[uint32]bool)
	currentDirSector := header.FirstDirSector

	for currentDirSector != END_OF_CHAIN {
		if currentDirSector > MAX_REGULAR_SECTOR {
			return nil, fmt.Errorf("invalid directory chain: %w", ErrorInvalidCFB)
		} else if currentDirSector >= sectors.NumSectors {
			return nil, fmt.Errorf("invalid directory chain includes sector index %v: %w",
				currentDirSector, ErrorInvalidCFB)
		}

		if seenDirSectors[currentDirSector] {
			return nil, fmt.Errorf("directory chain includes duplicate sector index %v: %w",
				currentDirSector, ErrorInvalidCFB)
		}

		seenDirSectors[currentDirSector] = true
		dirSectorIds = append(dirSectorIds, currentDirSector)

		sector, err := sectors.SeekToSector(currentDirSector)
		if err != nil {
			return nil, err
		}

		for i := 0; i < header.Version.DirEntriesPerSector(); i++ {
			entry, err := ReadDirEntryFrom(sector, header.Version, validation)
			if err != nil {
				return nil, err
			}

			dirEntries = append(dirEntries, entry)
		}

		currentDirSector, err = allocator.Next(currentDirSector)
		if err != nil {
			return nil, err
		}
	}

	if header.Version == V4 && validation.IsStrict() &&
		header.NumDirSectors != uint32(len(dirSectorIds)) {
		return nil, fmt.Errorf("incorrect number of directory sectors (header says %v, actual is %v): %w",
			header.NumDirSectors, len(dirSectorIds), ErrorInvalidCFB)
	}

	directory, err := NewDirectory(allocator, dirEntries, header.FirstDirSector, dirSectorIds)
	if err != nil {
		return nil, err
	}

	chain, err := NewChain(allocator, header.FirstMinifatSector, SectorInitFat)
	if err != nil {
		return nil, err
	}

	if validation.IsStrict() && header.NumMinifatSectors != chain.NumSectors() {
		return nil, fmt.Errorf("incorrect number of MiniFAT sectors (header says %v, FAT says %v): %w",
			header.NumMinifatSectors, chain.NumSectors(), ErrorInvalidCFB)
	}

	numMinifatEntries := uint32(chain.Len() / 4)
	minifat := make([]uint32, 0, numMinifatEntries)

	p := []byte{0, 0, 0, 0}
	for i := uint32(0); i < numMinifatEntries; i++ {
		if _, err := chain.ReadAll(p); err != nil {
			return nil, err
		}
		minifat = append(minifat, binary.LittleEndian.Uint32(p))
	}

	for i := len(minifat) - 1; i >= 0; i-- {
		if minifat[i] != FREE_SECTOR {
			break
		}
		minifat = minifat[:i]
	}

	miniAlloc, err := NewMiniAlloc(directory, minifat, header.FirstMinifatSector)
	if err != nil {
		return nil, err
	}

	compoundFile := CompoundFile{
		Reader: reader,

		Header:    header,
		Sectors:   sectors,
		Allocator: allocator,
		Directory: directory,
		MiniAlloc: miniAlloc,

		Validation: validation,
		writable:   writer != nil,
	}

	return &compoundFile, nil
}

// Create initializes an empty version 3 compound file on the medium.
func Create(rw io.ReadWriteSeeker) (*CompoundFile, error) {
	return CreateWithVersion(V3, rw)
}

// CreateWithVersion initializes an empty compound file: a header, one FAT
// sector and one directory sector holding the root entry.
func CreateWithVersion(version Version, rw io.ReadWriteSeeker) (*CompoundFile, error) {
	if version != V3 && version != V4 {
		return nil, fmt.Errorf("%w: %v", ErrorUnsupportedVersion, version)
	}

	header := NewHeader(version)
	sectors := NewSectors(version, 0, rw, rw)

	// Materialize the header reserve up front so every later sector write
	// lands past it.
	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := rw.Write(make([]byte, header.HeaderReserve())); err != nil {
		return nil, err
	}

	if err := sectors.ExtendTo(1, SectorInitFat); err != nil {
		return nil, err
	}
	if err := sectors.ExtendTo(2, SectorInitDir); err != nil {
		return nil, err
	}

	// Sector 0 holds the FAT page, sector 1 the directory.
	difat := []uint32{0}
	fat := []uint32{FAT_SECTOR, END_OF_CHAIN}

	allocator, err := NewAllocator(sectors, nil, difat, fat, ValidationStrict)
	if err != nil {
		return nil, err
	}
	allocator.markFatDirty(0)

	rootEntry := NewDirEntry(ROOT_DIR_NAME, ObjRoot, 0)
	dirEntries := []*DirEntry{rootEntry}
	for i := 1; i < version.DirEntriesPerSector(); i++ {
		dirEntries = append(dirEntries, NewEmptyDirEntry())
	}

	directory, err := NewDirectory(allocator, dirEntries, 1, []uint32{1})
	if err != nil {
		return nil, err
	}
	directory.dirty = true

	miniAlloc, err := NewMiniAlloc(directory, make([]uint32, 0), END_OF_CHAIN)
	if err != nil {
		return nil, err
	}

	header.FirstDirSector = 1
	header.NumFatSectors = 1

	compoundFile := &CompoundFile{
		Reader: rw,

		Header:    header,
		Sectors:   sectors,
		Allocator: allocator,
		Directory: directory,
		MiniAlloc: miniAlloc,

		Validation: ValidationStrict,
		writable:   true,
	}

	if err := compoundFile.Flush(); err != nil {
		return nil, err
	}

	return compoundFile, nil
}

// Version returns the file's CFB version.
func (c *CompoundFile) Version() Version {
	return c.Header.Version
}

func (c *CompoundFile) RootEntry() *Entry {
	return NewEntry(c.Directory.RootDirEntry(), "/")
}

func (c *CompoundFile) streamIdForPath(path string) (uint32, []string, error) {
	names := NameChainFromPath(path)
	streamId, err := c.Directory.StreamIDForNameChain(names)
	if err != nil {
		return NO_STREAM, names, fmt.Errorf("%w: %v", err, path)
	}
	return streamId, names, nil
}

// Exists reports whether the path resolves to an entry.
func (c *CompoundFile) Exists(path string) bool {
	_, _, err := c.streamIdForPath(path)
	return err == nil
}

// Entry returns the metadata of the entry at the path.
func (c *CompoundFile) Entry(path string) (*Entry, error) {
	streamId, names, err := c.streamIdForPath(path)
	if err != nil {
		return nil, err
	}
	return NewEntry(c.Directory.DirEntries[streamId], PathFromNameChain(names)), nil
}

// Walk iterates the children of the storage at the path in stored order.
func (c *CompoundFile) Walk(path string) (*Entries, error) {
	return c.walk(path, EntriesNonRecursive)
}

// WalkAll iterates the subtree below the storage at the path; a storage is
// yielded before its descendants.
func (c *CompoundFile) WalkAll(path string) (*Entries, error) {
	return c.walk(path, EntriesRecursive)
}

func (c *CompoundFile) walk(path string, mode EntriesMode) (*Entries, error) {
	streamId, names, err := c.streamIdForPath(path)
	if err != nil {
		return nil, err
	}

	entry := c.Directory.DirEntries[streamId]
	if entry.ObjType != ObjStorage && entry.ObjType != ObjRoot {
		return nil, fmt.Errorf("%w: %v", ErrorNotAStorage, path)
	}

	return NewEntries(mode, c.Directory, PathFromNameChain(names), entry.Child), nil
}

// OpenStream opens a view over the stream at the path.
func (c *CompoundFile) OpenStream(path string) (*Stream, error) {
	streamId, _, err := c.streamIdForPath(path)
	if err != nil {
		return nil, err
	}

	entry := c.Directory.DirEntries[streamId]
	if entry.ObjType != ObjStream {
		return nil, fmt.Errorf("%w: %v", ErrorNotAStream, path)
	}

	return newStream(c, streamId), nil
}

func (c *CompoundFile) resolveParent(names []string) (uint32, error) {
	parentId, err := c.Directory.StreamIDForNameChain(names[:len(names)-1])
	if err != nil {
		return NO_STREAM, fmt.Errorf("%w: %v", err, PathFromNameChain(names[:len(names)-1]))
	}

	parent := c.Directory.DirEntries[parentId]
	if parent.ObjType != ObjStorage && parent.ObjType != ObjRoot {
		return NO_STREAM, fmt.Errorf("%w: %v", ErrorNotAStorage, PathFromNameChain(names[:len(names)-1]))
	}

	return parentId, nil
}

// CreateStream creates an empty stream at the path and returns a view.
func (c *CompoundFile) CreateStream(path string) (*Stream, error) {
	if !c.writable {
		return nil, ErrorReadOnly
	}

	names := NameChainFromPath(path)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrorIsRoot, path)
	}

	name := names[len(names)-1]
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	parentId, err := c.resolveParent(names)
	if err != nil {
		return nil, err
	}

	entry := NewDirEntry(name, ObjStream, 0)
	streamId, err := c.Directory.Insert(parentId, entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, path)
	}

	return newStream(c, streamId), nil
}

// OpenOrCreateStream opens the stream at the path, creating it when absent.
func (c *CompoundFile) OpenOrCreateStream(path string) (*Stream, error) {
	stream, err := c.OpenStream(path)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, ErrorNotFound) {
		return nil, err
	}
	return c.CreateStream(path)
}

// CreateStorage creates an empty storage at the path.
func (c *CompoundFile) CreateStorage(path string) error {
	if !c.writable {
		return ErrorReadOnly
	}

	names := NameChainFromPath(path)
	if len(names) == 0 {
		return fmt.Errorf("%w: %v", ErrorIsRoot, path)
	}

	name := names[len(names)-1]
	if err := ValidateName(name); err != nil {
		return err
	}

	parentId, err := c.resolveParent(names)
	if err != nil {
		return err
	}

	entry := NewDirEntry(name, ObjStorage, filetimeNow())
	if _, err := c.Directory.Insert(parentId, entry); err != nil {
		return fmt.Errorf("%w: %v", err, path)
	}
	return nil
}

// CreateStorageAll creates the storage at the path along with any missing
// parents.
func (c *CompoundFile) CreateStorageAll(path string) error {
	if !c.writable {
		return ErrorReadOnly
	}

	names := NameChainFromPath(path)
	currentId := ROOT_STREAM_ID

	for _, name := range names {
		childId := c.Directory.LookupChild(currentId, name)
		if childId == NO_STREAM {
			if err := ValidateName(name); err != nil {
				return err
			}
			entry := NewDirEntry(name, ObjStorage, filetimeNow())
			newId, err := c.Directory.Insert(currentId, entry)
			if err != nil {
				return err
			}
			childId = newId
		} else if c.Directory.DirEntries[childId].ObjType != ObjStorage {
			return fmt.Errorf("%w: %v", ErrorNotAStorage, name)
		}
		currentId = childId
	}

	return nil
}

// RemoveStream deletes the stream at the path and frees its chain.
func (c *CompoundFile) RemoveStream(path string) error {
	return c.remove(path, ObjStream)
}

// RemoveStorage deletes the empty storage at the path.
func (c *CompoundFile) RemoveStorage(path string) error {
	return c.remove(path, ObjStorage)
}

func (c *CompoundFile) remove(path string, objType ObjectType) error {
	if !c.writable {
		return ErrorReadOnly
	}

	names := NameChainFromPath(path)
	if len(names) == 0 {
		return fmt.Errorf("%w: %v", ErrorIsRoot, path)
	}

	streamId, _, err := c.streamIdForPath(path)
	if err != nil {
		return err
	}

	entry := c.Directory.DirEntries[streamId]
	if entry.ObjType != objType {
		if objType == ObjStream {
			return fmt.Errorf("%w: %v", ErrorNotAStream, path)
		}
		return fmt.Errorf("%w: %v", ErrorNotAStorage, path)
	}

	if objType == ObjStorage && entry.Child != NO_STREAM {
		return fmt.Errorf("%w: %v", ErrorNotEmpty, path)
	}

	parentId, err := c.resolveParent(names)
	if err != nil {
		return err
	}

	if objType == ObjStream && entry.StartingSector != END_OF_CHAIN {
		if c.isMiniStream(streamId) {
			if err := c.MiniAlloc.FreeMiniChain(entry.StartingSector); err != nil {
				return err
			}
		} else {
			if err := c.Allocator.FreeChain(entry.StartingSector); err != nil {
				return err
			}
		}
	}

	return c.Directory.Remove(parentId, streamId)
}

// Rename gives the entry at the path a new name within the same storage.
func (c *CompoundFile) Rename(path string, newName string) error {
	if !c.writable {
		return ErrorReadOnly
	}

	names := NameChainFromPath(path)
	if len(names) == 0 {
		return fmt.Errorf("%w: %v", ErrorIsRoot, path)
	}

	if err := ValidateName(newName); err != nil {
		return err
	}

	streamId, _, err := c.streamIdForPath(path)
	if err != nil {
		return err
	}

	parentId, err := c.resolveParent(names)
	if err != nil {
		return err
	}

	entry := c.Directory.DirEntries[streamId]
	if existing := c.Directory.LookupChild(parentId, newName); existing != NO_STREAM {
		if existing != streamId {
			return fmt.Errorf("%w: %v", ErrorAlreadyExists, newName)
		}
		// Same key, possibly different case: rewrite in place.
		entry.Name = newName
		entry.ModifiedTime = filetimeNow()
		c.Directory.dirty = true
		return nil
	}

	if err := c.Directory.UnlinkSlot(parentId, streamId); err != nil {
		return err
	}
	entry.Name = newName
	if err := c.Directory.InsertSlot(parentId, streamId); err != nil {
		return err
	}
	entry.ModifiedTime = filetimeNow()
	return nil
}

// SetCLSID assigns the storage's class id. Streams keep a zero CLSID.
func (c *CompoundFile) SetCLSID(path string, clsid uuid.UUID) error {
	if !c.writable {
		return ErrorReadOnly
	}

	streamId, _, err := c.streamIdForPath(path)
	if err != nil {
		return err
	}

	entry := c.Directory.DirEntries[streamId]
	if entry.ObjType != ObjStorage && entry.ObjType != ObjRoot {
		return fmt.Errorf("%w: %v", ErrorNotAStorage, path)
	}

	entry.CLSID = GUIDFromUUID(clsid)
	c.Directory.dirty = true
	return nil
}

// SetStateBits assigns the entry's opaque state bits.
func (c *CompoundFile) SetStateBits(path string, bits uint32) error {
	if !c.writable {
		return ErrorReadOnly
	}

	streamId, _, err := c.streamIdForPath(path)
	if err != nil {
		return err
	}

	c.Directory.DirEntries[streamId].StateBits = bits
	c.Directory.dirty = true
	return nil
}

// ReadStreamAll returns the whole content of the stream at the path.
func (c *CompoundFile) ReadStreamAll(path string) ([]byte, error) {
	stream, err := c.OpenStream(path)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(stream)
}

// WriteStreamAll replaces the content of the stream at the path, creating
// the stream when absent.
func (c *CompoundFile) WriteStreamAll(path string, data []byte) error {
	stream, err := c.OpenOrCreateStream(path)
	if err != nil {
		return err
	}
	if err := stream.SetLen(0); err != nil {
		return err
	}
	if _, err := stream.Write(data); err != nil {
		return err
	}
	return nil
}

// isMiniStream reports whether the entry's content lives in the mini pool.
func (c *CompoundFile) isMiniStream(streamId uint32) bool {
	entry := c.Directory.DirEntries[streamId]
	return streamId != ROOT_STREAM_ID && entry.StreamSize < uint64(MINI_STREAM_CUTOFF)
}

func (c *CompoundFile) touchModified(streamId uint32) {
	c.Directory.DirEntries[streamId].ModifiedTime = filetimeNow()
	c.Directory.dirty = true
}

// readStreamData fills buf from the stream's content at the offset.
func (c *CompoundFile) readStreamData(streamId uint32, offset uint64, buf []byte) error {
	entry := c.Directory.DirEntries[streamId]

	if c.isMiniStream(streamId) {
		chain, err := c.MiniAlloc.OpenMiniChain(entry.StartingSector)
		if err != nil {
			return err
		}
		if _, err := chain.Seek(int64(offset), io.SeekStart); err != nil {
			return err
		}
		_, err = chain.ReadAll(buf)
		return err
	}

	chain, err := c.Allocator.OpenChain(entry.StartingSector, SectorInitZero)
	if err != nil {
		return err
	}
	if _, err := chain.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	_, err = chain.ReadAll(buf)
	return err
}

// writeStreamData stores buf into the stream's content at the offset; the
// chain must already be large enough.
func (c *CompoundFile) writeStreamData(streamId uint32, offset uint64, buf []byte) error {
	entry := c.Directory.DirEntries[streamId]

	if c.isMiniStream(streamId) {
		chain, err := c.MiniAlloc.OpenMiniChain(entry.StartingSector)
		if err != nil {
			return err
		}
		if _, err := chain.Seek(int64(offset), io.SeekStart); err != nil {
			return err
		}
		_, err = chain.Write(buf)
		return err
	}

	chain, err := c.Allocator.OpenChain(entry.StartingSector, SectorInitZero)
	if err != nil {
		return err
	}
	if _, err := chain.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}
	_, err = chain.Write(buf)
	return err
}

func divRoundUp(n uint64, unit uint64) uint32 {
	return uint32((n + unit - 1) / unit)
}

// resizeStream adjusts the entry's chain to hold newLen bytes, migrating
// between the mini and regular pools when the length crosses the cutoff.
func (c *CompoundFile) resizeStream(streamId uint32, newLen uint64) error {
	entry := c.Directory.DirEntries[streamId]
	oldLen := entry.StreamSize
	if oldLen == newLen {
		return nil
	}

	sectorLen := uint64(c.Sectors.SectorLen())
	miniLen := uint64(MINI_SECTOR_LEN)
	oldMini := c.isMiniStream(streamId)
	newMini := streamId != ROOT_STREAM_ID && newLen < uint64(MINI_STREAM_CUTOFF)

	switch {
	case oldMini && newMini:
		start, err := c.MiniAlloc.ResizeMiniChain(entry.StartingSector, divRoundUp(newLen, miniLen))
		if err != nil {
			return err
		}
		entry.StartingSector = start
		entry.StreamSize = newLen
		if err := c.zeroGrownTail(streamId, oldLen, newLen, miniLen); err != nil {
			return err
		}

	case !oldMini && !newMini:
		start, err := c.Allocator.ResizeChain(entry.StartingSector, divRoundUp(newLen, sectorLen), SectorInitZero)
		if err != nil {
			return err
		}
		entry.StartingSector = start
		entry.StreamSize = newLen
		if err := c.zeroGrownTail(streamId, oldLen, newLen, sectorLen); err != nil {
			return err
		}

	case oldMini && !newMini:
		// Promote: copy the existing bytes into a fresh regular chain.
		data := make([]byte, oldLen)
		if oldLen > 0 {
			if err := c.readStreamData(streamId, 0, data); err != nil {
				return err
			}
		}
		if err := c.MiniAlloc.FreeMiniChain(entry.StartingSector); err != nil {
			return err
		}
		start, err := c.Allocator.ResizeChain(END_OF_CHAIN, divRoundUp(newLen, sectorLen), SectorInitZero)
		if err != nil {
			return err
		}
		entry.StartingSector = start
		entry.StreamSize = newLen
		if len(data) > 0 {
			if err := c.writeStreamData(streamId, 0, data); err != nil {
				return err
			}
		}

	default:
		// Demote: the stream shrank below the cutoff; move it into the
		// mini pool.
		data := make([]byte, newLen)
		if newLen > 0 {
			if err := c.readStreamData(streamId, 0, data); err != nil {
				return err
			}
		}
		oldStart := entry.StartingSector
		start, err := c.MiniAlloc.ResizeMiniChain(END_OF_CHAIN, divRoundUp(newLen, miniLen))
		if err != nil {
			return err
		}
		if err := c.Allocator.FreeChain(oldStart); err != nil {
			return err
		}
		entry.StartingSector = start
		entry.StreamSize = newLen
		if len(data) > 0 {
			if err := c.writeStreamData(streamId, 0, data); err != nil {
				return err
			}
		}
	}

	c.Directory.dirty = true
	return nil
}

// zeroGrownTail clears the slack bytes of the former tail sector after a
// same-pool grow, so previously truncated content cannot resurface.
func (c *CompoundFile) zeroGrownTail(streamId uint32, oldLen, newLen, unit uint64) error {
	if newLen <= oldLen || oldLen == 0 || oldLen%unit == 0 {
		return nil
	}

	oldCap := uint64(divRoundUp(oldLen, unit)) * unit
	end := min(newLen, oldCap)
	if end <= oldLen {
		return nil
	}

	return c.writeStreamData(streamId, oldLen, make([]byte, end-oldLen))
}

// Flush persists every pending change: FAT pages first, then the mini-FAT,
// the directory, the DIFAT and finally the header. Mini-stream and stream
// content is written through at write time.
func (c *CompoundFile) Flush() error {
	if !c.writable {
		return nil
	}

	if err := c.Allocator.FlushFat(); err != nil {
		return err
	}
	if err := c.MiniAlloc.FlushDirty(); err != nil {
		return err
	}
	if err := c.Directory.FlushDirty(); err != nil {
		return err
	}
	if err := c.Allocator.FlushDifat(); err != nil {
		return err
	}

	numMinifatSectors, err := c.MiniAlloc.NumMinifatSectors()
	if err != nil {
		return err
	}

	h := c.Header
	h.NumDirSectors = c.Directory.NumSectors()
	h.NumFatSectors = uint32(len(c.Allocator.Difat))
	h.FirstDirSector = c.Directory.DirStartSector
	h.FirstMinifatSector = c.MiniAlloc.MinifatStartSector
	h.NumMinifatSectors = numMinifatSectors
	h.FirstDifatSector = c.Allocator.FirstDifatSector()
	h.NumDifatSectors = uint32(len(c.Allocator.DifatSectorIds))
	h.InitialDifatEntries = c.Allocator.HeaderDifatEntries()

	w, err := c.Sectors.SeekToHeader()
	if err != nil {
		return err
	}
	return h.writeTo(w)
}
