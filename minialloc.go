package cfb

import (
	"encoding/binary"
	"fmt"
)

// MiniAlloc owns the mini-FAT and the mapping of mini sectors onto the root
// entry's mini-stream. The mini-stream itself is a regular chain; extending
// the mini pool may therefore grow both the mini-FAT chain and the root's
// chain through the regular allocator.
type MiniAlloc struct {
	Directory          *Directory
	Minifat            []uint32
	MinifatStartSector uint32

	dirty bool
}

func NewMiniAlloc(d *Directory, minifat []uint32, minifatStartSector uint32) (*MiniAlloc, error) {
	alloc := MiniAlloc{
		Directory:          d,
		Minifat:            minifat,
		MinifatStartSector: minifatStartSector,
	}

	if err := alloc.Validate(); err != nil {
		return nil, err
	}

	return &alloc, nil
}

func (a *MiniAlloc) Validate() error {
	rootEntry := a.Directory.RootDirEntry()
	rootStreamMiniSectors := rootEntry.StreamSize / uint64(MINI_SECTOR_LEN)
	if rootStreamMiniSectors < uint64(len(a.Minifat)) {
		return fmt.Errorf("miniFAT has %v entries, but root stream has only %v mini sectors: %w",
			len(a.Minifat), rootStreamMiniSectors, ErrorInvalidCFB)
	}

	pointees := make(map[uint32]bool)
	for miniSectorIdx, miniSector := range a.Minifat {
		if miniSector <= MAX_REGULAR_SECTOR {
			if miniSector >= uint32(len(a.Minifat)) {
				return fmt.Errorf("miniFAT[%v] points to mini sector %v, but there are only %v mini sectors: %w",
					miniSectorIdx, miniSector, len(a.Minifat), ErrorInvalidCFB)
			}

			if pointees[miniSector] {
				return fmt.Errorf("mini sector %v pointed to twice: %w", miniSector, ErrorInvalidCFB)
			}

			pointees[miniSector] = true
		}
	}

	return nil
}

// Next reads the mini-FAT link for the given mini sector.
func (a *MiniAlloc) Next(index uint32) (uint32, error) {
	if index >= uint32(len(a.Minifat)) {
		return 0, fmt.Errorf("invalid mini chain index %v: %w", index, ErrorInvalidCFB)
	}

	nextId := a.Minifat[index]
	if nextId != END_OF_CHAIN &&
		(nextId > MAX_REGULAR_SECTOR || nextId >= uint32(len(a.Minifat))) {
		return 0, fmt.Errorf("invalid mini chain link %v at mini sector %v: %w", nextId, index, ErrorInvalidCFB)
	}

	return nextId, nil
}

func (a *MiniAlloc) OpenMiniChain(startingSectorId uint32) (*MiniChain, error) {
	return NewMiniChain(a, startingSectorId)
}

func (a *MiniAlloc) walkMiniChain(startingSectorId uint32) ([]uint32, error) {
	ids := make([]uint32, 0)
	seen := make(map[uint32]bool)
	current := startingSectorId

	for current != END_OF_CHAIN {
		if seen[current] {
			return nil, fmt.Errorf("mini chain contains duplicate mini sector id %v: %w", current, ErrorInvalidCFB)
		}
		seen[current] = true
		ids = append(ids, current)

		next, err := a.Next(current)
		if err != nil {
			return nil, err
		}
		current = next
	}

	return ids, nil
}

// SeekWithinMiniSector positions a 64-byte view of the given mini sector
// within the root's mini-stream.
func (a *MiniAlloc) SeekWithinMiniSector(miniSectorId uint32, offset uint64) (*Sector, error) {
	rootEntry := a.Directory.RootDirEntry()
	chain, err := a.Directory.Allocator.OpenChain(rootEntry.StartingSector, SectorInitZero)
	if err != nil {
		return nil, err
	}
	return chain.IntoSubSector(miniSectorId, int64(MINI_SECTOR_LEN), offset)
}

func (a *MiniAlloc) zeroMiniSector(miniSectorId uint32) error {
	sector, err := a.SeekWithinMiniSector(miniSectorId, 0)
	if err != nil {
		return err
	}
	_, err = sector.Write(make([]byte, MINI_SECTOR_LEN))
	return err
}

// ensureMiniStreamCapacity grows the root's mini-stream chain until it backs
// at least n mini sectors.
func (a *MiniAlloc) ensureMiniStreamCapacity(n uint32) error {
	rootEntry := a.Directory.RootDirEntry()
	allocator := a.Directory.Allocator
	sectorLen := uint64(allocator.Sectors.SectorLen())

	minisPerSector := uint32(sectorLen) / uint32(MINI_SECTOR_LEN)
	needed := (n + minisPerSector - 1) / minisPerSector

	chainIds, err := allocator.walkChain(rootEntry.StartingSector)
	if err != nil {
		return err
	}
	if uint32(len(chainIds)) >= needed {
		return nil
	}

	newStart, err := allocator.ResizeChain(rootEntry.StartingSector, needed, SectorInitZero)
	if err != nil {
		return err
	}
	rootEntry.StartingSector = newStart
	a.Directory.dirty = true
	return nil
}

// ensureMinifatCapacity grows the mini-FAT's own sector chain until it can
// hold at least n entries.
func (a *MiniAlloc) ensureMinifatCapacity(n uint32) error {
	allocator := a.Directory.Allocator
	per := uint32(allocator.Sectors.Version.FatEntriesPerSector())

	chainIds, err := allocator.walkChain(a.MinifatStartSector)
	if err != nil {
		return err
	}
	if uint32(len(chainIds))*per >= n {
		return nil
	}

	needed := (n + per - 1) / per
	newStart, err := allocator.ResizeChain(a.MinifatStartSector, needed, SectorInitFat)
	if err != nil {
		return err
	}
	a.MinifatStartSector = newStart
	a.dirty = true
	return nil
}

// Allocate claims one mini sector, first-fit, growing the mini-FAT and the
// mini-stream when every slot is taken. The claimed slot's link is
// END_OF_CHAIN and its 64 bytes are zeroed.
func (a *MiniAlloc) Allocate() (uint32, error) {
	for id, entry := range a.Minifat {
		if entry == FREE_SECTOR {
			a.Minifat[id] = END_OF_CHAIN
			a.dirty = true
			if err := a.zeroMiniSector(uint32(id)); err != nil {
				return 0, err
			}
			return uint32(id), nil
		}
	}

	id := uint32(len(a.Minifat))
	if err := a.ensureMinifatCapacity(id + 1); err != nil {
		return 0, err
	}
	if err := a.ensureMiniStreamCapacity(id + 1); err != nil {
		return 0, err
	}

	a.Minifat = append(a.Minifat, END_OF_CHAIN)
	a.dirty = true

	rootEntry := a.Directory.RootDirEntry()
	if rootEntry.StreamSize < uint64(len(a.Minifat))*uint64(MINI_SECTOR_LEN) {
		rootEntry.StreamSize = uint64(len(a.Minifat)) * uint64(MINI_SECTOR_LEN)
		a.Directory.dirty = true
	}

	if err := a.zeroMiniSector(id); err != nil {
		return 0, err
	}
	return id, nil
}

// ResizeMiniChain grows or shrinks a mini chain to numSectors mini sectors,
// returning the (possibly new) start.
func (a *MiniAlloc) ResizeMiniChain(startingSectorId uint32, numSectors uint32) (uint32, error) {
	ids, err := a.walkMiniChain(startingSectorId)
	if err != nil {
		return 0, err
	}

	if numSectors < uint32(len(ids)) {
		for _, id := range ids[numSectors:] {
			a.Minifat[id] = FREE_SECTOR
		}
		a.dirty = true
		if numSectors == 0 {
			return END_OF_CHAIN, nil
		}
		a.Minifat[ids[numSectors-1]] = END_OF_CHAIN
		return ids[0], nil
	}

	for uint32(len(ids)) < numSectors {
		id, err := a.Allocate()
		if err != nil {
			return 0, err
		}
		if len(ids) > 0 {
			a.Minifat[ids[len(ids)-1]] = id
		}
		ids = append(ids, id)
	}
	a.dirty = true

	if len(ids) == 0 {
		return END_OF_CHAIN, nil
	}
	return ids[0], nil
}

// FreeMiniChain releases every mini sector of the chain.
func (a *MiniAlloc) FreeMiniChain(startingSectorId uint32) error {
	_, err := a.ResizeMiniChain(startingSectorId, 0)
	return err
}

// NumMinifatSectors returns the length of the mini-FAT's own sector chain.
func (a *MiniAlloc) NumMinifatSectors() (uint32, error) {
	ids, err := a.Directory.Allocator.walkChain(a.MinifatStartSector)
	if err != nil {
		return 0, err
	}
	return uint32(len(ids)), nil
}

// FlushDirty writes the mini-FAT entries back into its sector chain.
func (a *MiniAlloc) FlushDirty() error {
	if !a.dirty {
		return nil
	}

	allocator := a.Directory.Allocator
	per := allocator.Sectors.Version.FatEntriesPerSector()
	buf := make([]byte, allocator.Sectors.SectorLen())

	chainIds, err := allocator.walkChain(a.MinifatStartSector)
	if err != nil {
		return err
	}

	for j, sectorId := range chainIds {
		for i := 0; i < per; i++ {
			entry := FREE_SECTOR
			idx := j*per + i
			if idx < len(a.Minifat) {
				entry = a.Minifat[idx]
			}
			binary.LittleEndian.PutUint32(buf[i*4:i*4+4], entry)
		}

		sector, err := allocator.SeekToSector(sectorId)
		if err != nil {
			return err
		}
		if _, err := sector.Write(buf); err != nil {
			return err
		}
	}

	a.dirty = false
	return nil
}
