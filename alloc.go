package cfb

import (
	"encoding/binary"
	"fmt"
)

// Allocator owns the FAT and the DIFAT. The FAT is kept in memory as a flat
// slice with one entry per sector in the file; modified pages are written
// back on flush.
type Allocator struct {
	Sectors        *Sectors
	DifatSectorIds []uint32
	Difat          []uint32
	Fat            []uint32
	Validation     Validation

	dirtyPages map[uint32]bool
	difatDirty bool
}

func NewAllocator(sectors *Sectors, difatSectorIds []uint32, difat []uint32, fat []uint32, validation Validation) (*Allocator, error) {
	alloc := Allocator{
		Sectors:        sectors,
		DifatSectorIds: difatSectorIds,
		Difat:          difat,
		Fat:            fat,
		Validation:     validation,
		dirtyPages:     make(map[uint32]bool),
	}

	if err := alloc.Validate(); err != nil {
		return nil, err
	}

	return &alloc, nil
}

func (a *Allocator) entriesPerFatSector() uint32 {
	return uint32(a.Sectors.Version.FatEntriesPerSector())
}

func (a *Allocator) fatCapacity() uint32 {
	return uint32(len(a.Difat)) * a.entriesPerFatSector()
}

func (a *Allocator) difatCapacity() uint32 {
	return uint32(NUM_DIFAT_ENTRIES_IN_HEADER) +
		uint32(len(a.DifatSectorIds))*(a.entriesPerFatSector()-1)
}

// Next reads the chain link stored for the given sector.
func (a *Allocator) Next(index uint32) (uint32, error) {
	if index >= uint32(len(a.Fat)) {
		return 0, fmt.Errorf("invalid chain index %v: %w", index, ErrorInvalidCFB)
	}

	nextId := a.Fat[index]
	if nextId != END_OF_CHAIN && (nextId > MAX_REGULAR_SECTOR || nextId >= uint32(len(a.Fat))) {
		return 0, fmt.Errorf("invalid chain link %v at sector %v: %w", nextId, index, ErrorInvalidCFB)
	}

	return nextId, nil
}

func (a *Allocator) setFat(index uint32, value uint32) {
	a.Fat[index] = value
	a.markFatDirty(index)
}

func (a *Allocator) markFatDirty(index uint32) {
	a.dirtyPages[index/a.entriesPerFatSector()] = true
}

func (a *Allocator) Validate() error {
	if len(a.Fat) > int(a.Sectors.NumSectors) {
		return fmt.Errorf("fat has %v entries, but file has %v: %w",
			len(a.Fat), a.Sectors.NumSectors, ErrorInvalidCFB)
	}

	for _, difatSector := range a.DifatSectorIds {
		if difatSector >= uint32(len(a.Fat)) {
			return fmt.Errorf("invalid FAT has %v entries, but DIFAT lists %v as a DIFAT sector: %w",
				len(a.Fat), difatSector, ErrorInvalidCFB)
		}

		if a.Fat[difatSector] != DIFAT_SECTOR {
			if a.Validation.IsStrict() {
				return fmt.Errorf("invalid DIFAT sector %v is not marked as such in the FAT: %w",
					difatSector, ErrorInvalidCFB)
			}
			a.Fat[difatSector] = DIFAT_SECTOR
		}
	}

	for _, fatSector := range a.Difat {
		if fatSector >= uint32(len(a.Fat)) {
			return fmt.Errorf("invalid FAT has %v entries, but DIFAT lists %v as a FAT sector: %w",
				len(a.Fat), fatSector, ErrorInvalidCFB)
		}

		if a.Fat[fatSector] != FAT_SECTOR {
			if a.Validation.IsStrict() {
				return fmt.Errorf("invalid FAT sector %v is not marked as such in the FAT: %w",
					fatSector, ErrorInvalidCFB)
			}
			a.Fat[fatSector] = FAT_SECTOR
		}
	}

	pointees := make(map[uint32]bool)
	for fatIdx, fat := range a.Fat {
		if fat <= MAX_REGULAR_SECTOR {
			if fat >= uint32(len(a.Fat)) {
				return fmt.Errorf("invalid FAT entry %v points to sector %v, but file has only %v sectors: %w",
					fatIdx, fat, len(a.Fat), ErrorInvalidCFB)
			}
			if pointees[fat] {
				return fmt.Errorf("invalid FAT entry %v points to sector %v, which is already pointed to by another FAT entry: %w",
					fatIdx, fat, ErrorInvalidCFB)
			}
			pointees[fat] = true
		} else if fat == INVALID_SECTOR {
			return fmt.Errorf("invalid FAT entry %v holds reserved value %v: %w", fatIdx, fat, ErrorInvalidCFB)
		}
	}

	return nil
}

func (a *Allocator) SeekToSector(sectorId uint32) (*Sector, error) {
	return a.Sectors.SeekToSector(sectorId)
}

func (a *Allocator) SeekWithinSector(sectorId uint32, offset int64) (*Sector, error) {
	return a.Sectors.SeekWithinSector(sectorId, offset)
}

func (a *Allocator) SeekWithinSubSector(sectorId uint32, subSectorIndex uint32, subLen int64, offset int64) (*Sector, error) {
	return a.Sectors.SeekWithinSubSector(sectorId, subSectorIndex, subLen, offset)
}

func (a *Allocator) OpenChain(startingSectorId uint32, init SectorInit) (*Chain, error) {
	return NewChain(a, startingSectorId, init)
}

// walkChain collects the sector ids of a chain, guarding against cycles.
func (a *Allocator) walkChain(startingSectorId uint32) ([]uint32, error) {
	ids := make([]uint32, 0)
	seen := make(map[uint32]bool)
	current := startingSectorId

	for current != END_OF_CHAIN {
		if seen[current] {
			return nil, fmt.Errorf("chain contains duplicate sector id %v: %w", current, ErrorInvalidCFB)
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

// ensureFatCapacity grows the FAT (and, when its header slots run out, the
// DIFAT) until it can describe at least n sectors. New FAT pages are marked
// FAT_SECTOR and new DIFAT sectors DIFAT_SECTOR in the FAT itself, after the
// page they land in exists.
func (a *Allocator) ensureFatCapacity(n uint32) error {
	for {
		n = maxU32(n, uint32(len(a.Fat)))
		if a.fatCapacity() >= n {
			return nil
		}

		if a.difatCapacity() < uint32(len(a.Difat))+1 {
			// No room left to register another FAT page; chain on a new
			// DIFAT sector first.
			id := uint32(len(a.Fat))
			a.Fat = append(a.Fat, DIFAT_SECTOR)
			if err := a.Sectors.ExtendTo(uint32(len(a.Fat)), SectorInitDifat); err != nil {
				return err
			}
			a.DifatSectorIds = append(a.DifatSectorIds, id)
			a.markFatDirty(id)
			a.difatDirty = true
			continue
		}

		id := uint32(len(a.Fat))
		a.Fat = append(a.Fat, FAT_SECTOR)
		if err := a.Sectors.ExtendTo(uint32(len(a.Fat)), SectorInitFat); err != nil {
			return err
		}
		a.Difat = append(a.Difat, id)
		a.markFatDirty(id)
		a.difatDirty = true
	}
}

// extend appends one sector at the file tail and returns its id; the new
// sector's FAT entry is FREE_SECTOR.
func (a *Allocator) extend(init SectorInit) (uint32, error) {
	if err := a.ensureFatCapacity(uint32(len(a.Fat)) + 1); err != nil {
		return 0, err
	}

	id := uint32(len(a.Fat))
	a.Fat = append(a.Fat, FREE_SECTOR)
	a.markFatDirty(id)
	if err := a.Sectors.ExtendTo(uint32(len(a.Fat)), init); err != nil {
		return 0, err
	}
	return id, nil
}

// Allocate claims one sector, first-fit from sector 0, extending the file
// when no free sector exists. The claimed sector's FAT entry is END_OF_CHAIN
// and its content is the init pattern.
func (a *Allocator) Allocate(init SectorInit) (uint32, error) {
	for id, entry := range a.Fat {
		if entry == FREE_SECTOR {
			a.setFat(uint32(id), END_OF_CHAIN)
			if err := a.Sectors.InitSector(uint32(id), init); err != nil {
				return 0, err
			}
			return uint32(id), nil
		}
	}

	id, err := a.extend(init)
	if err != nil {
		return 0, err
	}
	a.setFat(id, END_OF_CHAIN)
	if err := a.Sectors.InitSector(id, init); err != nil {
		return 0, err
	}
	return id, nil
}

// ResizeChain grows or shrinks the chain starting at startingSectorId to
// numSectors sectors, returning the (possibly new) start. Freed slots become
// FREE_SECTOR; appended sectors carry the init pattern.
func (a *Allocator) ResizeChain(startingSectorId uint32, numSectors uint32, init SectorInit) (uint32, error) {
	ids, err := a.walkChain(startingSectorId)
	if err != nil {
		return 0, err
	}

	if numSectors < uint32(len(ids)) {
		for _, id := range ids[numSectors:] {
			a.setFat(id, FREE_SECTOR)
		}
		if numSectors == 0 {
			return END_OF_CHAIN, nil
		}
		a.setFat(ids[numSectors-1], END_OF_CHAIN)
		return ids[0], nil
	}

	for uint32(len(ids)) < numSectors {
		id, err := a.Allocate(init)
		if err != nil {
			return 0, err
		}
		if len(ids) > 0 {
			a.setFat(ids[len(ids)-1], id)
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return END_OF_CHAIN, nil
	}
	return ids[0], nil
}

// FreeChain releases every sector of the chain.
func (a *Allocator) FreeChain(startingSectorId uint32) error {
	_, err := a.ResizeChain(startingSectorId, 0, SectorInitZero)
	return err
}

// FlushFat writes back every modified FAT page.
func (a *Allocator) FlushFat() error {
	per := a.entriesPerFatSector()
	buf := make([]byte, a.Sectors.SectorLen())

	for page := range a.dirtyPages {
		if page >= uint32(len(a.Difat)) {
			// Page beyond the registered FAT sectors: every entry it would
			// hold is free, nothing to persist.
			continue
		}

		for i := uint32(0); i < per; i++ {
			entry := FREE_SECTOR
			idx := page*per + i
			if idx < uint32(len(a.Fat)) {
				entry = a.Fat[idx]
			}
			binary.LittleEndian.PutUint32(buf[i*4:i*4+4], entry)
		}

		sector, err := a.SeekToSector(a.Difat[page])
		if err != nil {
			return err
		}
		if _, err := sector.Write(buf); err != nil {
			return err
		}
	}

	a.dirtyPages = make(map[uint32]bool)
	return nil
}

// FlushDifat writes back the DIFAT continuation sectors when they changed.
// The header's 109 entries are the caller's concern.
func (a *Allocator) FlushDifat() error {
	if !a.difatDirty {
		return nil
	}

	per := a.entriesPerFatSector()
	buf := make([]byte, a.Sectors.SectorLen())

	for j, difatSectorId := range a.DifatSectorIds {
		base := NUM_DIFAT_ENTRIES_IN_HEADER + j*int(per-1)
		for i := 0; i < int(per-1); i++ {
			entry := FREE_SECTOR
			if base+i < len(a.Difat) {
				entry = a.Difat[base+i]
			}
			binary.LittleEndian.PutUint32(buf[i*4:i*4+4], entry)
		}

		next := END_OF_CHAIN
		if j+1 < len(a.DifatSectorIds) {
			next = a.DifatSectorIds[j+1]
		}
		binary.LittleEndian.PutUint32(buf[(per-1)*4:per*4], next)

		sector, err := a.SeekToSector(difatSectorId)
		if err != nil {
			return err
		}
		if _, err := sector.Write(buf); err != nil {
			return err
		}
	}

	a.difatDirty = false
	return nil
}

// FirstDifatSector returns the header-level start of the DIFAT chain.
func (a *Allocator) FirstDifatSector() uint32 {
	if len(a.DifatSectorIds) == 0 {
		return END_OF_CHAIN
	}
	return a.DifatSectorIds[0]
}

// HeaderDifatEntries returns the FAT-page list that belongs in the header.
func (a *Allocator) HeaderDifatEntries() []uint32 {
	if len(a.Difat) <= NUM_DIFAT_ENTRIES_IN_HEADER {
		return a.Difat
	}
	return a.Difat[:NUM_DIFAT_ENTRIES_IN_HEADER]
}
