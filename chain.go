package cfb

import (
	"fmt"
	"io"
)

// Chain is a random-access view over a chain of regular sectors. The sector
// id list is resolved once at open; a chain must be reopened after the
// underlying allocation changes.
type Chain struct {
	Allocator       *Allocator
	SectorInit      SectorInit
	SectorIds       []uint32
	OffsetFromStart uint64
}

func NewChain(allocator *Allocator, startingSectorId uint32, init SectorInit) (*Chain, error) {
	sectorIds, err := allocator.walkChain(startingSectorId)
	if err != nil {
		return nil, err
	}

	return &Chain{
		Allocator:       allocator,
		SectorInit:      init,
		SectorIds:       sectorIds,
		OffsetFromStart: 0,
	}, nil
}

func (c *Chain) NumSectors() uint32 {
	return uint32(len(c.SectorIds))
}

func (c *Chain) Len() uint64 {
	return uint64(c.Allocator.Sectors.SectorLen()) * uint64(len(c.SectorIds))
}

func (c *Chain) Read(p []byte) (int, error) {
	totalLen := c.Len()
	remainingInChain := totalLen - c.OffsetFromStart
	maxLen := min(uint64(len(p)), remainingInChain)
	if maxLen == 0 {
		return 0, io.EOF
	}

	sectorLen := uint64(c.Allocator.Sectors.SectorLen())
	currentSectorIndex := uint32(c.OffsetFromStart / sectorLen)
	currentSectorId := c.SectorIds[currentSectorIndex]
	offsetWithinSector := c.OffsetFromStart % sectorLen

	sector, err := c.Allocator.SeekWithinSector(currentSectorId, int64(offsetWithinSector))
	if err != nil {
		return 0, err
	}

	bytesRead, err := sector.Read(p[:maxLen])
	if err != nil {
		return 0, err
	}

	c.OffsetFromStart += uint64(bytesRead)
	return bytesRead, nil
}

// ReadAll fills p completely, or up to the end of the chain.
func (c *Chain) ReadAll(p []byte) (int, error) {
	totalRead := 0
	for totalRead < len(p) {
		n, err := c.Read(p[totalRead:])
		totalRead += n
		if err == io.EOF {
			return totalRead, nil
		}
		if err != nil {
			return totalRead, err
		}
	}
	return totalRead, nil
}

// Write stores p at the current offset. The write must fit inside the
// chain's allocated sectors; callers resize first.
func (c *Chain) Write(p []byte) (int, error) {
	if c.OffsetFromStart+uint64(len(p)) > c.Len() {
		return 0, fmt.Errorf("write of %v bytes at offset %v exceeds chain length %v",
			len(p), c.OffsetFromStart, c.Len())
	}

	sectorLen := uint64(c.Allocator.Sectors.SectorLen())
	totalWritten := 0

	for totalWritten < len(p) {
		currentSectorIndex := uint32(c.OffsetFromStart / sectorLen)
		currentSectorId := c.SectorIds[currentSectorIndex]
		offsetWithinSector := c.OffsetFromStart % sectorLen

		sector, err := c.Allocator.SeekWithinSector(currentSectorId, int64(offsetWithinSector))
		if err != nil {
			return totalWritten, err
		}

		chunk := min(uint64(len(p)-totalWritten), sectorLen-offsetWithinSector)
		n, err := sector.Write(p[totalWritten : totalWritten+int(chunk)])
		if err != nil {
			return totalWritten, err
		}

		c.OffsetFromStart += uint64(n)
		totalWritten += n
	}

	return totalWritten, nil
}

func (c *Chain) Seek(offset int64, whence int) (int64, error) {
	length := c.Len()
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = int64(c.OffsetFromStart) + offset
	case io.SeekEnd:
		newOffset = int64(length) + offset
	}

	if newOffset < 0 || newOffset > int64(length) {
		return 0, fmt.Errorf("invalid offset %v", newOffset)
	}

	c.OffsetFromStart = uint64(newOffset)
	return int64(c.OffsetFromStart), nil
}

// IntoSubSector positions a view of the subSectorIndex'th block of
// subSectorLen bytes within the chain, at offsetWithin bytes into the block.
func (c *Chain) IntoSubSector(subSectorIndex uint32, subSectorLen int64, offsetWithin uint64) (*Sector, error) {
	subSectorPerSector := int64(c.Allocator.Sectors.SectorLen()) / subSectorLen
	sectorIndexWithinChain := subSectorIndex / uint32(subSectorPerSector)
	subSectorIndexWithinSector := subSectorIndex % uint32(subSectorPerSector)

	if sectorIndexWithinChain >= uint32(len(c.SectorIds)) {
		return nil, fmt.Errorf("sub sector %v is beyond the chain: %w", subSectorIndex, ErrorInvalidCFB)
	}
	sectorId := c.SectorIds[sectorIndexWithinChain]

	return c.Allocator.SeekWithinSubSector(sectorId, subSectorIndexWithinSector, subSectorLen, int64(offsetWithin))
}
