package cfb

import (
	"fmt"
	"io"
)

// MiniChain is a random-access view over a chain of 64-byte mini sectors.
type MiniChain struct {
	MiniAlloc *MiniAlloc
	SectorIds []uint32
	Offset    uint64
}

func NewMiniChain(miniAlloc *MiniAlloc, startingSectorId uint32) (*MiniChain, error) {
	sectorIds, err := miniAlloc.walkMiniChain(startingSectorId)
	if err != nil {
		return nil, err
	}

	return &MiniChain{
		MiniAlloc: miniAlloc,
		SectorIds: sectorIds,
		Offset:    0,
	}, nil
}

func (c *MiniChain) NumSectors() uint32 {
	return uint32(len(c.SectorIds))
}

func (c *MiniChain) Len() uint64 {
	return uint64(MINI_SECTOR_LEN) * uint64(len(c.SectorIds))
}

func (c *MiniChain) Read(p []byte) (n int, err error) {
	totalLen := c.Len()
	remainingInChain := totalLen - c.Offset
	maxLen := min(uint64(len(p)), remainingInChain)
	if maxLen == 0 {
		return 0, io.EOF
	}

	sectorLen := uint64(MINI_SECTOR_LEN)
	currentSectorIndex := uint32(c.Offset / sectorLen)
	currentSectorId := c.SectorIds[currentSectorIndex]
	offsetWithinSector := c.Offset % sectorLen

	sector, err := c.MiniAlloc.SeekWithinMiniSector(currentSectorId, offsetWithinSector)
	if err != nil {
		return 0, err
	}

	bytesRead, err := sector.Read(p[:maxLen])
	if err != nil {
		return 0, err
	}

	c.Offset += uint64(bytesRead)

	return bytesRead, nil
}

// ReadAll fills p completely, or up to the end of the chain.
func (c *MiniChain) ReadAll(p []byte) (int, error) {
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

// Write stores p at the current offset; the write must fit inside the
// chain's allocated mini sectors.
func (c *MiniChain) Write(p []byte) (int, error) {
	if c.Offset+uint64(len(p)) > c.Len() {
		return 0, fmt.Errorf("write of %v bytes at offset %v exceeds mini chain length %v",
			len(p), c.Offset, c.Len())
	}

	sectorLen := uint64(MINI_SECTOR_LEN)
	totalWritten := 0

	for totalWritten < len(p) {
		currentSectorIndex := uint32(c.Offset / sectorLen)
		currentSectorId := c.SectorIds[currentSectorIndex]
		offsetWithinSector := c.Offset % sectorLen

		sector, err := c.MiniAlloc.SeekWithinMiniSector(currentSectorId, offsetWithinSector)
		if err != nil {
			return totalWritten, err
		}

		chunk := min(uint64(len(p)-totalWritten), sectorLen-offsetWithinSector)
		n, err := sector.Write(p[totalWritten : totalWritten+int(chunk)])
		if err != nil {
			return totalWritten, err
		}

		c.Offset += uint64(n)
		totalWritten += n
	}

	return totalWritten, nil
}

func (c *MiniChain) Seek(offset int64, whence int) (int64, error) {
	length := c.Len()
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = int64(c.Offset) + offset
	case io.SeekEnd:
		newOffset = int64(length) + offset
	}

	if newOffset < 0 || newOffset > int64(length) {
		return 0, fmt.Errorf("invalid offset %v", newOffset)
	}

	c.Offset = uint64(newOffset)
	return int64(c.Offset), nil
}
