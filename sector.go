package cfb

import (
	"fmt"
	"io"
)

// SectorInit selects the byte pattern a freshly materialized sector gets
// before anything else is stored in it.
type SectorInit int

const (
	SectorInitZero SectorInit = iota
	SectorInitFat
	SectorInitDifat
	SectorInitDir
)

// Fill writes the init pattern into buf. FAT and DIFAT sectors start out as
// all FREE_SECTOR entries; data and directory sectors start out zeroed.
func (s SectorInit) Fill(buf []byte) {
	switch s {
	case SectorInitFat, SectorInitDifat:
		for i := range buf {
			buf[i] = 0xff
		}
	default:
		for i := range buf {
			buf[i] = 0
		}
	}
}

// Sectors addresses the backing medium in sector units. Sector 0 starts
// immediately after the header reserve. The writer is nil for read-only
// handles.
type Sectors struct {
	Version    Version
	NumSectors uint32

	inner io.ReadSeeker
	w     io.WriteSeeker
}

// Sector is a view of one sector (or an aligned sub-sector) positioned at
// Offset. The underlying medium is already seeked to the view's position.
type Sector struct {
	SectorLen int64
	Offset    int64

	reader io.Reader
	writer io.Writer
}

func NewSectors(v Version, bufferLength int64, reader io.ReadSeeker, writer io.WriteSeeker) *Sectors {
	sectorLen := v.SectorLen()
	numSectors := (bufferLength + int64(sectorLen) - 1) / int64(sectorLen)
	if numSectors > 0 {
		numSectors--
	}

	return &Sectors{
		Version:    v,
		NumSectors: uint32(numSectors),
		inner:      reader,
		w:          writer,
	}
}

func (s *Sectors) SectorLen() int {
	return s.Version.SectorLen()
}

func (s *Sectors) Writable() bool {
	return s.w != nil
}

func (s *Sectors) sectorOffset(sectorId uint32) int64 {
	return int64(sectorId+1) * int64(s.SectorLen())
}

func (s *Sectors) SeekToSector(sectorId uint32) (*Sector, error) {
	return s.SeekWithinSector(sectorId, 0)
}

func (s *Sectors) SeekWithinSector(sectorId uint32, offset int64) (*Sector, error) {
	if sectorId >= s.NumSectors {
		return nil, fmt.Errorf("tried to seek to sector %v, but sector count is only %v: %w",
			sectorId, s.NumSectors, ErrorInvalidCFB)
	}

	if _, err := s.inner.Seek(s.sectorOffset(sectorId)+offset, io.SeekStart); err != nil {
		return nil, err
	}

	sector := &Sector{
		SectorLen: int64(s.SectorLen()),
		Offset:    offset,
		reader:    s.inner,
	}
	if s.w != nil {
		sector.writer = s.w
	}
	return sector, nil
}

// SeekWithinSubSector positions a view of the subSectorIndex'th sub-block of
// subLen bytes within the given sector.
func (s *Sectors) SeekWithinSubSector(sectorId uint32, subSectorIndex uint32, subLen int64, offset int64) (*Sector, error) {
	if sectorId >= s.NumSectors {
		return nil, fmt.Errorf("tried to seek to sector %v, but sector count is only %v: %w",
			sectorId, s.NumSectors, ErrorInvalidCFB)
	}

	pos := s.sectorOffset(sectorId) + int64(subSectorIndex)*subLen + offset
	if _, err := s.inner.Seek(pos, io.SeekStart); err != nil {
		return nil, err
	}

	sector := &Sector{
		SectorLen: subLen,
		Offset:    offset,
		reader:    s.inner,
	}
	if s.w != nil {
		sector.writer = s.w
	}
	return sector, nil
}

// InitSector overwrites the whole sector with the init pattern.
func (s *Sectors) InitSector(sectorId uint32, init SectorInit) error {
	if s.w == nil {
		return ErrorReadOnly
	}
	if sectorId >= s.NumSectors {
		return fmt.Errorf("tried to init sector %v, but sector count is only %v: %w",
			sectorId, s.NumSectors, ErrorInvalidCFB)
	}

	buf := make([]byte, s.SectorLen())
	init.Fill(buf)

	if _, err := s.w.Seek(s.sectorOffset(sectorId), io.SeekStart); err != nil {
		return err
	}
	_, err := s.w.Write(buf)
	return err
}

// ExtendTo grows the file to hold n sectors, writing the init pattern into
// each new one. A no-op when the file is already that large.
func (s *Sectors) ExtendTo(n uint32, init SectorInit) error {
	if n <= s.NumSectors {
		return nil
	}
	if s.w == nil {
		return ErrorReadOnly
	}

	buf := make([]byte, s.SectorLen())
	init.Fill(buf)

	for s.NumSectors < n {
		if _, err := s.w.Seek(s.sectorOffset(s.NumSectors), io.SeekStart); err != nil {
			return err
		}
		if _, err := s.w.Write(buf); err != nil {
			return err
		}
		s.NumSectors++
	}
	return nil
}

// SeekToHeader positions the writer at the start of the file.
func (s *Sectors) SeekToHeader() (io.Writer, error) {
	if s.w == nil {
		return nil, ErrorReadOnly
	}
	if _, err := s.w.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s.w, nil
}

func (s *Sector) Remaining() int64 {
	return s.SectorLen - s.Offset
}

func (s *Sector) Read(p []byte) (int, error) {
	maxLen := min(uint64(len(p)), uint64(s.Remaining()))
	if maxLen == 0 {
		return 0, io.EOF
	}

	bytesRead, err := s.reader.Read(p[:maxLen])
	if err != nil {
		return 0, err
	}

	s.Offset += int64(bytesRead)
	return bytesRead, nil
}

func (s *Sector) Write(p []byte) (int, error) {
	if s.writer == nil {
		return 0, ErrorReadOnly
	}

	maxLen := min(uint64(len(p)), uint64(s.Remaining()))
	if maxLen < uint64(len(p)) {
		return 0, fmt.Errorf("write of %v bytes does not fit in sector (remaining %v)", len(p), s.Remaining())
	}
	if maxLen == 0 {
		return 0, nil
	}

	bytesWritten, err := s.writer.Write(p[:maxLen])
	if err != nil {
		return bytesWritten, err
	}

	s.Offset += int64(bytesWritten)
	return bytesWritten, nil
}
