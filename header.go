package cfb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type Header struct {
	Version            Version
	NumDirSectors      uint32
	NumFatSectors      uint32
	FirstDirSector     uint32
	FirstMinifatSector uint32
	NumMinifatSectors  uint32
	FirstDifatSector   uint32
	NumDifatSectors    uint32

	InitialDifatEntries []uint32
}

const (
	reservedAfterMagicNumber = 16
	reservedAfterMiniShift   = 6
)

func NewHeader(version Version) *Header {
	return &Header{
		Version:            version,
		FirstDirSector:     END_OF_CHAIN,
		FirstMinifatSector: END_OF_CHAIN,
		FirstDifatSector:   END_OF_CHAIN,
	}
}

// HeaderReserve returns the number of bytes the header occupies on disk;
// sector 0 starts immediately after it.
func (h *Header) HeaderReserve() int {
	if h.Version.SectorLen() > HEADER_LEN {
		return h.Version.SectorLen()
	}
	return HEADER_LEN
}

func (h *Header) readFrom(reader io.ReadSeeker, validation Validation) error {
	magicPart := make([]byte, len(MAGIC_NUMBER))
	if _, err := io.ReadFull(reader, magicPart); err != nil {
		return err
	}

	if !bytes.Equal(magicPart, MAGIC_NUMBER) {
		return fmt.Errorf("incorrect magic number: %w", ErrorInvalidCFB)
	}

	// seek reserved field
	if _, err := reader.Seek(reservedAfterMagicNumber, io.SeekCurrent); err != nil {
		return err
	}

	var minorVersion uint16
	if err := binary.Read(reader, binary.LittleEndian, &minorVersion); err != nil {
		return err
	}

	var versionNumber uint16
	if err := binary.Read(reader, binary.LittleEndian, &versionNumber); err != nil {
		return err
	}

	var byteOrderMark uint16
	if err := binary.Read(reader, binary.LittleEndian, &byteOrderMark); err != nil {
		return err
	}

	if byteOrderMark != BYTE_ORDER_MARK {
		return fmt.Errorf("invalid CFB byte order mark (expected 0x%04X, found 0x%04X): %w",
			BYTE_ORDER_MARK, byteOrderMark, ErrorInvalidCFB)
	}

	version, err := VersionNumber(versionNumber)
	if err != nil {
		return err
	}
	h.Version = version

	var sectorShift uint16
	if err := binary.Read(reader, binary.LittleEndian, &sectorShift); err != nil {
		return err
	}
	if sectorShift != version.SectorShift() {
		return fmt.Errorf("incorrect sector shift for CFB version %v (expected %v, found %v): %w",
			version, version.SectorShift(), sectorShift, ErrorInvalidCFB)
	}

	var miniSectorShift uint16
	if err := binary.Read(reader, binary.LittleEndian, &miniSectorShift); err != nil {
		return err
	}
	if miniSectorShift != MINI_SECTOR_SHIFT {
		return fmt.Errorf("incorrect mini sector shift (expected %v, found %v): %w",
			MINI_SECTOR_SHIFT, miniSectorShift, ErrorInvalidCFB)
	}

	// seek reserved field
	if _, err := reader.Seek(reservedAfterMiniShift, io.SeekCurrent); err != nil {
		return err
	}

	var transactionSign uint32

	if err := binary.Read(reader, binary.LittleEndian, &h.NumDirSectors); err != nil {
		return err
	}

	if version == V3 && h.NumDirSectors != 0 {
		return fmt.Errorf("version 3 header has nonzero directory sector count %v: %w",
			h.NumDirSectors, ErrorInvalidCFB)
	}

	if err := binary.Read(reader, binary.LittleEndian, &h.NumFatSectors); err != nil {
		return err
	}

	if err := binary.Read(reader, binary.LittleEndian, &h.FirstDirSector); err != nil {
		return err
	}

	if err := binary.Read(reader, binary.LittleEndian, &transactionSign); err != nil {
		return err
	}

	var miniStreamCutoff uint32
	if err := binary.Read(reader, binary.LittleEndian, &miniStreamCutoff); err != nil {
		return err
	}
	if miniStreamCutoff != MINI_STREAM_CUTOFF {
		return fmt.Errorf("incorrect mini stream cutoff (expected %v, found %v): %w",
			MINI_STREAM_CUTOFF, miniStreamCutoff, ErrorInvalidCFB)
	}

	if err := binary.Read(reader, binary.LittleEndian, &h.FirstMinifatSector); err != nil {
		return err
	}

	if err := binary.Read(reader, binary.LittleEndian, &h.NumMinifatSectors); err != nil {
		return err
	}

	if err := binary.Read(reader, binary.LittleEndian, &h.FirstDifatSector); err != nil {
		return err
	}

	if err := binary.Read(reader, binary.LittleEndian, &h.NumDifatSectors); err != nil {
		return err
	}

	// Some CFB implementations use FREE_SECTOR to indicate END_OF_CHAIN.
	if h.FirstDifatSector == FREE_SECTOR {
		h.FirstDifatSector = END_OF_CHAIN
	}
	if h.FirstMinifatSector == FREE_SECTOR {
		h.FirstMinifatSector = END_OF_CHAIN
	}

	h.InitialDifatEntries = make([]uint32, 0, NUM_DIFAT_ENTRIES_IN_HEADER)
	for i := 0; i < NUM_DIFAT_ENTRIES_IN_HEADER; i++ {
		var entry uint32
		if err := binary.Read(reader, binary.LittleEndian, &entry); err != nil {
			return err
		}
		h.InitialDifatEntries = append(h.InitialDifatEntries, entry)
	}
	for i := len(h.InitialDifatEntries) - 1; i >= 0; i-- {
		if h.InitialDifatEntries[i] != FREE_SECTOR {
			break
		}
		h.InitialDifatEntries = h.InitialDifatEntries[:i]
	}

	// The version 4 header is padded out to a full 4096-byte sector.
	if version == V4 && validation.IsStrict() {
		tail := make([]byte, h.HeaderReserve()-HEADER_LEN)
		if _, err := io.ReadFull(reader, tail); err != nil {
			return fmt.Errorf("version 4 header tail is missing: %w", ErrorInvalidCFB)
		}
		for _, b := range tail {
			if b != 0 {
				return fmt.Errorf("version 4 header tail is not zeroed: %w", ErrorInvalidCFB)
			}
		}
	}

	return nil
}

// writeTo serializes the full header reserve (512 bytes for version 3, 4096
// for version 4, tail zeroed).
func (h *Header) writeTo(writer io.Writer) error {
	buf := make([]byte, h.HeaderReserve())

	copy(buf[0:8], MAGIC_NUMBER)
	// bytes 8..24 reserved (CLSID of root, always zero)
	binary.LittleEndian.PutUint16(buf[24:26], MINOR_VERSION)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(h.Version))
	binary.LittleEndian.PutUint16(buf[28:30], BYTE_ORDER_MARK)
	binary.LittleEndian.PutUint16(buf[30:32], h.Version.SectorShift())
	binary.LittleEndian.PutUint16(buf[32:34], MINI_SECTOR_SHIFT)
	// bytes 34..40 reserved
	if h.Version == V4 {
		binary.LittleEndian.PutUint32(buf[40:44], h.NumDirSectors)
	}
	binary.LittleEndian.PutUint32(buf[44:48], h.NumFatSectors)
	binary.LittleEndian.PutUint32(buf[48:52], h.FirstDirSector)
	// bytes 52..56: transaction signature, always zero
	binary.LittleEndian.PutUint32(buf[56:60], MINI_STREAM_CUTOFF)
	binary.LittleEndian.PutUint32(buf[60:64], h.FirstMinifatSector)
	binary.LittleEndian.PutUint32(buf[64:68], h.NumMinifatSectors)
	binary.LittleEndian.PutUint32(buf[68:72], h.FirstDifatSector)
	binary.LittleEndian.PutUint32(buf[72:76], h.NumDifatSectors)

	for i := 0; i < NUM_DIFAT_ENTRIES_IN_HEADER; i++ {
		entry := FREE_SECTOR
		if i < len(h.InitialDifatEntries) {
			entry = h.InitialDifatEntries[i]
		}
		binary.LittleEndian.PutUint32(buf[76+i*4:80+i*4], entry)
	}

	_, err := writer.Write(buf)
	return err
}
