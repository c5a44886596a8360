package cfb

import (
	"fmt"
	"io"
)

const BUFFER_SIZE uint32 = 8192

// Stream is a random-access view over one stream entry's content. Reads go
// through an 8K buffer; writes go straight through to the backing sectors
// and invalidate the buffer. Only one mutable view per stream may be active
// at a time; resizing a stream through another view or handle invalidates
// this one.
type Stream struct {
	CompoundFile *CompoundFile

	StreamId        uint32
	TotalLen        uint64
	Buffer          []byte
	Position        uint64
	Cap             uint64
	OffsetFromStart uint64
}

func newStream(comp *CompoundFile, streamId uint32) *Stream {
	totalLen := comp.Directory.DirEntries[streamId].StreamSize
	return &Stream{
		CompoundFile: comp,

		StreamId:        streamId,
		TotalLen:        totalLen,
		Buffer:          make([]byte, BUFFER_SIZE),
		Position:        0,
		Cap:             0,
		OffsetFromStart: 0,
	}
}

// Len returns the stream length in bytes.
func (s *Stream) Len() uint64 {
	return s.TotalLen
}

func (s *Stream) CurrentPosition() uint64 {
	return s.OffsetFromStart + s.Position
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.Position >= s.Cap &&
		s.CurrentPosition() < s.TotalLen {
		s.OffsetFromStart += s.Position
		s.Position = 0

		filled, err := s.readDataFromStream()
		if err != nil {
			return 0, err
		}

		s.Cap = uint64(filled)
	}

	if s.Position >= s.Cap {
		return 0, io.EOF
	}

	numBytes := copy(p, s.Buffer[s.Position:s.Cap])
	s.Position += uint64(numBytes)

	return numBytes, nil
}

func (s *Stream) readDataFromStream() (int, error) {
	dirEntry := s.CompoundFile.Directory.DirEntries[s.StreamId]

	var numBytes int
	if s.OffsetFromStart >= dirEntry.StreamSize {
		numBytes = 0
	} else {
		remaining := dirEntry.StreamSize - s.OffsetFromStart
		if remaining < uint64(len(s.Buffer)) {
			numBytes = int(remaining)
		} else {
			numBytes = len(s.Buffer)
		}
	}

	if numBytes > 0 {
		if err := s.CompoundFile.readStreamData(s.StreamId, s.OffsetFromStart, s.Buffer[:numBytes]); err != nil {
			return 0, err
		}
	}

	return numBytes, nil
}

// Write stores p at the current position, extending the stream as needed.
// The entry's pool assignment (mini versus regular) is re-evaluated as the
// length changes.
func (s *Stream) Write(p []byte) (int, error) {
	if !s.CompoundFile.writable {
		return 0, ErrorReadOnly
	}
	if len(p) == 0 {
		return 0, nil
	}

	pos := s.CurrentPosition()
	newLen := pos + uint64(len(p))
	if newLen < s.TotalLen {
		newLen = s.TotalLen
	}

	if newLen != s.TotalLen {
		if err := s.CompoundFile.resizeStream(s.StreamId, newLen); err != nil {
			return 0, err
		}
		s.TotalLen = newLen
	}

	if err := s.CompoundFile.writeStreamData(s.StreamId, pos, p); err != nil {
		return 0, err
	}

	// Drop the read buffer; it may now be stale.
	s.OffsetFromStart = pos + uint64(len(p))
	s.Position = 0
	s.Cap = 0

	s.CompoundFile.touchModified(s.StreamId)
	return len(p), nil
}

// SetLen truncates or zero-extends the stream to n bytes, with immediate
// effect on pool assignment.
func (s *Stream) SetLen(n uint64) error {
	if !s.CompoundFile.writable {
		return ErrorReadOnly
	}

	if err := s.CompoundFile.resizeStream(s.StreamId, n); err != nil {
		return err
	}
	s.TotalLen = n

	if s.CurrentPosition() > n {
		s.OffsetFromStart = n
	}
	s.Position = 0
	s.Cap = 0

	s.CompoundFile.touchModified(s.StreamId)
	return nil
}

func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(s.CurrentPosition()) + offset
	case io.SeekEnd:
		pos = int64(s.TotalLen) + offset
	default:
		return 0, fmt.Errorf("invalid whence %v", whence)
	}

	if pos < 0 || pos > int64(s.TotalLen) {
		return 0, fmt.Errorf("invalid seek offset %v for stream of length %v", pos, s.TotalLen)
	}

	if uint64(pos) < s.OffsetFromStart || uint64(pos) > s.OffsetFromStart+s.Cap {
		s.OffsetFromStart = uint64(pos)
		s.Position = 0
		s.Cap = 0
	} else {
		s.Position = uint64(pos) - s.OffsetFromStart
	}

	return pos, nil
}

// Flush persists the compound file's pending metadata, including this
// stream's entry.
func (s *Stream) Flush() error {
	return s.CompoundFile.Flush()
}
