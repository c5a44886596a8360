package cfb

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// utf16le codes directory entry names, which are stored as NUL-terminated
// UTF-16LE in a fixed 64-byte field.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Windows FILETIME counts 100ns ticks since 1601-01-01; this is the offset
// to the Unix epoch in seconds.
const filetimeUnixEpochDelta uint64 = 11644473600

func filetimeNow() uint64 {
	return FiletimeFromTime(time.Now())
}

func FiletimeFromTime(t time.Time) uint64 {
	return (uint64(t.Unix()) + filetimeUnixEpochDelta) * 10000000
}

func TimeFromFiletime(ft uint64) time.Time {
	secs := int64(ft/10000000) - int64(filetimeUnixEpochDelta)
	nanos := int64(ft%10000000) * 100
	return time.Unix(secs, nanos).UTC()
}

type DirEntry struct {
	Name           string
	ObjType        ObjectType
	Color          Color
	LeftSibling    uint32
	RightSibling   uint32
	Child          uint32
	CLSID          [16]byte
	StateBits      uint32
	CreationTime   uint64
	ModifiedTime   uint64
	StartingSector uint32
	StreamSize     uint64
}

func NewDirEntry(name string, objType ObjectType, timestamp uint64) *DirEntry {
	dir := DirEntry{
		Name:         name,
		ObjType:      objType,
		Color:        Black,
		LeftSibling:  NO_STREAM,
		RightSibling: NO_STREAM,
		Child:        NO_STREAM,
		CLSID:        [16]byte{},
		StateBits:    0,
		CreationTime: timestamp,
		ModifiedTime: timestamp,
		StreamSize:   0,
	}
	if objType == ObjStorage {
		dir.StartingSector = 0
	} else {
		dir.StartingSector = END_OF_CHAIN
	}

	return &dir
}

// NewEmptyDirEntry returns the in-memory form of an unallocated directory
// slot.
func NewEmptyDirEntry() *DirEntry {
	return &DirEntry{
		ObjType:      ObjUnallocated,
		Color:        Black,
		LeftSibling:  NO_STREAM,
		RightSibling: NO_STREAM,
		Child:        NO_STREAM,
	}
}

func (d *DirEntry) IsAllocated() bool {
	return d.ObjType != ObjUnallocated
}

// encodeName returns the UTF-16LE bytes of name, without a terminator.
func encodeName(name string) ([]byte, error) {
	raw, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: name is not valid UTF-8: %v", ErrorInvalidName, name)
	}
	return raw, nil
}

func decodeName(raw []byte) (string, error) {
	decoded, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("malformed directory entry name: %w", ErrorInvalidCFB)
	}
	return string(decoded), nil
}

// ReadDirEntry decodes one 128-byte directory record. Unallocated slots come
// back as empty entries regardless of their remaining bytes.
func ReadDirEntry(buf []byte, version Version, validation Validation) (*DirEntry, error) {
	if len(buf) < DIR_ENTRY_LEN {
		return nil, fmt.Errorf("short directory entry: %w", ErrorInvalidCFB)
	}

	objType := ObjectFromByte(buf[66])
	if buf[66] != OBJ_TYPE_UNALLOCATED && buf[66] != OBJ_TYPE_STORAGE &&
		buf[66] != OBJ_TYPE_STREAM && buf[66] != OBJ_TYPE_ROOT {
		return nil, fmt.Errorf("invalid object type %v: %w", buf[66], ErrorInvalidCFB)
	}

	if objType == ObjUnallocated {
		return NewEmptyDirEntry(), nil
	}

	nameLen := binary.LittleEndian.Uint16(buf[64:66])
	if nameLen > 64 || nameLen%2 != 0 {
		return nil, fmt.Errorf("invalid directory entry name length %v: %w", nameLen, ErrorInvalidCFB)
	}

	var name string
	if nameLen >= 2 {
		var err error
		name, err = decodeName(buf[:nameLen-2])
		if err != nil {
			return nil, err
		}
	}

	color := ColorFromByte(buf[67])
	if color < 0 {
		if validation.IsStrict() {
			return nil, fmt.Errorf("invalid directory entry color %v: %w", buf[67], ErrorInvalidCFB)
		}
		color = Black
	}

	entry := &DirEntry{
		Name:           name,
		ObjType:        objType,
		Color:          color,
		LeftSibling:    binary.LittleEndian.Uint32(buf[68:72]),
		RightSibling:   binary.LittleEndian.Uint32(buf[72:76]),
		Child:          binary.LittleEndian.Uint32(buf[76:80]),
		StateBits:      binary.LittleEndian.Uint32(buf[96:100]),
		CreationTime:   binary.LittleEndian.Uint64(buf[100:108]),
		ModifiedTime:   binary.LittleEndian.Uint64(buf[108:116]),
		StartingSector: binary.LittleEndian.Uint32(buf[116:120]),
		StreamSize:     binary.LittleEndian.Uint64(buf[120:128]) & version.SectorLenMask(),
	}
	copy(entry.CLSID[:], buf[80:96])

	return entry, nil
}

// WriteDirEntry encodes the entry into its 128-byte record form.
// Unallocated slots serialize as all-zero records.
func (d *DirEntry) WriteDirEntry(buf []byte) error {
	if len(buf) < DIR_ENTRY_LEN {
		return fmt.Errorf("short directory entry buffer")
	}

	for i := 0; i < DIR_ENTRY_LEN; i++ {
		buf[i] = 0
	}

	if d.ObjType == ObjUnallocated {
		return nil
	}

	nameBytes, err := encodeName(d.Name)
	if err != nil {
		return err
	}
	if len(nameBytes) > 62 {
		return fmt.Errorf("%w: name is too long: %v", ErrorInvalidName, d.Name)
	}

	copy(buf[:62], nameBytes)
	binary.LittleEndian.PutUint16(buf[64:66], uint16(len(nameBytes)+2))
	buf[66] = d.ObjType.AsByte()
	buf[67] = d.Color.AsByte()
	binary.LittleEndian.PutUint32(buf[68:72], d.LeftSibling)
	binary.LittleEndian.PutUint32(buf[72:76], d.RightSibling)
	binary.LittleEndian.PutUint32(buf[76:80], d.Child)
	copy(buf[80:96], d.CLSID[:])
	binary.LittleEndian.PutUint32(buf[96:100], d.StateBits)
	binary.LittleEndian.PutUint64(buf[100:108], d.CreationTime)
	binary.LittleEndian.PutUint64(buf[108:116], d.ModifiedTime)
	binary.LittleEndian.PutUint32(buf[116:120], d.StartingSector)
	binary.LittleEndian.PutUint64(buf[120:128], d.StreamSize)

	return nil
}

// ReadDirEntryFrom reads one record from r.
func ReadDirEntryFrom(r io.Reader, version Version, validation Validation) (*DirEntry, error) {
	buf := make([]byte, DIR_ENTRY_LEN)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return ReadDirEntry(buf, version, validation)
}
