package cfb

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// Entry is the public metadata of one storage or stream.
type Entry struct {
	Name         string
	Path         string
	ObjType      ObjectType
	CLSID        uuid.UUID
	StateBits    uint32
	CreationTime uint64
	ModifiedTime uint64
	StreamLen    uint64
}

func NewEntry(dirEntry *DirEntry, path string) *Entry {
	entry := Entry{
		Name:         dirEntry.Name,
		Path:         path,
		ObjType:      dirEntry.ObjType,
		CLSID:        UUIDFromGUID(dirEntry.CLSID),
		StateBits:    dirEntry.StateBits,
		CreationTime: dirEntry.CreationTime,
		ModifiedTime: dirEntry.ModifiedTime,
		StreamLen:    dirEntry.StreamSize,
	}

	return &entry
}

func (e *Entry) IsStorage() bool {
	return e.ObjType == ObjStorage || e.ObjType == ObjRoot
}

func (e *Entry) IsStream() bool {
	return e.ObjType == ObjStream
}

func (e *Entry) IsRoot() bool {
	return e.ObjType == ObjRoot
}

func (e *Entry) Created() time.Time {
	return TimeFromFiletime(e.CreationTime)
}

func (e *Entry) Modified() time.Time {
	return TimeFromFiletime(e.ModifiedTime)
}

// UUIDFromGUID converts the on-disk little-endian GUID layout into an RFC
// 4122 UUID: the first three fields are byte-swapped, the rest is verbatim.
func UUIDFromGUID(guid [16]byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = guid[3], guid[2], guid[1], guid[0]
	u[4], u[5] = guid[5], guid[4]
	u[6], u[7] = guid[7], guid[6]
	copy(u[8:], guid[8:])
	return u
}

// GUIDFromUUID is the inverse of UUIDFromGUID.
func GUIDFromUUID(u uuid.UUID) [16]byte {
	var guid [16]byte
	guid[0], guid[1], guid[2], guid[3] = u[3], u[2], u[1], u[0]
	guid[4], guid[5] = u[5], u[4]
	guid[6], guid[7] = u[7], u[6]
	copy(guid[8:], u[8:])
	return guid
}

type EntriesMode int

const (
	EntriesNonRecursive EntriesMode = iota
	EntriesRecursive
)

type entryFrame struct {
	id         uint32
	parentPath string
}

// Entries iterates a storage's children in stored (in-order) order. In
// recursive mode a storage is yielded before its own children.
type Entries struct {
	mode  EntriesMode
	dir   *Directory
	stack []entryFrame
}

func NewEntries(mode EntriesMode, dir *Directory, parentPath string, start uint32) *Entries {
	e := &Entries{
		mode: mode,
		dir:  dir,
	}
	e.pushLeftSpine(start, parentPath)
	return e
}

func (e *Entries) pushLeftSpine(id uint32, parentPath string) {
	for id != NO_STREAM {
		e.stack = append(e.stack, entryFrame{id: id, parentPath: parentPath})
		id = e.dir.DirEntries[id].LeftSibling
	}
}

// Next returns the next entry, or io.EOF when the iteration is done.
func (e *Entries) Next() (*Entry, error) {
	if len(e.stack) == 0 {
		return nil, io.EOF
	}

	frame := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]

	dirEntry := e.dir.DirEntries[frame.id]
	path := frame.parentPath
	if path == "/" {
		path += dirEntry.Name
	} else {
		path += "/" + dirEntry.Name
	}

	e.pushLeftSpine(dirEntry.RightSibling, frame.parentPath)

	if e.mode == EntriesRecursive && dirEntry.Child != NO_STREAM {
		e.pushLeftSpine(dirEntry.Child, path)
	}

	return NewEntry(dirEntry, path), nil
}
