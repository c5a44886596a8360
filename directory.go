package cfb

import (
	"fmt"
	"math/bits"
)

// Directory holds every 128-byte entry record in memory, together with the
// sector chain the directory stream lives in. The sibling tree of each
// storage is kept red-black across inserts and removals.
type Directory struct {
	Allocator      *Allocator
	DirEntries     []*DirEntry
	DirStartSector uint32
	SectorIds      []uint32

	dirty bool
}

func NewDirectory(allocator *Allocator, dirEntries []*DirEntry, dirStartSector uint32, sectorIds []uint32) (*Directory, error) {
	dir := Directory{
		Allocator:      allocator,
		DirEntries:     dirEntries,
		DirStartSector: dirStartSector,
		SectorIds:      sectorIds,
	}

	if err := dir.Validate(); err != nil {
		return nil, err
	}

	return &dir, nil
}

func (d *Directory) RootDirEntry() *DirEntry {
	return d.DirEntries[ROOT_STREAM_ID]
}

// Returns an iterator over the entries within the root storage object.
func (d *Directory) RootStorageEntries() *Entries {
	start := d.RootDirEntry().Child

	return NewEntries(EntriesNonRecursive, d, PathFromNameChain([]string{}), start)
}

func (d *Directory) NumSectors() uint32 {
	return uint32(len(d.SectorIds))
}

func (d *Directory) Validate() error {
	if len(d.DirEntries) == 0 {
		return fmt.Errorf("directory has no entries: %w", ErrorInvalidCFB)
	}

	rootDirEntry := d.RootDirEntry()
	if rootDirEntry == nil {
		return fmt.Errorf("directory has no root entry: %w", ErrorInvalidCFB)
	}

	if rootDirEntry.StreamSize%uint64(MINI_SECTOR_LEN) != 0 {
		return fmt.Errorf("root stream len is %v, but should be multiple of %v: %w",
			rootDirEntry.StreamSize, MINI_SECTOR_LEN, ErrorInvalidCFB)
	}

	visited := make(map[uint32]bool)
	stack := []uint32{ROOT_STREAM_ID}

	for len(stack) > 0 {
		dirEntryId := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[dirEntryId] {
			return fmt.Errorf("directory has a cycle: %w", ErrorInvalidCFB)
		}

		visited[dirEntryId] = true

		dirEntry := d.DirEntries[dirEntryId]
		if dirEntry == nil {
			return fmt.Errorf("directory has no entry for id %v: %w", dirEntryId, ErrorInvalidCFB)
		}

		if dirEntryId == ROOT_STREAM_ID {
			if dirEntry.ObjType != ObjRoot {
				return fmt.Errorf("root entry has object type %v: %w", dirEntry.ObjType, ErrorInvalidCFB)
			}
		} else if dirEntry.ObjType != ObjStorage && dirEntry.ObjType != ObjStream {
			return fmt.Errorf("non-root entry with object type %v: %w", dirEntry.ObjType, ErrorInvalidCFB)
		}

		leftSibling := dirEntry.LeftSibling
		if leftSibling != NO_STREAM {
			if leftSibling >= uint32(len(d.DirEntries)) {
				return fmt.Errorf("left sibling index is %v, but directory entry count is %v: %w",
					leftSibling, len(d.DirEntries), ErrorInvalidCFB)
			}

			entry := d.DirEntries[leftSibling]
			if CompareNames(entry.Name, dirEntry.Name) != OrderLess {
				return fmt.Errorf("name ordering, %v vs %v: %w", entry.Name, dirEntry.Name, ErrorInvalidCFB)
			}

			stack = append(stack, leftSibling)
		}

		rightSibling := dirEntry.RightSibling
		if rightSibling != NO_STREAM {
			if rightSibling >= uint32(len(d.DirEntries)) {
				return fmt.Errorf("right sibling index is %v, but directory entry count is %v: %w",
					rightSibling, len(d.DirEntries), ErrorInvalidCFB)
			}

			entry := d.DirEntries[rightSibling]
			if CompareNames(dirEntry.Name, entry.Name) != OrderLess {
				return fmt.Errorf("name ordering, %v vs %v: %w", dirEntry.Name, entry.Name, ErrorInvalidCFB)
			}

			stack = append(stack, rightSibling)
		}

		child := dirEntry.Child
		if child != NO_STREAM {
			if child >= uint32(len(d.DirEntries)) {
				return fmt.Errorf("child index is %v, but directory entry count is %v: %w",
					child, len(d.DirEntries), ErrorInvalidCFB)
			}

			stack = append(stack, child)
		}
	}

	return nil
}

// StreamIDForNameChain descends storage by storage to the entry named by the
// chain. The empty chain resolves to the root.
func (d *Directory) StreamIDForNameChain(names []string) (uint32, error) {
	streamId := ROOT_STREAM_ID

	for _, name := range names {
		streamId = d.DirEntries[streamId].Child
		for {
			if streamId == NO_STREAM {
				return NO_STREAM, fmt.Errorf("%w: %v", ErrorNotFound, name)
			}
			dirEntry := d.DirEntries[streamId]
			order := CompareNames(name, dirEntry.Name)
			if order == OrderEqual {
				break
			}

			switch order {
			case OrderLess:
				streamId = dirEntry.LeftSibling
			case OrderGreater:
				streamId = dirEntry.RightSibling
			}
		}
	}

	return streamId, nil
}

// LookupChild finds the child of parentId with the given name, or NO_STREAM.
func (d *Directory) LookupChild(parentId uint32, name string) uint32 {
	streamId := d.DirEntries[parentId].Child
	for streamId != NO_STREAM {
		dirEntry := d.DirEntries[streamId]
		switch CompareNames(name, dirEntry.Name) {
		case OrderEqual:
			return streamId
		case OrderLess:
			streamId = dirEntry.LeftSibling
		case OrderGreater:
			streamId = dirEntry.RightSibling
		}
	}
	return NO_STREAM
}

// freeSlot returns the first unallocated StreamId, growing the directory
// stream by one sector when every slot is taken.
func (d *Directory) freeSlot() (uint32, error) {
	for id, entry := range d.DirEntries {
		if !entry.IsAllocated() {
			return uint32(id), nil
		}
	}

	newStart, err := d.Allocator.ResizeChain(d.DirStartSector, uint32(len(d.SectorIds))+1, SectorInitDir)
	if err != nil {
		return 0, err
	}
	d.DirStartSector = newStart

	d.SectorIds, err = d.Allocator.walkChain(d.DirStartSector)
	if err != nil {
		return 0, err
	}

	id := uint32(len(d.DirEntries))
	for i := 0; i < d.Allocator.Sectors.Version.DirEntriesPerSector(); i++ {
		d.DirEntries = append(d.DirEntries, NewEmptyDirEntry())
	}
	d.dirty = true

	return id, nil
}

func (d *Directory) isRed(id uint32) bool {
	return id != NO_STREAM && d.DirEntries[id].Color == Red
}

// insertIntoTree inserts nodeId into the sibling subtree rooted at rootId
// and returns the new subtree root. The caller repaints the final root
// black. Duplicate keys must have been ruled out beforehand.
func (d *Directory) insertIntoTree(rootId, nodeId uint32) uint32 {
	if rootId == NO_STREAM {
		d.DirEntries[nodeId].Color = Red
		return nodeId
	}

	root := d.DirEntries[rootId]
	if CompareNames(d.DirEntries[nodeId].Name, root.Name) == OrderLess {
		root.LeftSibling = d.insertIntoTree(root.LeftSibling, nodeId)
	} else {
		root.RightSibling = d.insertIntoTree(root.RightSibling, nodeId)
	}

	return d.rebalance(rootId)
}

// rebalance repairs a red child with a red grandchild under a black node,
// rotating the middle key to the top.
func (d *Directory) rebalance(id uint32) uint32 {
	node := d.DirEntries[id]
	if node.Color == Red {
		return id
	}

	left := node.LeftSibling
	right := node.RightSibling

	if d.isRed(left) {
		leftEntry := d.DirEntries[left]
		if d.isRed(leftEntry.LeftSibling) {
			// left-left: left becomes the subtree root
			node.LeftSibling = leftEntry.RightSibling
			leftEntry.RightSibling = id
			d.DirEntries[leftEntry.LeftSibling].Color = Black
			node.Color = Black
			leftEntry.Color = Red
			return left
		}
		if d.isRed(leftEntry.RightSibling) {
			// left-right: the grandchild becomes the subtree root
			mid := leftEntry.RightSibling
			midEntry := d.DirEntries[mid]
			leftEntry.RightSibling = midEntry.LeftSibling
			node.LeftSibling = midEntry.RightSibling
			midEntry.LeftSibling = left
			midEntry.RightSibling = id
			leftEntry.Color = Black
			node.Color = Black
			midEntry.Color = Red
			return mid
		}
	}

	if d.isRed(right) {
		rightEntry := d.DirEntries[right]
		if d.isRed(rightEntry.RightSibling) {
			// right-right: right becomes the subtree root
			node.RightSibling = rightEntry.LeftSibling
			rightEntry.LeftSibling = id
			d.DirEntries[rightEntry.RightSibling].Color = Black
			node.Color = Black
			rightEntry.Color = Red
			return right
		}
		if d.isRed(rightEntry.LeftSibling) {
			// right-left: the grandchild becomes the subtree root
			mid := rightEntry.LeftSibling
			midEntry := d.DirEntries[mid]
			rightEntry.LeftSibling = midEntry.RightSibling
			node.RightSibling = midEntry.LeftSibling
			midEntry.RightSibling = right
			midEntry.LeftSibling = id
			rightEntry.Color = Black
			node.Color = Black
			midEntry.Color = Red
			return mid
		}
	}

	return id
}

// InsertSlot links an already-filled slot into parentId's sibling tree.
func (d *Directory) InsertSlot(parentId, nodeId uint32) error {
	parent := d.DirEntries[parentId]
	entry := d.DirEntries[nodeId]

	if existing := d.LookupChild(parentId, entry.Name); existing != NO_STREAM {
		return fmt.Errorf("%w: %v", ErrorAlreadyExists, entry.Name)
	}

	entry.LeftSibling = NO_STREAM
	entry.RightSibling = NO_STREAM

	newRoot := d.insertIntoTree(parent.Child, nodeId)
	d.DirEntries[newRoot].Color = Black
	parent.Child = newRoot
	d.dirty = true

	return nil
}

// Insert places a new entry under parentId, returning its StreamId.
func (d *Directory) Insert(parentId uint32, entry *DirEntry) (uint32, error) {
	if existing := d.LookupChild(parentId, entry.Name); existing != NO_STREAM {
		return 0, fmt.Errorf("%w: %v", ErrorAlreadyExists, entry.Name)
	}

	id, err := d.freeSlot()
	if err != nil {
		return 0, err
	}
	d.DirEntries[id] = entry

	if err := d.InsertSlot(parentId, id); err != nil {
		d.DirEntries[id] = NewEmptyDirEntry()
		return 0, err
	}

	return id, nil
}

// inorderIds collects the subtree rooted at rootId in stored name order.
func (d *Directory) inorderIds(rootId uint32, out []uint32) []uint32 {
	if rootId == NO_STREAM {
		return out
	}
	entry := d.DirEntries[rootId]
	out = d.inorderIds(entry.LeftSibling, out)
	out = append(out, rootId)
	return d.inorderIds(entry.RightSibling, out)
}

// rebuildTree relinks the sorted slot ids into a balanced sibling tree and
// returns its root. Nodes on the (possibly partial) bottom level are red,
// everything above is black, so every red-black property holds.
func (d *Directory) rebuildTree(ids []uint32) uint32 {
	if len(ids) == 0 {
		return NO_STREAM
	}

	maxDepth := bits.Len(uint(len(ids))) - 1
	perfect := (uint(len(ids))+1)&uint(len(ids)) == 0

	var build func(ids []uint32, depth int) uint32
	build = func(ids []uint32, depth int) uint32 {
		if len(ids) == 0 {
			return NO_STREAM
		}
		mid := len(ids) / 2
		id := ids[mid]
		entry := d.DirEntries[id]
		entry.LeftSibling = build(ids[:mid], depth+1)
		entry.RightSibling = build(ids[mid+1:], depth+1)
		if !perfect && depth == maxDepth {
			entry.Color = Red
		} else {
			entry.Color = Black
		}
		return id
	}

	return build(ids, 0)
}

// UnlinkSlot takes nodeId out of parentId's sibling tree without releasing
// the slot.
func (d *Directory) UnlinkSlot(parentId, nodeId uint32) error {
	parent := d.DirEntries[parentId]

	all := d.inorderIds(parent.Child, nil)
	kept := all[:0]
	found := false
	for _, id := range all {
		if id == nodeId {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return fmt.Errorf("%w: stream id %v is not a child of %v", ErrorNotFound, nodeId, parentId)
	}

	parent.Child = d.rebuildTree(kept)
	d.dirty = true
	return nil
}

// Remove deletes nodeId from parentId's sibling tree and zeroes the slot.
func (d *Directory) Remove(parentId, nodeId uint32) error {
	if err := d.UnlinkSlot(parentId, nodeId); err != nil {
		return err
	}
	d.DirEntries[nodeId] = NewEmptyDirEntry()
	d.dirty = true
	return nil
}

// FlushDirty serializes every entry record along the directory chain.
func (d *Directory) FlushDirty() error {
	if !d.dirty {
		return nil
	}

	perSector := d.Allocator.Sectors.Version.DirEntriesPerSector()
	buf := make([]byte, d.Allocator.Sectors.SectorLen())

	for j, sectorId := range d.SectorIds {
		for i := 0; i < perSector; i++ {
			idx := j*perSector + i
			record := buf[i*DIR_ENTRY_LEN : (i+1)*DIR_ENTRY_LEN]
			if idx < len(d.DirEntries) {
				if err := d.DirEntries[idx].WriteDirEntry(record); err != nil {
					return err
				}
			} else {
				for k := range record {
					record[k] = 0
				}
			}
		}

		sector, err := d.Allocator.SeekToSector(sectorId)
		if err != nil {
			return err
		}
		if _, err := sector.Write(buf); err != nil {
			return err
		}
	}

	d.dirty = false
	return nil
}
