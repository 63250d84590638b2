package ext4

import (
	"encoding/binary"
	"sort"

	"github.com/aurora-os/aurora/internal/kerrno"
)

// extent tree node layout (ext4_extent_header/_extent/_extent_idx): a
// 12-byte header followed by either leaf extents (depth 0) or index
// entries (depth > 0), each 12 bytes. The inode's i_block[60] holds the
// root node (space for 4 entries); every other node is a full block.

const (
	extHeaderLen = 12
	extEntryLen  = 12
	extMagic     = 0xF30A
	maxTreeDepth = 2 // files requiring deeper trees return ENOSPC
)

type extHeader struct {
	Entries uint16
	Depth   uint16
}

type extent struct {
	Block uint32 // first logical block this extent covers
	Len   uint16 // number of blocks (ignoring the uninitialized-extent high bit)
	Start uint64 // first physical block
}

type extentIdx struct {
	Block uint32 // first logical block the child subtree covers
	Leaf  uint64 // physical block of the child node
}

func readExtHeader(buf []byte) extHeader {
	return extHeader{
		Entries: binary.LittleEndian.Uint16(buf[2:4]),
		Depth:   binary.LittleEndian.Uint16(buf[6:8]),
	}
}

func writeExtHeader(buf []byte, h extHeader) {
	binary.LittleEndian.PutUint16(buf[0:2], extMagic)
	binary.LittleEndian.PutUint16(buf[2:4], h.Entries)
	binary.LittleEndian.PutUint16(buf[4:6], maxEntries(buf))
	binary.LittleEndian.PutUint16(buf[6:8], h.Depth)
}

func maxEntries(buf []byte) uint16 { return uint16((len(buf) - extHeaderLen) / extEntryLen) }

func readExtent(buf []byte, i int) extent {
	b := buf[extHeaderLen+i*extEntryLen:]
	lenField := binary.LittleEndian.Uint16(b[4:6])
	return extent{
		Block: binary.LittleEndian.Uint32(b[0:4]),
		Len:   lenField &^ 0x8000,
		Start: uint64(binary.LittleEndian.Uint16(b[6:8]))<<32 | uint64(binary.LittleEndian.Uint32(b[8:12])),
	}
}

func writeExtent(buf []byte, i int, e extent) {
	b := buf[extHeaderLen+i*extEntryLen:]
	binary.LittleEndian.PutUint32(b[0:4], e.Block)
	binary.LittleEndian.PutUint16(b[4:6], e.Len)
	binary.LittleEndian.PutUint16(b[6:8], uint16(e.Start>>32))
	binary.LittleEndian.PutUint32(b[8:12], uint32(e.Start))
}

func readIdx(buf []byte, i int) extentIdx {
	b := buf[extHeaderLen+i*extEntryLen:]
	return extentIdx{
		Block: binary.LittleEndian.Uint32(b[0:4]),
		Leaf:  uint64(binary.LittleEndian.Uint16(b[8:10]))<<32 | uint64(binary.LittleEndian.Uint32(b[4:8])),
	}
}

func writeIdx(buf []byte, i int, e extentIdx) {
	b := buf[extHeaderLen+i*extEntryLen:]
	binary.LittleEndian.PutUint32(b[0:4], e.Block)
	binary.LittleEndian.PutUint32(b[4:8], uint32(e.Leaf))
	binary.LittleEndian.PutUint16(b[8:10], uint16(e.Leaf>>32))
	binary.LittleEndian.PutUint16(b[10:12], 0)
}

// mapExtentBlock resolves a logical block number within an extent-mapped
// inode to a physical block. A return of (0, true, nil) means the block is
// an unallocated hole and must read as zeros.
func (fs *FS) mapExtentBlock(root []byte, logical uint32) (phys uint64, hole bool, err error) {
	h := readExtHeader(root)
	if h.Depth == 0 {
		for i := 0; i < int(h.Entries); i++ {
			e := readExtent(root, i)
			if logical >= e.Block && logical < e.Block+uint32(e.Len) {
				return e.Start + uint64(logical-e.Block), false, nil
			}
		}
		return 0, true, nil
	}
	var chosen *extentIdx
	for i := 0; i < int(h.Entries); i++ {
		idx := readIdx(root, i)
		if idx.Block <= logical {
			c := idx
			chosen = &c
		} else {
			break
		}
	}
	if chosen == nil {
		return 0, true, nil
	}
	child, err := fs.readBlock(chosen.Leaf)
	if err != nil {
		return 0, false, err
	}
	return fs.mapExtentBlock(child[:], logical)
}

// splitUp is returned by insertExtentRec when the node it was called on
// overflowed and had to be split; the caller inserts a new index entry
// pointing at the newly allocated sibling into its own node.
type splitUp struct {
	firstBlock uint32
	childBlock uint64
}

// insertExtentRec inserts (or merges) a mapping for logical -> phys into
// the tree rooted at buf, mutating buf in place. If buf overflowed and had
// to split, the returned splitUp describes the new sibling the caller must
// link in; buf itself is left holding the (smaller) first half.
func (fs *FS) insertExtentRec(buf []byte, logical uint32, phys uint64) (*splitUp, error) {
	h := readExtHeader(buf)
	max := maxEntries(buf)

	if h.Depth == 0 {
		entries := make([]extent, h.Entries, h.Entries+1)
		for i := range entries {
			entries[i] = readExtent(buf, i)
		}
		entries = insertOrMergeExtent(entries, extent{Block: logical, Len: 1, Start: phys})

		if uint16(len(entries)) <= max {
			writeEntries(buf, entries, func(b []byte, i int, e extent) { writeExtent(b, i, e) })
			writeExtHeader(buf, extHeader{Entries: uint16(len(entries)), Depth: 0})
			return nil, nil
		}
		first, second := splitHalves(entries)
		writeEntries(buf, first, func(b []byte, i int, e extent) { writeExtent(b, i, e) })
		writeExtHeader(buf, extHeader{Entries: uint16(len(first)), Depth: 0})

		newBlock, err := fs.allocBlock()
		if err != nil {
			return nil, err
		}
		nb, err := fs.readBlock(newBlock)
		if err != nil {
			return nil, err
		}
		writeEntries(nb[:], second, func(b []byte, i int, e extent) { writeExtent(b, i, e) })
		writeExtHeader(nb[:], extHeader{Entries: uint16(len(second)), Depth: 0})
		if err := fs.writeBlock(newBlock, nb); err != nil {
			return nil, err
		}
		return &splitUp{firstBlock: second[0].Block, childBlock: newBlock}, nil
	}

	idxs := make([]extentIdx, h.Entries)
	for i := range idxs {
		idxs[i] = readIdx(buf, i)
	}
	childPos := 0
	for i, idx := range idxs {
		if idx.Block <= logical {
			childPos = i
		} else {
			break
		}
	}
	childBlockNo := idxs[childPos].Leaf
	childBuf, err := fs.readBlock(childBlockNo)
	if err != nil {
		return nil, err
	}
	childSplit, err := fs.insertExtentRec(childBuf[:], logical, phys)
	if err != nil {
		return nil, err
	}
	if err := fs.writeBlock(childBlockNo, childBuf); err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}

	newIdx := extentIdx{Block: childSplit.firstBlock, Leaf: childSplit.childBlock}
	idxs = insertIdxSorted(idxs, newIdx)
	if uint16(len(idxs)) <= max {
		writeEntries(buf, idxs, func(b []byte, i int, e extentIdx) { writeIdx(b, i, e) })
		writeExtHeader(buf, extHeader{Entries: uint16(len(idxs)), Depth: h.Depth})
		return nil, nil
	}

	first, second := splitIdxHalves(idxs)
	writeEntries(buf, first, func(b []byte, i int, e extentIdx) { writeIdx(b, i, e) })
	writeExtHeader(buf, extHeader{Entries: uint16(len(first)), Depth: h.Depth})

	newBlock, err := fs.allocBlock()
	if err != nil {
		return nil, err
	}
	nb, err := fs.readBlock(newBlock)
	if err != nil {
		return nil, err
	}
	writeEntries(nb[:], second, func(b []byte, i int, e extentIdx) { writeIdx(b, i, e) })
	writeExtHeader(nb[:], extHeader{Entries: uint16(len(second)), Depth: h.Depth})
	if err := fs.writeBlock(newBlock, nb); err != nil {
		return nil, err
	}
	return &splitUp{firstBlock: second[0].Block, childBlock: newBlock}, nil
}

// insertExtentRoot inserts into the inode's root node (i_block[:]),
// promoting the tree's depth if the root itself overflows. Promotion
// beyond maxTreeDepth returns ENOSPC.
func (fs *FS) insertExtentRoot(in *onDiskInode, logical uint32, phys uint64) error {
	root := in.Block[:]
	h := readExtHeader(root)
	sp, err := fs.insertExtentRec(root, logical, phys)
	if err != nil {
		return err
	}
	if sp == nil {
		return nil
	}
	if h.Depth >= maxTreeDepth {
		return kerrno.ErrNoSpace
	}

	// Root overflowed: move its current (post-split, first-half) entries
	// into a freshly allocated node at the same depth and turn the root
	// into a depth+1 index with two children.
	firstBlock := rootFirstBlock(root)
	newBlock, err := fs.allocBlock()
	if err != nil {
		return err
	}
	nb, err := fs.readBlock(newBlock)
	if err != nil {
		return err
	}
	cur := readExtHeader(root)
	copy(nb[:extHeaderLen+int(cur.Entries)*extEntryLen], root[:extHeaderLen+int(cur.Entries)*extEntryLen])
	// nb's entries region is block-sized, not root-sized; re-stamp max.
	writeExtHeader(nb[:], extHeader{Entries: cur.Entries, Depth: h.Depth})
	if err := fs.writeBlock(newBlock, nb); err != nil {
		return err
	}

	writeIdx(root, 0, extentIdx{Block: firstBlock, Leaf: newBlock})
	writeIdx(root, 1, extentIdx{Block: sp.firstBlock, Leaf: sp.childBlock})
	writeExtHeader(root, extHeader{Entries: 2, Depth: h.Depth + 1})
	return nil
}

func rootFirstBlock(root []byte) uint32 {
	h := readExtHeader(root)
	if h.Entries == 0 {
		return 0
	}
	if h.Depth == 0 {
		return readExtent(root, 0).Block
	}
	return readIdx(root, 0).Block
}

func insertOrMergeExtent(entries []extent, e extent) []extent {
	for i := range entries {
		if entries[i].Block+uint32(entries[i].Len) == e.Block && entries[i].Start+uint64(entries[i].Len) == e.Start {
			entries[i].Len += e.Len
			return entries
		}
	}
	entries = append(entries, e)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Block < entries[j].Block })
	return entries
}

func insertIdxSorted(idxs []extentIdx, e extentIdx) []extentIdx {
	idxs = append(idxs, e)
	sort.Slice(idxs, func(i, j int) bool { return idxs[i].Block < idxs[j].Block })
	return idxs
}

func splitHalves(entries []extent) (first, second []extent) {
	mid := (len(entries) + 1) / 2
	return entries[:mid], entries[mid:]
}

func splitIdxHalves(idxs []extentIdx) (first, second []extentIdx) {
	mid := (len(idxs) + 1) / 2
	return idxs[:mid], idxs[mid:]
}

func writeEntries[T any](buf []byte, entries []T, write func([]byte, int, T)) {
	for i, e := range entries {
		write(buf, i, e)
	}
}

// --- legacy direct/single-indirect fallback (non-extents inodes) ---
//
// i_block is treated as 12 direct uint32 pointers followed by one single
// indirect pointer, matching ext2/3 semantics; double/triple indirect is
// not supported (a file needing it returns ENOSPC, the same cap applied
// to extent-tree depth).

const (
	directBlocks    = 12
	pointersPerBlock = 4096 / 4
)

func (fs *FS) mapLegacyBlock(in *onDiskInode, logical uint32) (phys uint64, hole bool, err error) {
	if logical < directBlocks {
		p := binary.LittleEndian.Uint32(in.Block[logical*4:])
		if p == 0 {
			return 0, true, nil
		}
		return uint64(p), false, nil
	}
	logical -= directBlocks
	if logical >= pointersPerBlock {
		return 0, false, kerrno.ErrNoSpace
	}
	indirect := binary.LittleEndian.Uint32(in.Block[directBlocks*4:])
	if indirect == 0 {
		return 0, true, nil
	}
	blk, err := fs.readBlock(uint64(indirect))
	if err != nil {
		return 0, false, err
	}
	p := binary.LittleEndian.Uint32(blk[logical*4:])
	if p == 0 {
		return 0, true, nil
	}
	return uint64(p), false, nil
}

func (fs *FS) setLegacyBlock(in *onDiskInode, logical uint32, phys uint64) error {
	if logical < directBlocks {
		binary.LittleEndian.PutUint32(in.Block[logical*4:], uint32(phys))
		return nil
	}
	logical -= directBlocks
	if logical >= pointersPerBlock {
		return kerrno.ErrNoSpace
	}
	indirect := binary.LittleEndian.Uint32(in.Block[directBlocks*4:])
	var blk [4096]byte
	if indirect == 0 {
		nb, err := fs.allocBlock()
		if err != nil {
			return err
		}
		indirect = uint32(nb)
		binary.LittleEndian.PutUint32(in.Block[directBlocks*4:], indirect)
	} else {
		var err error
		blk, err = fs.readBlock(uint64(indirect))
		if err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint32(blk[logical*4:], uint32(phys))
	return fs.writeBlock(uint64(indirect), blk)
}

// mapBlock and ensureBlock are the filesystem-agnostic entry points
// ReadAt/WriteAt use, dispatching on whether the inode uses extents.

func (fs *FS) mapBlock(in *onDiskInode, logical uint32) (phys uint64, hole bool, err error) {
	if in.usesExtents() {
		return fs.mapExtentBlock(in.Block[:], logical)
	}
	return fs.mapLegacyBlock(in, logical)
}

// ensureBlock returns the physical block backing logical, allocating and
// linking a fresh one if it was a hole.
func (fs *FS) ensureBlock(in *onDiskInode, logical uint32) (uint64, error) {
	phys, hole, err := fs.mapBlock(in, logical)
	if err != nil {
		return 0, err
	}
	if !hole {
		return phys, nil
	}
	nb, err := fs.allocBlock()
	if err != nil {
		return 0, err
	}
	if in.usesExtents() {
		if err := fs.insertExtentRoot(in, logical, nb); err != nil {
			return 0, err
		}
	} else {
		if err := fs.setLegacyBlock(in, logical, nb); err != nil {
			return 0, err
		}
	}
	return nb, nil
}
