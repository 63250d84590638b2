package mm

import "github.com/aurora-os/aurora/internal/kerrno"

// Sv39 PTE flag bits. PteCOW occupies the first RSW (reserved-for-software)
// bit, bit 8.
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
	PteCOW = 1 << 8 // software: writable page demoted read-only after fork
)

const pteLevels = 3 // Sv39

// PTE is a decoded Sv39 page table entry.
type PTE uint64

func MakePTE(ppn PhysPageNum, flags uint64) PTE {
	return PTE((uint64(ppn) << 10) | flags)
}

func (p PTE) PPN() PhysPageNum { return PhysPageNum((uint64(p) >> 10) & ((1 << PpnBits) - 1)) }
func (p PTE) Flags() uint64    { return uint64(p) & 0x3ff }
func (p PTE) Valid() bool      { return uint64(p)&PteV != 0 }
func (p PTE) Writable() bool   { return uint64(p)&PteW != 0 }
func (p PTE) User() bool       { return uint64(p)&PteU != 0 }
func (p PTE) IsCOW() bool      { return uint64(p)&PteCOW != 0 }
func (p PTE) IsLeaf() bool     { return uint64(p)&(PteR|PteX) != 0 }

// invariant: a PTE with COW=1 has W=0.
func (p PTE) checkInvariant() bool {
	if p.IsCOW() && p.Writable() {
		return false
	}
	return true
}

// PageTable walks a single Sv39 root, allocating intermediate table pages
// from a FrameAllocator as needed.
type PageTable struct {
	Root PhysPageNum
	fa   *FrameAllocator
}

func NewPageTable(fa *FrameAllocator) (*PageTable, error) {
	root, err := fa.AllocFrame()
	if err != nil {
		return nil, err
	}
	return &PageTable{Root: root, fa: fa}, nil
}

func readPTE(fa *FrameAllocator, table PhysPageNum, idx uint64) PTE {
	var buf [8]byte
	fa.mem.ReadAt(table.Addr()+PhysAddr(idx*8), buf[:])
	return PTE(leUint64(buf[:]))
}

func writePTE(fa *FrameAllocator, table PhysPageNum, idx uint64, pte PTE) {
	var buf [8]byte
	putLeUint64(buf[:], uint64(pte))
	fa.mem.WriteAt(table.Addr()+PhysAddr(idx*8), buf[:])
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// walk returns the leaf PTE slot address (table, index) for vpn, allocating
// intermediate tables along the way when alloc is true. On allocation
// failure any table pages already allocated during this call are released
// before returning the error, per the "scoped resources roll back on
// failure" design note.
func (pt *PageTable) walk(vpn VirtPageNum, alloc bool) (table PhysPageNum, index uint64, err error) {
	table = pt.Root
	var allocated []PhysPageNum
	rollback := func() {
		for _, p := range allocated {
			pt.fa.Decref(p)
		}
	}

	for level := pteLevels - 1; level >= 0; level-- {
		idx := vpn.VpnIndex(level)
		if level == 0 {
			return table, idx, nil
		}
		pte := readPTE(pt.fa, table, idx)
		if !pte.Valid() {
			if !alloc {
				rollback()
				return 0, 0, kerrno.ErrInvalidPageTbl
			}
			child, aerr := pt.fa.AllocFrame()
			if aerr != nil {
				rollback()
				return 0, 0, aerr
			}
			allocated = append(allocated, child)
			writePTE(pt.fa, table, idx, MakePTE(child, PteV))
			table = child
			continue
		}
		if pte.IsLeaf() {
			// A huge page where we expected an interior node: treat as
			// corruption rather than silently misinterpreting it.
			rollback()
			return 0, 0, kerrno.ErrInvalidPageTbl
		}
		table = pte.PPN()
	}
	return table, 0, kerrno.ErrInvalidPageTbl
}

// Map installs a leaf PTE for vpn -> ppn with the given flags (which must
// include V and at least one of R/W/X). Intermediate tables are allocated
// as needed.
func (pt *PageTable) Map(vpn VirtPageNum, ppn PhysPageNum, flags uint64) error {
	table, idx, err := pt.walk(vpn, true)
	if err != nil {
		return err
	}
	pte := MakePTE(ppn, flags|PteV)
	if !pte.checkInvariant() {
		return kerrno.ErrInvalidPageTbl
	}
	writePTE(pt.fa, table, idx, pte)
	return nil
}

// Unmap clears the leaf PTE for vpn, if present. It does not decref the
// underlying frame -- callers that own the mapping's refcount (AddressSpace)
// do that explicitly so Unmap stays a pure page-table operation.
func (pt *PageTable) Unmap(vpn VirtPageNum) {
	table, idx, err := pt.walk(vpn, false)
	if err != nil {
		return
	}
	writePTE(pt.fa, table, idx, 0)
}

// Translate returns the leaf PTE mapped for vpn, if any.
func (pt *PageTable) Translate(vpn VirtPageNum) (PTE, bool) {
	table, idx, err := pt.walk(vpn, false)
	if err != nil {
		return 0, false
	}
	pte := readPTE(pt.fa, table, idx)
	if !pte.Valid() {
		return 0, false
	}
	return pte, true
}

// SetPTE overwrites the leaf PTE for vpn directly; used by CoW fault
// resolution and mprotect to flip W/COW bits in place without reallocating
// the mapping.
func (pt *PageTable) SetPTE(vpn VirtPageNum, pte PTE) error {
	table, idx, err := pt.walk(vpn, false)
	if err != nil {
		return err
	}
	if !pte.checkInvariant() {
		return kerrno.ErrInvalidPageTbl
	}
	writePTE(pt.fa, table, idx, pte)
	return nil
}

// EachLeaf walks every present leaf mapping in the table, invoking fn with
// (vpn, pte). Used by AddressSpace.Release and CloneUserRoot.
func (pt *PageTable) EachLeaf(fn func(vpn VirtPageNum, pte PTE)) {
	pt.walkLevel(pt.Root, pteLevels-1, 0, fn)
}

func (pt *PageTable) walkLevel(table PhysPageNum, level int, prefix VirtPageNum, fn func(VirtPageNum, PTE)) {
	for idx := uint64(0); idx < 512; idx++ {
		pte := readPTE(pt.fa, table, idx)
		if !pte.Valid() {
			continue
		}
		vpn := prefix | VirtPageNum(idx<<(9*level))
		if level == 0 || pte.IsLeaf() {
			fn(vpn, pte)
			continue
		}
		pt.walkLevel(pte.PPN(), level-1, vpn, fn)
	}
}
