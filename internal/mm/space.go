package mm

import "github.com/aurora-os/aurora/internal/kerrno"

// AddressSpace is a user page table plus the frame allocator it draws from.
// Kernel mappings are not modeled here: trap core switches to the
// kernel root only while servicing an external interrupt, so per-task user
// spaces never need kernel PTEs copied into them.
type AddressSpace struct {
	PageTable *PageTable
	fa        *FrameAllocator
}

func NewAddressSpace(fa *FrameAllocator) (*AddressSpace, error) {
	pt, err := NewPageTable(fa)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{PageTable: pt, fa: fa}, nil
}

// Mem exposes the backing physical memory so callers outside this package
// (usercopy) can read/write bytes at addresses this AddressSpace translates
// for them, without reaching into the frame allocator's internals.
func (as *AddressSpace) Mem() PhysMemory { return as.fa.mem }

// TranslateUser resolves a user virtual address to its backing physical
// address and leaf flags, failing if unmapped or (when wantWrite is set) if
// the page is not writable -- the page-table half of UserPtr/UserSlice
// validation. A COW page is never reported writable here: the
// caller must resolve the fault through HandleCOWFault first, same as a
// real store instruction would trap into HandleCOWFault before retrying.
func (as *AddressSpace) TranslateUser(va VirtAddr, wantWrite bool) (PhysAddr, uint64, error) {
	pte, ok := as.PageTable.Translate(va.VPN())
	if !ok || !pte.User() {
		return 0, 0, kerrno.ErrInvalidPageTbl
	}
	if wantWrite && !pte.Writable() {
		return 0, 0, kerrno.ErrInvalidPageTbl
	}
	pa := pte.PPN().Addr() + PhysAddr(va.PageOffset())
	return pa, pte.Flags(), nil
}

// IsCOWFault reports whether va is currently mapped present-but-COW, used by
// usercopy's write path to resolve the fault before retrying TranslateUser.
func (as *AddressSpace) IsCOWFault(va VirtAddr) bool {
	pte, ok := as.PageTable.Translate(va.VPN())
	return ok && pte.IsCOW()
}

// MapAnon allocates a zeroed frame and maps it at vpn with the given user
// flags (which must not include PteCOW). Used by mmap/brk/execve's BSS
// zero-fill.
func (as *AddressSpace) MapAnon(vpn VirtPageNum, flags uint64) (PhysPageNum, error) {
	ppn, err := as.fa.AllocFrame()
	if err != nil {
		return 0, err
	}
	if err := as.PageTable.Map(vpn, ppn, flags|PteU|PteV); err != nil {
		as.fa.Decref(ppn)
		return 0, err
	}
	return ppn, nil
}

// Unmap clears vpn's leaf mapping and decrefs (freeing at zero) the frame
// it pointed at. A no-op if vpn was never mapped, matching munmap(2)'s
// tolerance of unmapped holes in its target range.
func (as *AddressSpace) Unmap(vpn VirtPageNum) {
	pte, ok := as.PageTable.Translate(vpn)
	if !ok {
		return
	}
	as.PageTable.Unmap(vpn)
	as.fa.Decref(pte.PPN())
}

// Protect rewrites vpn's leaf flags in place (mprotect's page-table half),
// preserving the mapping's COW bit -- mprotect narrowing a COW page to
// read-only must not accidentally promote it to a writable shared mapping.
func (as *AddressSpace) Protect(vpn VirtPageNum, flags uint64) error {
	pte, ok := as.PageTable.Translate(vpn)
	if !ok {
		return kerrno.ErrInvalidPageTbl
	}
	if pte.IsCOW() {
		flags = (flags &^ PteW) | PteCOW
	}
	return as.PageTable.SetPTE(vpn, MakePTE(pte.PPN(), flags|PteU|PteV))
}

// CloneUserRoot walks the parent's user address space and builds a child
// with the same leaf mappings. Every leaf PTE with W=1&U=1 is demoted to
// COW in both parent and child, and the shared frame's refcount is
// incremented -- clone_user_root contract.
func CloneUserRoot(parent *AddressSpace, fa *FrameAllocator) (*AddressSpace, error) {
	child, err := NewAddressSpace(fa)
	if err != nil {
		return nil, err
	}

	var walkErr error
	parent.PageTable.EachLeaf(func(vpn VirtPageNum, pte PTE) {
		if walkErr != nil {
			return
		}
		newFlags := pte.Flags()
		if pte.Writable() && pte.User() {
			newFlags = (newFlags &^ PteW) | PteCOW
			if err := parent.PageTable.SetPTE(vpn, MakePTE(pte.PPN(), newFlags)); err != nil {
				walkErr = err
				return
			}
		}
		if err := child.PageTable.Map(vpn, pte.PPN(), newFlags); err != nil {
			walkErr = err
			return
		}
		fa.Incref(pte.PPN())
	})
	if walkErr != nil {
		child.Release()
		return nil, walkErr
	}
	return child, nil
}

// HandleCOWFault resolves a write fault against a COW-marked page: if the
// frame's refcount is 1 the page is uniquely owned already and can simply
// be remapped writable (the fast path calls an "optimisation");
// otherwise a fresh frame is allocated, the old contents copied, and the
// old frame's refcount decremented.
func (as *AddressSpace) HandleCOWFault(fault VirtAddr) error {
	vpn := fault.VPN()
	pte, ok := as.PageTable.Translate(vpn)
	if !ok || !pte.IsCOW() {
		return kerrno.ErrInvalidPageTbl
	}

	oldPPN := pte.PPN()
	newFlags := (pte.Flags() &^ PteCOW) | PteW

	if as.fa.Refcount(oldPPN) == 1 {
		return as.PageTable.SetPTE(vpn, MakePTE(oldPPN, newFlags))
	}

	newPPN, err := as.fa.AllocFrame()
	if err != nil {
		return err
	}
	var buf [PageSize]byte
	as.fa.mem.ReadAt(oldPPN.Addr(), buf[:])
	as.fa.mem.WriteAt(newPPN.Addr(), buf[:])

	if err := as.PageTable.SetPTE(vpn, MakePTE(newPPN, newFlags)); err != nil {
		as.fa.Decref(newPPN)
		return err
	}
	as.fa.Decref(oldPPN)
	return nil
}

// Release walks every present leaf, decrementing the owning frame's
// refcount (freeing it at zero), then frees every intermediate table page
// including the root. Called on process exit once the task is reaped.
func (as *AddressSpace) Release() {
	var tables []PhysPageNum
	as.collectTables(as.PageTable.Root, pteLevels-1, &tables)
	as.PageTable.EachLeaf(func(vpn VirtPageNum, pte PTE) {
		as.fa.Decref(pte.PPN())
	})
	for _, t := range tables {
		as.fa.Decref(t)
	}
}

func (as *AddressSpace) collectTables(table PhysPageNum, level int, out *[]PhysPageNum) {
	*out = append(*out, table)
	if level == 0 {
		return
	}
	for idx := uint64(0); idx < 512; idx++ {
		pte := readPTE(as.fa, table, idx)
		if !pte.Valid() || pte.IsLeaf() {
			continue
		}
		as.collectTables(pte.PPN(), level-1, out)
	}
}
