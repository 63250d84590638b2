package mm

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kerrno"
)

// FrameAllocator hands out zeroed physical pages. It is a bump pointer
// starting just past the kernel image plus a free stack of reclaimed
// frames, each reference-counted so copy-on-write pages can be shared
// between a parent and child address space.
//
// AllocFrame pops the free stack (zeroing on reuse) or bumps forward if
// the stack is empty; it is interrupt-safe (mu stands in for disabling
// interrupts, since Aurora has no other core to race with).
// AllocContiguousFrames bumps only, never touching the free stack, so
// kernel stacks stay physically contiguous.
type FrameAllocator struct {
	mu sync.Mutex

	base     PhysPageNum // first frame past the kernel image
	end      PhysPageNum // one past the last usable frame
	next     PhysPageNum // bump pointer
	freeList []PhysPageNum

	refcount map[PhysPageNum]uint32

	// zeroPage is reused as a scratch buffer when zeroing reclaimed frames.
	zeroPage [PageSize]byte

	// mem abstracts the physical memory backing so tests can run
	// against a plain byte slice instead of real DMA-capable RAM.
	mem PhysMemory
}

// PhysMemory is the byte-addressable physical memory backing the frame
// allocator. In production this is the kernel's identity-mapped RAM window;
// in tests it is a plain slice-backed implementation.
type PhysMemory interface {
	ReadAt(p PhysAddr, buf []byte)
	WriteAt(p PhysAddr, buf []byte)
}

func NewFrameAllocator(mem PhysMemory, base, end PhysPageNum) *FrameAllocator {
	return &FrameAllocator{
		mem:      mem,
		base:     base,
		end:      end,
		next:     base,
		refcount: make(map[PhysPageNum]uint32),
	}
}

// AllocFrame returns a zeroed physical page with refcount 1.
func (fa *FrameAllocator) AllocFrame() (PhysPageNum, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	var ppn PhysPageNum
	if n := len(fa.freeList); n > 0 {
		ppn = fa.freeList[n-1]
		fa.freeList = fa.freeList[:n-1]
		fa.mem.WriteAt(ppn.Addr(), fa.zeroPage[:])
	} else {
		if fa.next >= fa.end {
			return 0, kerrno.ErrOutOfMemory
		}
		ppn = fa.next
		fa.next++
		fa.mem.WriteAt(ppn.Addr(), fa.zeroPage[:])
	}
	fa.refcount[ppn] = 1
	return ppn, nil
}

// AllocContiguousFrames bumps n pages forward, never satisfying the
// request from the free list, guaranteeing physical contiguity for kernel
// stacks.
func (fa *FrameAllocator) AllocContiguousFrames(n int) (PhysPageNum, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.next+PhysPageNum(n) > fa.end {
		return 0, kerrno.ErrOutOfMemory
	}
	first := fa.next
	fa.next += PhysPageNum(n)
	for i := 0; i < n; i++ {
		ppn := first + PhysPageNum(i)
		fa.mem.WriteAt(ppn.Addr(), fa.zeroPage[:])
		fa.refcount[ppn] = 1
	}
	return first, nil
}

// Incref bumps a frame's reference count, used when a CoW page is shared
// between parent and child on fork.
func (fa *FrameAllocator) Incref(ppn PhysPageNum) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.refcount[ppn]++
}

// Decref drops a frame's reference count, freeing it (pushing onto the
// free stack) when it reaches zero. Returns true if the frame was freed.
func (fa *FrameAllocator) Decref(ppn PhysPageNum) bool {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	c := fa.refcount[ppn]
	if c == 0 {
		return false
	}
	c--
	if c == 0 {
		delete(fa.refcount, ppn)
		fa.freeList = append(fa.freeList, ppn)
		return true
	}
	fa.refcount[ppn] = c
	return false
}

// Refcount reports a frame's current reference count (0 if free).
func (fa *FrameAllocator) Refcount(ppn PhysPageNum) uint32 {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.refcount[ppn]
}

// FreeFrames reports the number of frames currently on the free stack plus
// never-yet-bumped frames, used by tests asserting that the free-frame
// count returns to its pre-fork value after a fork+exit.
func (fa *FrameAllocator) FreeFrames() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.freeList) + int(fa.end-fa.next)
}
