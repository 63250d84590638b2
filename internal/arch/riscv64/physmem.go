package riscv64

import (
	"unsafe"

	"github.com/aurora-os/aurora/internal/mm"
)

// RawMemory is the production mm.PhysMemory: Aurora runs with the kernel's
// own page table identity-mapping all of physical RAM (the direct map), so
// a physical address is reachable by simply adding it to that mapping's
// virtual base and dereferencing -- no MMU walk of its own is needed the
// way a test's byte-slice-backed PhysMemory needs none either. unsafe is
// confined to this one file, keeping register/memory-width casts out of
// the algorithmic code that calls through these interfaces.
type RawMemory struct {
	// Base is the virtual address the direct map starts at; PhysAddr p is
	// reachable at Base+p.
	Base uintptr
}

func (m RawMemory) ReadAt(p mm.PhysAddr, buf []byte) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(m.Base+uintptr(p))), len(buf))
	copy(buf, src)
}

func (m RawMemory) WriteAt(p mm.PhysAddr, buf []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(m.Base+uintptr(p))), len(buf))
	copy(dst, buf)
}

// View returns a live byte-slice window onto n bytes of physical memory at
// p, for DMA buffers (virtio queue rings, packet/request buffers) that
// need the device and the driver to observe the same underlying storage
// rather than a copy -- unlike ReadAt/WriteAt, which copy in and out for
// the frame-allocator's zeroing and page-table walk use.
func (m RawMemory) View(p mm.PhysAddr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m.Base+uintptr(p))), n)
}

// RawRegs is the production MMIO window: a 32-bit register at offset o
// within an MMIO region based at Base is read/written as a volatile
// 32-bit load/store. Both PLIC and every virtio-mmio device share this one
// implementation, constructed once per device base address cmd/kernel
// discovers from the device tree.
type RawRegs struct {
	Base uintptr
}

func (r RawRegs) Read32(offset uint64) uint32 {
	return *(*uint32)(unsafe.Pointer(r.Base + uintptr(offset)))
}

func (r RawRegs) Write32(offset uint64, v uint32) {
	*(*uint32)(unsafe.Pointer(r.Base + uintptr(offset))) = v
}
