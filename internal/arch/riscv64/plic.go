package riscv64

import "sync"

// PLIC register offsets, the same layout an emulated PLIC answers on the
// other side; this is the driver that programs them from the S-mode side.
const (
	plicPriorityBase  = 0x000000
	plicPendingBase   = 0x001000
	plicEnableBase    = 0x002000
	plicThresholdBase = 0x200000
	plicContextStride = 0x1000

	PLICMaxSources = 1024

	// plicContextS is the context index for this hart's S-mode, the only
	// context Aurora's single-hart, U/S-only build uses.
	plicContextS = 1
)

// MMIO is the narrow interface PLIC (and the other MMIO drivers) need: a
// 32-bit register window. Production code backs this with the actual
// virtio-mmio/PLIC physical window; tests back it with a map-backed fake.
type MMIO interface {
	Read32(offset uint64) uint32
	Write32(offset uint64, v uint32)
}

// PLIC is the guest-side driver for the Platform-Level Interrupt
// Controller: enable a source, set priority/threshold, and claim/complete
// on external interrupt.
type PLIC struct {
	mu   sync.Mutex
	regs MMIO
	base uint64
}

func NewPLIC(regs MMIO, base uint64) *PLIC {
	return &PLIC{regs: regs, base: base}
}

// Enable sets a source's priority to 1 and flips its enable bit for the
// S-mode context.
func (p *PLIC) Enable(irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs.Write32(plicPriorityBase+uint64(irq)*4, 1)
	word, bit := irq/32, irq%32
	off := uint64(plicEnableBase) + uint64(plicContextS)*plicContextStride + uint64(word)*4
	p.regs.Write32(off, p.regs.Read32(off)|(1<<bit))
}

// SetThreshold configures the minimum priority that triggers a claim.
func (p *PLIC) SetThreshold(threshold uint32) {
	off := uint64(plicThresholdBase) + uint64(plicContextS)*plicContextStride
	p.regs.Write32(off, threshold)
}

// Claim reads the claim/complete register, returning the pending IRQ
// number (0 means none pending).
func (p *PLIC) Claim() (uint32, bool) {
	off := uint64(plicThresholdBase) + uint64(plicContextS)*plicContextStride + 4
	irq := p.regs.Read32(off)
	return irq, irq != 0
}

// Complete writes the claimed IRQ number back to signal completion.
func (p *PLIC) Complete(irq uint32) {
	off := uint64(plicThresholdBase) + uint64(plicContextS)*plicContextStride + 4
	p.regs.Write32(off, irq)
}
