// Package virtio is Aurora's guest-side virtio-mmio driver layer: net and
// blk device drivers built on a shared register transport and virtqueue
// implementation. The register layout and feature/status bit values model
// the same device from the guest side that a host/hypervisor models from
// the other; the offsets, magic number, and status-bit protocol are the
// virtio-mmio specification itself, so they carry over unchanged even
// though every register access here is a driver writing into device
// registers rather than a VMM answering them.
package virtio

import (
	"github.com/aurora-os/aurora/internal/kerrno"
)

const (
	regMagicValue        = 0x000
	regVersion            = 0x004
	regDeviceID           = 0x008
	regVendorID           = 0x00c
	regDeviceFeatures     = 0x010
	regDeviceFeaturesSel  = 0x014
	regDriverFeatures     = 0x020
	regDriverFeaturesSel  = 0x024
	regQueueSel           = 0x030
	regQueueNumMax        = 0x034
	regQueueNum           = 0x038
	regQueueReady         = 0x044
	regQueueNotify        = 0x050
	regInterruptStatus    = 0x060
	regInterruptAck       = 0x064
	regStatus             = 0x070
	regQueueDescLow       = 0x080
	regQueueDescHigh      = 0x084
	regQueueAvailLow      = 0x090
	regQueueAvailHigh     = 0x094
	regQueueUsedLow       = 0x0a0
	regQueueUsedHigh      = 0x0a4
	regConfigGeneration   = 0x0fc
	regConfig             = 0x100

	magicValue = 0x74726976 // "virt"

	statusAcknowledge = 1
	statusDriver      = 2
	statusFeaturesOK  = 8
	statusDriverOK    = 4
	statusFailed      = 128

	featureVersion1 = uint64(1) << 32
)

// Regs is the narrow 32-bit register window a virtio-mmio device exposes,
// the same shape as the driver's existing arch/riscv64.MMIO interface so a
// single concrete implementation (the kernel's MMIO window type) satisfies
// both without internal/virtio importing the arch package.
type Regs interface {
	Read32(offset uint64) uint32
	Write32(offset uint64, v uint32)
}

// Transport drives one virtio-mmio device register window through the
// modern (non-legacy) virtio-mmio v2 protocol: feature negotiation, queue
// setup, and the ACKNOWLEDGE/DRIVER/FEATURES_OK/DRIVER_OK status sequence.
type Transport struct {
	regs Regs
}

func NewTransport(regs Regs) *Transport {
	return &Transport{regs: regs}
}

// Reset writes STATUS=0, the virtio-mmio device reset sequence.
func (t *Transport) Reset() {
	t.regs.Write32(regStatus, 0)
}

// Probe verifies the magic value and that this is a modern (version 2)
// device, failing fast rather than negotiating against a legacy transport
// Aurora does not support.
func (t *Transport) Probe(wantDeviceID uint32) error {
	if t.regs.Read32(regMagicValue) != magicValue {
		return kerrno.ErrDeviceFailure
	}
	if t.regs.Read32(regVersion) != 2 {
		return kerrno.ErrDeviceFailure
	}
	if t.regs.Read32(regDeviceID) != wantDeviceID {
		return kerrno.ErrDeviceFailure
	}
	return nil
}

// SetAcknowledgeDriver sets the ACKNOWLEDGE and DRIVER status bits, the
// first two steps of the device initialization sequence.
func (t *Transport) SetAcknowledgeDriver() {
	t.regs.Write32(regStatus, statusAcknowledge)
	t.regs.Write32(regStatus, statusAcknowledge|statusDriver)
}

// NegotiateFeatures reads the device's offered features, ANDs them with
// want, writes the result back as the driver's accepted features, and sets
// FEATURES_OK -- failing if the device rejects the negotiated set (the
// FEATURES_OK bit reads back clear).
func (t *Transport) NegotiateFeatures(want uint64) (uint64, error) {
	t.regs.Write32(regDeviceFeaturesSel, 0)
	lo := t.regs.Read32(regDeviceFeatures)
	t.regs.Write32(regDeviceFeaturesSel, 1)
	hi := t.regs.Read32(regDeviceFeatures)
	offered := uint64(lo) | uint64(hi)<<32

	accepted := offered & want

	t.regs.Write32(regDriverFeaturesSel, 0)
	t.regs.Write32(regDriverFeatures, uint32(accepted))
	t.regs.Write32(regDriverFeaturesSel, 1)
	t.regs.Write32(regDriverFeatures, uint32(accepted>>32))

	t.regs.Write32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if t.regs.Read32(regStatus)&statusFeaturesOK == 0 {
		t.regs.Write32(regStatus, statusFailed)
		return 0, kerrno.ErrDeviceFailure
	}
	return accepted, nil
}

// SetupQueue selects queue idx, checks the device's max queue size against
// q's size, programs the descriptor/avail/used addresses, and marks it
// ready. Must be called for every queue before SetDriverOK.
func (t *Transport) SetupQueue(idx int, q *Queue) error {
	t.regs.Write32(regQueueSel, uint32(idx))
	max := t.regs.Read32(regQueueNumMax)
	if max == 0 || uint32(q.size) > max {
		return kerrno.ErrDeviceFailure
	}
	t.regs.Write32(regQueueNum, uint32(q.size))
	t.regs.Write32(regQueueDescLow, uint32(q.descTable.Addr))
	t.regs.Write32(regQueueDescHigh, uint32(q.descTable.Addr>>32))
	t.regs.Write32(regQueueAvailLow, uint32(q.avail.Addr))
	t.regs.Write32(regQueueAvailHigh, uint32(q.avail.Addr>>32))
	t.regs.Write32(regQueueUsedLow, uint32(q.used.Addr))
	t.regs.Write32(regQueueUsedHigh, uint32(q.used.Addr>>32))
	t.regs.Write32(regQueueReady, 1)
	return nil
}

// SetDriverOK sets the final DRIVER_OK status bit, after which the device
// may start consuming queues. Callers that pre-fill an RX ring must do so
// before calling this.
func (t *Transport) SetDriverOK() {
	t.regs.Write32(regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
}

// Notify kicks the device for queue idx via QUEUE_NOTIFY.
func (t *Transport) Notify(idx uint32) {
	t.regs.Write32(regQueueNotify, idx)
}

// ReadConfig32 reads 4 bytes from the device-specific configuration space
// starting at the given byte offset.
func (t *Transport) ReadConfig32(offset uint64) uint32 {
	return t.regs.Read32(regConfig + offset)
}

// InterruptStatus/AckInterrupt let a caller drain VIRTIO_MMIO_INT_VRING
// without relying on PLIC-delivered interrupts, for contexts that poll.
func (t *Transport) InterruptStatus() uint32 {
	return t.regs.Read32(regInterruptStatus)
}

func (t *Transport) AckInterrupt(bits uint32) {
	t.regs.Write32(regInterruptAck, bits)
}
