package virtio

import "encoding/binary"

// fakeRegs is a tiny in-process stand-in for a virtio-mmio device register
// window, enough to drive Transport/Net/Blk through their real negotiation
// and queue-setup paths without a hypervisor. It models at most two
// virtqueues (net's RX+TX; blk uses only index 0) and lets a test install a
// notify callback that processes the queue exactly like a real device
// would, operating on the same backing mem slice the driver's Regions
// point into.
type fakeRegs struct {
	mem []byte

	deviceID       uint32
	offeredFeatures uint64
	selFeatures    uint32 // last DEVICE_FEATURES_SEL write
	driverFeatures uint64
	selDriver      uint32

	status uint32
	queueSel uint32
	queues   [2]fakeQueueRegs

	config []byte

	onNotify func(idx uint32)
}

type fakeQueueRegs struct {
	numMax                           uint32
	num                               uint32
	descLo, descHi                    uint32
	availLo, availHi                  uint32
	usedLo, usedHi                    uint32
	ready                             uint32
}

func newFakeRegs(deviceID uint32, offered uint64, memSize int) *fakeRegs {
	r := &fakeRegs{mem: make([]byte, memSize), deviceID: deviceID, offeredFeatures: offered}
	r.queues[0].numMax = 256
	r.queues[1].numMax = 256
	return r
}

func (r *fakeRegs) Read32(offset uint64) uint32 {
	switch offset {
	case regMagicValue:
		return magicValue
	case regVersion:
		return 2
	case regDeviceID:
		return r.deviceID
	case regDeviceFeatures:
		if r.selFeatures == 0 {
			return uint32(r.offeredFeatures)
		}
		return uint32(r.offeredFeatures >> 32)
	case regQueueNumMax:
		return r.queues[r.queueSel].numMax
	case regQueueNum:
		return r.queues[r.queueSel].num
	case regQueueReady:
		return r.queues[r.queueSel].ready
	case regStatus:
		return r.status
	default:
		if offset >= regConfig {
			off := int(offset - regConfig)
			var w [4]byte
			for i := 0; i < 4 && off+i < len(r.config); i++ {
				w[i] = r.config[off+i]
			}
			return binary.LittleEndian.Uint32(w[:])
		}
		return 0
	}
}

func (r *fakeRegs) Write32(offset uint64, v uint32) {
	switch offset {
	case regDeviceFeaturesSel:
		r.selFeatures = v
	case regDriverFeaturesSel:
		r.selDriver = v
	case regDriverFeatures:
		if r.selDriver == 0 {
			r.driverFeatures = r.driverFeatures&^0xffffffff | uint64(v)
		} else {
			r.driverFeatures = r.driverFeatures&0xffffffff | uint64(v)<<32
		}
	case regStatus:
		r.status = v
	case regQueueSel:
		r.queueSel = v
	case regQueueNum:
		r.queues[r.queueSel].num = v
	case regQueueDescLow:
		r.queues[r.queueSel].descLo = v
	case regQueueDescHigh:
		r.queues[r.queueSel].descHi = v
	case regQueueAvailLow:
		r.queues[r.queueSel].availLo = v
	case regQueueAvailHigh:
		r.queues[r.queueSel].availHi = v
	case regQueueUsedLow:
		r.queues[r.queueSel].usedLo = v
	case regQueueUsedHigh:
		r.queues[r.queueSel].usedHi = v
	case regQueueReady:
		r.queues[r.queueSel].ready = v
	case regQueueNotify:
		if r.onNotify != nil {
			r.onNotify(v)
		}
	}
}

// queueView reconstructs a *Queue over the same backing mem the driver
// programmed into queue idx's registers, so the fake device side can read
// descriptors/avail and write used entries exactly like real hardware.
func (r *fakeRegs) queueView(idx uint32) *Queue {
	qr := r.queues[idx]
	descAddr := uint64(qr.descLo) | uint64(qr.descHi)<<32
	availAddr := uint64(qr.availLo) | uint64(qr.availHi)<<32
	usedAddr := uint64(qr.usedLo) | uint64(qr.usedHi)<<32
	size := uint16(qr.num)

	descLen := int(size) * 16
	availLen := 4 + int(size)*2
	usedLen := 4 + int(size)*8

	q := &Queue{size: size}
	q.descTable = Region{Addr: descAddr, Buf: r.mem[descAddr : descAddr+uint64(descLen)]}
	q.avail = Region{Addr: availAddr, Buf: r.mem[availAddr : availAddr+uint64(availLen)]}
	q.used = Region{Addr: usedAddr, Buf: r.mem[usedAddr : usedAddr+uint64(usedLen)]}
	return q
}

// deviceReadDescriptor mirrors Queue.WriteDescriptor's layout, for the fake
// device side to decode what the driver published.
func (r *fakeRegs) deviceReadDescriptor(q *Queue, idx uint16) (addr uint64, length uint32, flags uint16, next uint16) {
	off := int(idx) * 16
	b := q.descTable.Buf[off : off+16]
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint32(b[8:12]), binary.LittleEndian.Uint16(b[12:14]), binary.LittleEndian.Uint16(b[14:16])
}

// deviceAvailIdx returns the avail ring's idx field, the count of heads
// the driver has published; each test tracks how many it has consumed
// itself (lastAvail).
func (r *fakeRegs) deviceAvailIdx(q *Queue) uint16 {
	return binary.LittleEndian.Uint16(q.avail.Buf[2:4])
}

func (r *fakeRegs) deviceAvailEntry(q *Queue, ring uint16) uint16 {
	off := 4 + int(ring%q.size)*2
	return binary.LittleEndian.Uint16(q.avail.Buf[off : off+2])
}

func (r *fakeRegs) deviceWriteUsed(q *Queue, head uint16, length uint32) {
	usedIdx := binary.LittleEndian.Uint16(q.used.Buf[2:4])
	off := 4 + int(usedIdx%q.size)*8
	binary.LittleEndian.PutUint32(q.used.Buf[off:off+4], uint32(head))
	binary.LittleEndian.PutUint32(q.used.Buf[off+4:off+8], length)
	binary.LittleEndian.PutUint16(q.used.Buf[2:4], usedIdx+1)
}
