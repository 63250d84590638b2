package virtio

import "encoding/binary"

const (
	descFNext  = 1
	descFWrite = 2
)

// Region is a span of guest-owned memory the device can DMA into or out
// of: Addr is the physical address recorded in descriptors, Buf is the
// kernel's own byte-slice view of the same bytes. Production callers carve
// Regions out of frames handed back by mm.FrameAllocator; tests carve them
// out of a plain byte slice.
type Region struct {
	Addr uint64
	Buf  []byte
}

// Slice carves a sub-Region of length bytes starting at off, preserving
// the Addr/Buf correspondence.
func (r Region) Slice(off, length int) Region {
	return Region{Addr: r.Addr + uint64(off), Buf: r.Buf[off : off+length]}
}

// QueueMemSize returns the number of bytes a virtqueue of the given size
// needs for its descriptor table, available ring, and used ring (the
// modern virtio-mmio layout gives each its own independent address, so no
// further alignment between them is required).
func QueueMemSize(size uint16) int {
	descLen := int(size) * 16
	availLen := 4 + int(size)*2
	usedLen := 4 + int(size)*8
	return descLen + availLen + usedLen
}

// Queue is a guest-side view of one virtio split virtqueue: the driver
// writes descriptors and publishes them on the available ring, then polls
// the used ring for completions. Aurora never enables VIRTQ_F_EVENT_IDX,
// so used-ring polling is unconditional rather than event-index-gated.
type Queue struct {
	size      uint16
	descTable Region
	avail     Region
	used      Region
	lastUsed  uint16
}

// NewQueue carves a queue of the given size out of mem, which must be at
// least QueueMemSize(size) bytes, and zeroes the ring headers.
func NewQueue(size uint16, mem Region) *Queue {
	descLen := int(size) * 16
	availLen := 4 + int(size)*2
	usedLen := 4 + int(size)*8

	q := &Queue{
		size:      size,
		descTable: mem.Slice(0, descLen),
		avail:     mem.Slice(descLen, availLen),
		used:      mem.Slice(descLen+availLen, usedLen),
	}
	for i := range q.descTable.Buf {
		q.descTable.Buf[i] = 0
	}
	for i := range q.avail.Buf {
		q.avail.Buf[i] = 0
	}
	for i := range q.used.Buf {
		q.used.Buf[i] = 0
	}
	return q
}

func (q *Queue) Size() uint16 { return q.size }

// WriteDescriptor fills descriptor slot idx.
func (q *Queue) WriteDescriptor(idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := int(idx) * 16
	b := q.descTable.Buf[off : off+16]
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

// PublishAvail makes descriptor chain head visible to the device by
// appending it to the available ring and bumping the ring's idx field.
func (q *Queue) PublishAvail(head uint16) {
	idx := binary.LittleEndian.Uint16(q.avail.Buf[2:4])
	ringOff := 4 + int(idx%q.size)*2
	binary.LittleEndian.PutUint16(q.avail.Buf[ringOff:ringOff+2], head)
	binary.LittleEndian.PutUint16(q.avail.Buf[2:4], idx+1)
}

// PollUsed returns the next not-yet-observed used-ring entry, if any.
func (q *Queue) PollUsed() (head uint16, length uint32, ok bool) {
	usedIdx := binary.LittleEndian.Uint16(q.used.Buf[2:4])
	if q.lastUsed == usedIdx {
		return 0, 0, false
	}
	off := 4 + int(q.lastUsed%q.size)*8
	head = uint16(binary.LittleEndian.Uint32(q.used.Buf[off : off+4]))
	length = binary.LittleEndian.Uint32(q.used.Buf[off+4 : off+8])
	q.lastUsed++
	return head, length, true
}

func (q *Queue) DescTableAddr() uint64 { return q.descTable.Addr }
func (q *Queue) AvailAddr() uint64     { return q.avail.Addr }
func (q *Queue) UsedAddr() uint64      { return q.used.Addr }
