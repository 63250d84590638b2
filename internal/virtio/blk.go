package virtio

import (
	"encoding/binary"

	"github.com/aurora-os/aurora/internal/blockdev"
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/klog"
)

const (
	blkDeviceID = 2
	blkQueueReq = 0

	// blkNumSlots request slots, each using 3 descriptors (header, data,
	// status), so the queue's descriptor table needs 3x the slots. Only
	// one request is in flight at a time.
	blkNumSlots  = 8
	blkQueueSize = blkNumSlots * 3

	blkSectorSize = 512
	// blockSize matches blockcache.BlockSize; duplicated rather than
	// imported to keep internal/virtio free of a dependency on the
	// filesystem cache layer.
	blockSize       = 4096
	sectorsPerBlock = blockSize / blkSectorSize

	blkTypeIn  = 0
	blkTypeOut = 1

	blkStatusOK = 0

	blkFeatureFlush   = uint64(1) << 9
	blkFeatureBlkSize = uint64(1) << 6
)

// Blk is Aurora's guest-side virtio-blk driver. It satisfies
// blockdev.Device directly so internal/blockcache and the filesystem
// layers can mount it exactly like the RAM-backed fallback device.
// Requests are issued synchronously: one in-flight request per call,
// using descriptor slot blockNo % blkNumSlots, with the caller blocking
// (busy-polling the used ring) until the device answers.
type Blk struct {
	t               *Transport
	q               *Queue
	hdrBufs         []Region
	dataBufs        []Region
	statusBufs      []Region
	capacitySectors uint64
}

// NewBlk probes, negotiates, and brings up a virtio-blk device at regs,
// using mem (at least BlkMemSize() bytes) for its queue and per-slot
// header/data/status buffers.
func NewBlk(regs Regs, mem Region) (*Blk, error) {
	t := NewTransport(regs)
	if err := t.Probe(blkDeviceID); err != nil {
		return nil, err
	}
	t.Reset()
	t.SetAcknowledgeDriver()

	want := featureVersion1 | blkFeatureFlush | blkFeatureBlkSize
	if _, err := t.NegotiateFeatures(want); err != nil {
		return nil, err
	}

	off := 0
	qLen := QueueMemSize(blkQueueSize)
	qMem := mem.Slice(off, qLen)
	off += qLen

	q := NewQueue(blkQueueSize, qMem)
	if err := t.SetupQueue(blkQueueReq, q); err != nil {
		return nil, err
	}

	hdrBufs := make([]Region, blkNumSlots)
	dataBufs := make([]Region, blkNumSlots)
	statusBufs := make([]Region, blkNumSlots)
	for i := 0; i < blkNumSlots; i++ {
		hdrBufs[i] = mem.Slice(off, 16)
		off += 16
		dataBufs[i] = mem.Slice(off, blockSize)
		off += blockSize
		statusBufs[i] = mem.Slice(off, 1)
		off += 1
	}

	t.SetDriverOK()

	var capBuf [8]byte
	for i := 0; i < 8; i += 4 {
		binary.LittleEndian.PutUint32(capBuf[i:i+4], t.ReadConfig32(uint64(i)))
	}
	capacity := binary.LittleEndian.Uint64(capBuf[:])

	klog.Marker("virtio-blk: ready")
	return &Blk{
		t: t, q: q,
		hdrBufs: hdrBufs, dataBufs: dataBufs, statusBufs: statusBufs,
		capacitySectors: capacity,
	}, nil
}

// BlkMemSize returns the guest memory Blk needs for its queue plus every
// slot's header/data/status buffers.
func BlkMemSize() int {
	return QueueMemSize(blkQueueSize) + blkNumSlots*(16+blockSize+1)
}

func (b *Blk) NumBlocks() uint64 { return b.capacitySectors / sectorsPerBlock }

func (b *Blk) ReadBlock(blockNo uint64, buf []byte) error {
	return b.request(blkTypeIn, blockNo, buf, true)
}

func (b *Blk) WriteBlock(blockNo uint64, data []byte) error {
	return b.request(blkTypeOut, blockNo, data, false)
}

func (b *Blk) request(reqType uint32, blockNo uint64, buf []byte, isRead bool) error {
	if blockNo >= b.NumBlocks() {
		return blockdev.ErrNoSuchDevice
	}
	if len(buf) != blockSize {
		return kerrno.EINVAL
	}

	slot := int(blockNo % blkNumSlots)
	hdr, data, status := b.hdrBufs[slot], b.dataBufs[slot], b.statusBufs[slot]

	binary.LittleEndian.PutUint32(hdr.Buf[0:4], reqType)
	binary.LittleEndian.PutUint32(hdr.Buf[4:8], 0)
	binary.LittleEndian.PutUint64(hdr.Buf[8:16], blockNo*sectorsPerBlock)
	if !isRead {
		copy(data.Buf, buf)
	}

	hdrDesc := uint16(slot * 3)
	dataDesc := hdrDesc + 1
	statusDesc := hdrDesc + 2

	dataFlags := uint16(descFNext)
	if isRead {
		dataFlags |= descFWrite
	}
	b.q.WriteDescriptor(hdrDesc, hdr.Addr, uint32(len(hdr.Buf)), descFNext, dataDesc)
	b.q.WriteDescriptor(dataDesc, data.Addr, uint32(len(data.Buf)), dataFlags, statusDesc)
	b.q.WriteDescriptor(statusDesc, status.Addr, uint32(len(status.Buf)), descFWrite, 0)

	b.q.PublishAvail(hdrDesc)
	b.t.Notify(blkQueueReq)

	for {
		if _, _, ok := b.q.PollUsed(); ok {
			break
		}
	}

	if status.Buf[0] != blkStatusOK {
		return kerrno.ErrDeviceFailure
	}
	if isRead {
		copy(buf, data.Buf)
	}
	return nil
}

var _ blockdev.Device = (*Blk)(nil)
