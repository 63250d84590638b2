package virtio

import (
	"encoding/binary"
	"net"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/klog"
)

const (
	netDeviceID      = 1
	netQueueRX       = 0
	netQueueTX       = 1
	netQueueSize     = 16
	netHeaderSize    = 12 // virtio_net_hdr_mrg_rxbuf, critical invariant
	netMaxFrame      = 1514
	netBufferSize    = netHeaderSize + netMaxFrame
	netFeatureMACBit = 5
)

// Net is Aurora's guest-side virtio-net driver: one RX queue kept
// perpetually pre-filled with empty buffers, one TX queue used
// synchronously (Send blocks until the device consumes the buffer). Every
// frame on the wire is prefixed with the 12-byte virtio_net_hdr_mrg_rxbuf
// header; Aurora negotiates no offload features, so outgoing headers are
// always all-zero and incoming ones are only consulted for their length.
type Net struct {
	t   *Transport
	rx  *Queue
	tx  *Queue
	rxBufs []Region
	txBufs []Region
	txNext int
	mac    net.HardwareAddr
}

// NewNet probes, negotiates, and brings up a virtio-net device at regs,
// using mem (which must be at least NetMemSize() bytes) for its queues and
// packet buffers. The RX ring is fully pre-filled with empty buffers before
// DRIVER_OK is set and the device is notified -- the device must never
// observe an empty RX ring once it can start delivering frames.
func NewNet(regs Regs, mem Region) (*Net, error) {
	t := NewTransport(regs)
	if err := t.Probe(netDeviceID); err != nil {
		return nil, err
	}
	t.Reset()
	t.SetAcknowledgeDriver()

	want := featureVersion1 | (uint64(1) << netFeatureMACBit)
	if _, err := t.NegotiateFeatures(want); err != nil {
		return nil, err
	}

	off := 0
	rxQueueLen := QueueMemSize(netQueueSize)
	txQueueLen := QueueMemSize(netQueueSize)
	rxMem := mem.Slice(off, rxQueueLen)
	off += rxQueueLen
	txMem := mem.Slice(off, txQueueLen)
	off += txQueueLen

	rx := NewQueue(netQueueSize, rxMem)
	tx := NewQueue(netQueueSize, txMem)
	if err := t.SetupQueue(netQueueRX, rx); err != nil {
		return nil, err
	}
	if err := t.SetupQueue(netQueueTX, tx); err != nil {
		return nil, err
	}

	rxBufs := make([]Region, netQueueSize)
	for i := range rxBufs {
		rxBufs[i] = mem.Slice(off, netBufferSize)
		off += netBufferSize
	}
	txBufs := make([]Region, netQueueSize)
	for i := range txBufs {
		txBufs[i] = mem.Slice(off, netBufferSize)
		off += netBufferSize
	}

	n := &Net{t: t, rx: rx, tx: tx, rxBufs: rxBufs, txBufs: txBufs}

	for i, buf := range rxBufs {
		rx.WriteDescriptor(uint16(i), buf.Addr, uint32(len(buf.Buf)), descFWrite, 0)
		rx.PublishAvail(uint16(i))
	}

	t.SetDriverOK()
	t.Notify(netQueueRX)

	var cfg [8]byte
	for i := 0; i < 8; i += 4 {
		binary.LittleEndian.PutUint32(cfg[i:i+4], t.ReadConfig32(uint64(i)))
	}
	n.mac = append(net.HardwareAddr(nil), cfg[0:6]...)

	klog.Marker("virtio-net: ready mac=" + n.mac.String())
	return n, nil
}

// NetMemSize returns the guest memory Net needs for its two queues plus
// the RX/TX packet buffer pools.
func NetMemSize() int {
	return 2*QueueMemSize(netQueueSize) + 2*netQueueSize*netBufferSize
}

func (n *Net) MAC() net.HardwareAddr { return n.mac }

// Send transmits one ethernet frame, prefixing the virtio-net header and
// blocking (busy-polling the used ring) until the device records
// completion. Aurora has one network device and one poll loop driving it,
// so a blocking send never contends with itself.
func (n *Net) Send(frame []byte) error {
	if len(frame) > netMaxFrame {
		return kerrno.EINVAL
	}
	slot := n.txNext
	n.txNext = (n.txNext + 1) % len(n.txBufs)
	buf := n.txBufs[slot]

	for i := 0; i < netHeaderSize; i++ {
		buf.Buf[i] = 0
	}
	copy(buf.Buf[netHeaderSize:], frame)
	total := netHeaderSize + len(frame)

	n.tx.WriteDescriptor(uint16(slot), buf.Addr, uint32(total), 0, 0)
	n.tx.PublishAvail(uint16(slot))
	n.t.Notify(netQueueTX)

	for {
		if _, _, ok := n.tx.PollUsed(); ok {
			return nil
		}
	}
}

// Poll drains every frame the device has delivered since the last call,
// invoking deliver with each frame's payload (header stripped) and
// immediately republishing the now-free buffer to the RX ring.
func (n *Net) Poll(deliver func(frame []byte)) {
	for {
		head, length, ok := n.rx.PollUsed()
		if !ok {
			return
		}
		buf := n.rxBufs[head]
		if int(length) > netHeaderSize {
			deliver(buf.Buf[netHeaderSize:length])
		}
		n.rx.WriteDescriptor(head, buf.Addr, uint32(len(buf.Buf)), descFWrite, 0)
		n.rx.PublishAvail(head)
	}
}
