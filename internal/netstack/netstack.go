// Package netstack is Aurora's in-kernel network stack: a single-interface
// ARP/IPv4/ICMP/UDP/TCP implementation driven from the idle loop and from
// timer ticks, sitting directly on top of internal/virtio's guest-side
// virtio-net driver.
//
// This turns a host-side NIC emulator inside out: that shape emulated a
// host-side NIC and could speak to an arbitrary number of connecting
// "guest" VMs over a pluggable virtio backend, with pcap capture, a debug
// HTTP server, and a localhost service proxy. Aurora only ever has one
// interface, one static address, and nothing behind it to proxy
// connections to, so all of that is gone; what remains -- MAC learning,
// Ethernet/ARP/IPv4 framing, a small TCP state machine, UDP demux --
// keeps the same structure and naming, addressed from Aurora's own point
// of view instead of a hypervisor's.
//
// Notes and limitations:
//   - No IPv6, no IP fragmentation/reassembly.
//   - TCP has no retransmission or congestion control: SYN/ACK/FIN only,
//     one segment in flight at a time. A full BBR/CC stack is out of scope.
//   - Self-destined IPv4 traffic is injected directly into the receive path
//     instead of round-tripping through the virtio-net device.
package netstack

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/klog"
)

// Link is the minimal Ethernet transport Stack needs. internal/virtio.Net
// satisfies it directly; oracle_test.go substitutes a channel-backed fake
// wired to a reference stack.
type Link interface {
	MAC() net.HardwareAddr
	Send(frame []byte) error
	Poll(deliver func(frame []byte))
}

type etherType uint16

const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
)

const (
	arpHardwareEthernet = 1
	arpProtoIPv4        = 0x0800
)

const ethernetHeaderLen = 14

const udpHeaderLen = 8

// Linux IP protocol numbers, as used by golang.org/x/net/ipv4.Header.
const (
	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
)

// DefaultTickInterval is the default period between idle/tick polls.
const DefaultTickInterval = 20 * time.Millisecond

// arpTimeout and arpRetries bound how long resolve will block sending
// requests before giving up.
const (
	arpTimeout = 200 * time.Millisecond
	arpRetries = 5
)

type udpEndpoint interface {
	enqueue(data []byte, from net.UDPAddr)
}

// Stack is Aurora's single network interface: static address 10.0.2.15/24,
// gateway 10.0.2.2, one Link underneath.
type Stack struct {
	log  *slog.Logger
	link Link

	localIP   [4]byte
	gatewayIP [4]byte
	localMAC  net.HardwareAddr

	mu      sync.Mutex
	arpTbl  map[[4]byte]net.HardwareAddr

	rng *rand.Rand

	udpMu      sync.Mutex
	udpSockets map[uint16]udpEndpoint

	tcpMu     sync.Mutex
	tcpListen map[uint16]*Listener
	tcpConns  map[fourTuple]*Conn

	loggedArpReply bool
}

// New constructs a Stack bound to link, with Aurora's fixed address plan.
func New(l *slog.Logger, link Link) *Stack {
	mac := link.MAC()
	var seed int64
	if len(mac) == 6 {
		seed = int64(binary.BigEndian.Uint64(append([]byte{0, 0}, mac...)))
	}
	ns := &Stack{
		log:        l,
		link:       link,
		localIP:    [4]byte{10, 0, 2, 15},
		gatewayIP:  [4]byte{10, 0, 2, 2},
		localMAC:   mac,
		arpTbl:     make(map[[4]byte]net.HardwareAddr),
		rng:        rand.New(rand.NewSource(seed + 1)),
		udpSockets: make(map[uint16]udpEndpoint),
		tcpListen:  make(map[uint16]*Listener),
		tcpConns:   make(map[fourTuple]*Conn),
	}
	return ns
}

// LocalIP returns Aurora's interface address.
func (ns *Stack) LocalIP() net.IP { return net.IP(ns.localIP[:]) }

// GatewayIP returns the configured default gateway.
func (ns *Stack) GatewayIP() net.IP { return net.IP(ns.gatewayIP[:]) }

// Poll drains pending frames from the link. Called from the kernel idle
// loop and from a DefaultTickInterval timer, guarded by mu to serialize
// with anything else touching connection state (e.g. an IRQ handler that
// also calls Poll after a virtio-net interrupt).
func (ns *Stack) Poll() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.link.Poll(func(frame []byte) {
		if err := ns.handleEthernetFrame(frame); err != nil {
			klog.Debug("netstack: drop frame", "err", err)
		}
	})
}

////////////////////////////////////////////////////////////////////////////
// Ethernet + MAC helpers
////////////////////////////////////////////////////////////////////////////

func isBroadcast(addr net.HardwareAddr) bool {
	for _, b := range addr {
		if b != 0xff {
			return false
		}
	}
	return true
}

func macEqual(a, b net.HardwareAddr) bool {
	return len(a) == 6 && len(b) == 6 && string(a) == string(b)
}

// handleEthernetFrame must be called with mu held.
func (ns *Stack) handleEthernetFrame(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		return fmt.Errorf("frame too short: %d", len(frame))
	}
	dst := net.HardwareAddr(frame[:6])
	src := net.HardwareAddr(frame[6:12])
	et := etherType(binary.BigEndian.Uint16(frame[12:14]))
	payload := frame[14:]

	if !isBroadcast(dst) && !macEqual(dst, ns.localMAC) {
		return nil
	}

	switch et {
	case etherTypeARP:
		return ns.handleARPLocked(src, payload)
	case etherTypeIPv4:
		return ns.handleIPv4Locked(payload)
	default:
		return nil
	}
}

func (ns *Stack) sendFrame(dstMAC net.HardwareAddr, et etherType, payload []byte) error {
	frame := make([]byte, ethernetHeaderLen+len(payload))
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], ns.localMAC)
	binary.BigEndian.PutUint16(frame[12:14], uint16(et))
	copy(frame[ethernetHeaderLen:], payload)
	return ns.link.Send(frame)
}

////////////////////////////////////////////////////////////////////////////
// ARP
////////////////////////////////////////////////////////////////////////////

// handleARPLocked must be called with mu held.
func (ns *Stack) handleARPLocked(srcMAC net.HardwareAddr, payload []byte) error {
	if len(payload) < 28 {
		return fmt.Errorf("arp too short: %d", len(payload))
	}
	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	if hwType != arpHardwareEthernet || protoType != arpProtoIPv4 ||
		payload[4] != 6 || payload[5] != 4 {
		return nil
	}
	op := binary.BigEndian.Uint16(payload[6:8])
	senderMAC := net.HardwareAddr(append([]byte(nil), payload[8:14]...))
	var senderIP, targetIP [4]byte
	copy(senderIP[:], payload[14:18])
	copy(targetIP[:], payload[24:28])

	ns.arpTbl[senderIP] = senderMAC

	switch op {
	case 1: // request
		if targetIP != ns.localIP {
			return nil
		}
		return ns.sendARPReplyLocked(srcMAC, senderIP)
	case 2: // reply
		if senderIP == ns.gatewayIP && !ns.loggedArpReply {
			ns.loggedArpReply = true
			klog.Marker(fmt.Sprintf("net: arp reply from %s", net.IP(senderIP[:]).String()))
		}
	}
	return nil
}

func (ns *Stack) sendARPReplyLocked(dstMAC net.HardwareAddr, dstIP [4]byte) error {
	payload := make([]byte, 28)
	binary.BigEndian.PutUint16(payload[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(payload[2:4], arpProtoIPv4)
	payload[4], payload[5] = 6, 4
	binary.BigEndian.PutUint16(payload[6:8], 2)
	copy(payload[8:14], ns.localMAC)
	copy(payload[14:18], ns.localIP[:])
	copy(payload[18:24], dstMAC)
	copy(payload[24:28], dstIP[:])
	return ns.sendFrame(dstMAC, etherTypeARP, payload)
}

func (ns *Stack) sendARPRequestLocked(targetIP [4]byte) error {
	payload := make([]byte, 28)
	binary.BigEndian.PutUint16(payload[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(payload[2:4], arpProtoIPv4)
	payload[4], payload[5] = 6, 4
	binary.BigEndian.PutUint16(payload[6:8], 1)
	copy(payload[8:14], ns.localMAC)
	copy(payload[14:18], ns.localIP[:])
	copy(payload[24:28], targetIP[:])
	broadcast := net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	return ns.sendFrame(broadcast, etherTypeARP, payload)
}

// resolve returns the MAC for ip, resolving it via ARP. It pumps the link
// itself while waiting, since nothing else drives Poll while the caller
// blocks here (Dial/transmitIPv4 run outside the idle loop).
func (ns *Stack) resolve(ip [4]byte) (net.HardwareAddr, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if mac, ok := ns.arpTbl[ip]; ok {
		return mac, nil
	}
	for attempt := 0; attempt < arpRetries; attempt++ {
		if err := ns.sendARPRequestLocked(ip); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(arpTimeout)
		for time.Now().Before(deadline) {
			ns.link.Poll(func(frame []byte) {
				_ = ns.handleEthernetFrame(frame)
			})
			if mac, ok := ns.arpTbl[ip]; ok {
				return mac, nil
			}
			ns.mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			ns.mu.Lock()
		}
	}
	return nil, kerrno.ENETUNREACH
}

// nextHop picks the address a packet to dst must be ARP-resolved for: dst
// itself when it is on-link (10.0.2.0/24), the gateway otherwise.
func (ns *Stack) nextHop(dst [4]byte) [4]byte {
	if dst[0] == ns.localIP[0] && dst[1] == ns.localIP[1] && dst[2] == ns.localIP[2] {
		return dst
	}
	return ns.gatewayIP
}

////////////////////////////////////////////////////////////////////////////
// IPv4
////////////////////////////////////////////////////////////////////////////

// handleIPv4Locked must be called with mu held.
func (ns *Stack) handleIPv4Locked(frame []byte) error {
	hdr, err := ipv4.ParseHeader(frame)
	if err != nil {
		return err
	}
	payload := frame[hdr.Len:]
	if hdr.TotalLen > 0 && hdr.TotalLen <= len(frame) {
		payload = frame[hdr.Len:hdr.TotalLen]
	}
	dst := hdr.Dst.To4()
	if dst == nil || !ipEqual4(dst, ns.localIP) {
		return nil
	}
	switch hdr.Protocol {
	case protoUDP:
		return ns.handleUDPLocked(hdr, payload)
	case protoTCP:
		return ns.handleTCPLocked(hdr, payload)
	case protoICMP:
		return ns.handleICMPLocked(hdr, payload)
	default:
		return nil
	}
}

func ipEqual4(ip net.IP, want [4]byte) bool {
	return len(ip) == 4 && ip[0] == want[0] && ip[1] == want[1] && ip[2] == want[2] && ip[3] == want[3]
}

// transmitIPv4 builds an IPv4 packet and either loops it back internally --
// self-destined traffic never touches the virtio-net device -- or frames it
// over Ethernet to the resolved next hop.
func (ns *Stack) transmitIPv4(dst [4]byte, protocol int, payload []byte) error {
	hdr := &ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      64,
		Protocol: protocol,
		Src:      net.IP(ns.localIP[:]),
		Dst:      net.IP(dst[:]),
	}
	raw, err := hdr.Marshal()
	if err != nil {
		return err
	}
	packet := append(raw, payload...)
	fixIPv4Checksum(packet)

	if dst == ns.localIP {
		ns.mu.Lock()
		err := ns.handleIPv4Locked(packet)
		ns.mu.Unlock()
		return err
	}

	mac, err := ns.resolve(ns.nextHop(dst))
	if err != nil {
		return err
	}
	return ns.sendFrame(mac, etherTypeIPv4, packet)
}

////////////////////////////////////////////////////////////////////////////
// ICMP echo
////////////////////////////////////////////////////////////////////////////

// handleICMPLocked must be called with mu held.
func (ns *Stack) handleICMPLocked(hdr *ipv4.Header, payload []byte) error {
	reply, ok := buildEchoReply(payload)
	if !ok {
		return nil
	}
	var dst [4]byte
	copy(dst[:], hdr.Src.To4())
	return ns.transmitIPv4(dst, protoICMP, reply)
}

////////////////////////////////////////////////////////////////////////////
// UDP
////////////////////////////////////////////////////////////////////////////

// handleUDPLocked demuxes an inbound UDP datagram to a bound endpoint.
// Must be called with mu held.
func (ns *Stack) handleUDPLocked(hdr *ipv4.Header, payload []byte) error {
	if len(payload) < udpHeaderLen {
		return fmt.Errorf("udp datagram too short: %d", len(payload))
	}
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if int(length) > len(payload) || length < udpHeaderLen {
		return fmt.Errorf("udp length invalid: %d", length)
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	data := append([]byte(nil), payload[8:length]...)

	ns.udpMu.Lock()
	ep, ok := ns.udpSockets[dstPort]
	ns.udpMu.Unlock()
	if !ok {
		return nil
	}
	ep.enqueue(data, net.UDPAddr{IP: append(net.IP(nil), hdr.Src.To4()...), Port: int(srcPort)})
	return nil
}

// UDPConn is a bound UDP endpoint, usable directly by internal/socket.
type UDPConn struct {
	stack  *Stack
	port   uint16
	mu     sync.Mutex
	closed bool
	incoming chan udpDatagram
}

type udpDatagram struct {
	data []byte
	from net.UDPAddr
}

// UDPBind allocates (or reuses, for port 0) a UDP endpoint bound to port.
func (ns *Stack) UDPBind(port uint16) (*UDPConn, error) {
	ns.udpMu.Lock()
	defer ns.udpMu.Unlock()

	if port == 0 {
		for p := uint16(32768); p < 60999; p++ {
			if _, taken := ns.udpSockets[p]; !taken {
				port = p
				break
			}
		}
		if port == 0 {
			return nil, kerrno.EINVAL
		}
	} else if _, taken := ns.udpSockets[port]; taken {
		return nil, kerrno.EINVAL
	}

	c := &UDPConn{stack: ns, port: port, incoming: make(chan udpDatagram, 64)}
	ns.udpSockets[port] = c
	return c, nil
}

func (c *UDPConn) enqueue(data []byte, from net.UDPAddr) {
	select {
	case c.incoming <- udpDatagram{data: data, from: from}:
	default: // drop on a full queue
	}
}

// LocalPort returns the bound local port.
func (c *UDPConn) LocalPort() uint16 { return c.port }

// SendTo transmits a UDP datagram to dst:port.
func (c *UDPConn) SendTo(dst net.IP, port uint16, payload []byte) error {
	dst4 := dst.To4()
	if dst4 == nil {
		return kerrno.EINVAL
	}
	packet := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(packet[0:2], c.port)
	binary.BigEndian.PutUint16(packet[2:4], port)
	binary.BigEndian.PutUint16(packet[4:6], uint16(len(packet)))
	copy(packet[8:], payload)

	var dstArr [4]byte
	copy(dstArr[:], dst4)
	check := udpChecksum(net.IP(c.stack.localIP[:]), dst, packet)
	binary.BigEndian.PutUint16(packet[6:8], check)

	return c.stack.transmitIPv4(dstArr, protoUDP, packet)
}

// RecvFrom returns the next datagram, blocking until deadline (zero means
// forever). ok is false on timeout.
func (c *UDPConn) RecvFrom(deadline time.Time) (data []byte, from net.UDPAddr, ok bool) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timeout = time.After(time.Until(deadline))
	}
	select {
	case d := <-c.incoming:
		return d.data, d.from, true
	case <-timeout:
		return nil, net.UDPAddr{}, false
	}
}

// TryRecvFrom returns immediately: ok is false if nothing is queued.
func (c *UDPConn) TryRecvFrom() (data []byte, from net.UDPAddr, ok bool) {
	select {
	case d := <-c.incoming:
		return d.data, d.from, true
	default:
		return nil, net.UDPAddr{}, false
	}
}

// Close releases the bound port.
func (c *UDPConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stack.udpMu.Lock()
	delete(c.stack.udpSockets, c.port)
	c.stack.udpMu.Unlock()
	return nil
}

var _ udpEndpoint = (*UDPConn)(nil)
