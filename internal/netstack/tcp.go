// TCP support: a small state machine good enough for a handful of
// concurrent connections (SYN/ACK/FIN, no retransmission, no window
// scaling). A retransmission queue, RTT estimation, and full Reno
// congestion control are deliberately out of scope here. What does carry
// over is the TCP option parsing (MSS only; window scale and any other
// option are skipped over) and the sequence
// number wraparound helpers, since those are needed regardless of how
// minimal the rest of the machine is.
package netstack

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/aurora-os/aurora/internal/kerrno"
)

const tcpHeaderLen = 20

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
)

////////////////////////////////////////////////////////////////////////////
// TCP options (RFC 793, RFC 1323)
////////////////////////////////////////////////////////////////////////////

const (
	tcpOptEnd      = 0
	tcpOptNOP      = 1
	tcpOptMSS      = 2
	tcpOptWndScale = 3
)

type tcpOptions struct {
	mss    uint16
	hasMSS bool
}

func parseTCPOptions(options []byte) tcpOptions {
	var opts tcpOptions
	i := 0
	for i < len(options) {
		switch kind := options[i]; kind {
		case tcpOptEnd:
			return opts
		case tcpOptNOP:
			i++
		case tcpOptMSS:
			if i+4 <= len(options) && options[i+1] == 4 {
				opts.mss = binary.BigEndian.Uint16(options[i+2 : i+4])
				opts.hasMSS = true
			}
			if i+1 >= len(options) {
				return opts
			}
			i += int(options[i+1])
		default:
			if i+1 >= len(options) || options[i+1] < 2 {
				return opts
			}
			i += int(options[i+1])
		}
	}
	return opts
}

func buildMSSOption(mss uint16) []byte {
	opts := make([]byte, 4)
	opts[0] = tcpOptMSS
	opts[1] = 4
	binary.BigEndian.PutUint16(opts[2:4], mss)
	return opts
}

// defaultMSS keeps segments well under the virtio-net frame size
// (internal/virtio.netMaxFrame) once Ethernet/IPv4/TCP headers are added.
const defaultMSS = 1460

////////////////////////////////////////////////////////////////////////////
// Sequence number helpers (RFC 793 §3.3, modular arithmetic)
////////////////////////////////////////////////////////////////////////////

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLTE(a, b uint32) bool { return int32(a-b) <= 0 }

////////////////////////////////////////////////////////////////////////////
// Connection state
////////////////////////////////////////////////////////////////////////////

type fourTuple struct {
	srcIP   [4]byte
	dstIP   [4]byte
	srcPort uint16
	dstPort uint16
}

type tcpState int

const (
	tcpStateSynSent tcpState = iota
	tcpStateSynRcvd
	tcpStateEstablished
	tcpStateFinWait
	tcpStateClosed
)

func (s tcpState) String() string {
	switch s {
	case tcpStateSynSent:
		return "SYN_SENT"
	case tcpStateSynRcvd:
		return "SYN_RCVD"
	case tcpStateEstablished:
		return "ESTABLISHED"
	case tcpStateFinWait:
		return "FIN_WAIT"
	case tcpStateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is one TCP connection, reachable either by Dial (active open) or by
// accepting off a Listener (passive open).
type Conn struct {
	stack    *Stack
	listener *Listener
	key      fourTuple
	localIP  [4]byte

	mu       sync.Mutex
	state    tcpState
	localSeq uint32 // next sequence number Aurora will send
	peerSeq  uint32 // next sequence number expected from the peer
	err      error
	closed   bool
	recvBuf  chan []byte
}

func newConn(stack *Stack, listener *Listener, key fourTuple, localIP [4]byte) *Conn {
	return &Conn{
		stack:    stack,
		listener: listener,
		key:      key,
		localIP:  localIP,
		localSeq: stack.rng.Uint32(),
		recvBuf:  make(chan []byte, 256),
	}
}

// State returns the connection's current TCP state.
func (c *Conn) State() tcpState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsEstablished reports whether the handshake has completed -- the signal
// a non-blocking connect()'s poll loop and accept()'s listen loop both wait
// on. Exported as a predicate (rather than the unexported tcpState) so
// internal/socket never needs to import netstack's state constants.
func (c *Conn) IsEstablished() bool { return c.State() == tcpStateEstablished }

// IsClosed reports whether the connection has moved to a terminal state
// (an RST, a failed SYN, or an explicit Close).
func (c *Conn) IsClosed() bool {
	switch c.State() {
	case tcpStateClosed:
		return true
	default:
		return false
	}
}

// Err returns the error that moved the connection to tcpStateClosed before
// it ever reached tcpStateEstablished (used to surface SO_ERROR/ECONNREFUSED
// to a non-blocking connect()).
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP(c.key.srcIP[:]), Port: int(c.key.srcPort)}
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP(c.localIP[:]), Port: int(c.key.dstPort)}
}

////////////////////////////////////////////////////////////////////////////
// Listener
////////////////////////////////////////////////////////////////////////////

// Listener is a bound TCP port accepting inbound connections.
type Listener struct {
	stack *Stack
	port  uint16

	mu      sync.Mutex
	pending []*Conn
}

// Listen binds port for inbound TCP connections.
func (ns *Stack) Listen(port uint16) (*Listener, error) {
	ns.tcpMu.Lock()
	defer ns.tcpMu.Unlock()
	if _, ok := ns.tcpListen[port]; ok {
		return nil, kerrno.EINVAL
	}
	l := &Listener{stack: ns, port: port}
	ns.tcpListen[port] = l
	return l, nil
}

// Accept returns the oldest established inbound connection, if any.
func (l *Listener) Accept() (*Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, true
}

// Close stops accepting new connections on this port.
func (l *Listener) Close() error {
	l.stack.tcpMu.Lock()
	delete(l.stack.tcpListen, l.port)
	l.stack.tcpMu.Unlock()
	return nil
}

func (l *Listener) deliver(c *Conn) {
	l.mu.Lock()
	l.pending = append(l.pending, c)
	l.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////
// Active open
////////////////////////////////////////////////////////////////////////////

// Dial starts an active TCP open to dst:port. It returns immediately in
// tcpStateSynSent: the caller (internal/socket's connect()) polls State()
// across repeated Stack.Poll() calls, matching the non-blocking
// connect()/EINPROGRESS contract.
func (ns *Stack) Dial(dst net.IP, port uint16) (*Conn, error) {
	dst4 := dst.To4()
	if dst4 == nil {
		return nil, kerrno.EINVAL
	}
	var dstArr [4]byte
	copy(dstArr[:], dst4)

	ns.tcpMu.Lock()
	var localPort uint16
	for p := uint16(32768); p < 60999; p++ {
		key := fourTuple{srcIP: dstArr, dstIP: ns.localIP, srcPort: port, dstPort: p}
		if _, taken := ns.tcpConns[key]; !taken {
			localPort = p
			break
		}
	}
	if localPort == 0 {
		ns.tcpMu.Unlock()
		return nil, kerrno.EINVAL
	}
	key := fourTuple{srcIP: dstArr, dstIP: ns.localIP, srcPort: port, dstPort: localPort}
	c := newConn(ns, nil, key, ns.localIP)
	c.state = tcpStateSynSent
	ns.tcpConns[key] = c
	ns.tcpMu.Unlock()

	seq := c.localSeq
	c.localSeq++
	if err := ns.sendTCPSegment(c.localIP, key, seq, 0, tcpFlagSYN, buildMSSOption(defaultMSS)); err != nil {
		return nil, err
	}
	return c, nil
}

////////////////////////////////////////////////////////////////////////////
// Inbound demux
////////////////////////////////////////////////////////////////////////////

type tcpHeader struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	flags   uint16
	payload []byte
	options []byte
}

func parseTCPHeader(data []byte) (tcpHeader, error) {
	if len(data) < tcpHeaderLen {
		return tcpHeader{}, fmt.Errorf("tcp segment too short: %d", len(data))
	}
	hdrLen := int(data[12]>>4) * 4
	if len(data) < hdrLen {
		return tcpHeader{}, fmt.Errorf("tcp header length mismatch: %d", hdrLen)
	}
	h := tcpHeader{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   uint16(data[13]),
		payload: data[hdrLen:],
	}
	if hdrLen > tcpHeaderLen {
		h.options = data[tcpHeaderLen:hdrLen]
	}
	return h, nil
}

// handleTCPLocked must be called with mu held.
func (ns *Stack) handleTCPLocked(iphdr *ipv4.Header, payload []byte) error {
	hdr, err := parseTCPHeader(payload)
	if err != nil {
		return err
	}

	var key fourTuple
	copy(key.srcIP[:], iphdr.Src.To4())
	copy(key.dstIP[:], iphdr.Dst.To4())
	key.srcPort, key.dstPort = hdr.srcPort, hdr.dstPort

	ns.tcpMu.Lock()
	conn, ok := ns.tcpConns[key]
	if !ok {
		if hdr.flags&tcpFlagSYN == 0 || hdr.flags&tcpFlagACK != 0 {
			ns.tcpMu.Unlock()
			if hdr.flags&tcpFlagRST == 0 {
				return ns.sendRSTLocked(key, hdr)
			}
			return nil
		}
		listener, hasListener := ns.tcpListen[hdr.dstPort]
		if !hasListener {
			ns.tcpMu.Unlock()
			return ns.sendRSTLocked(key, hdr)
		}
		var localIP [4]byte
		copy(localIP[:], iphdr.Dst.To4())
		conn = newConn(ns, listener, key, localIP)
		conn.state = tcpStateSynRcvd
		conn.peerSeq = hdr.seq + 1
		ns.tcpConns[key] = conn
		ns.tcpMu.Unlock()

		opts := parseTCPOptions(hdr.options)
		mss := defaultMSS
		if opts.hasMSS && int(opts.mss) < mss {
			mss = int(opts.mss)
		}
		seq := conn.localSeq
		conn.localSeq++
		return ns.sendTCPSegment(localIP, key, seq, conn.peerSeq, tcpFlagSYN|tcpFlagACK, buildMSSOption(uint16(mss)))
	}
	ns.tcpMu.Unlock()
	return conn.handleSegment(hdr)
}

func (c *Conn) handleSegment(hdr tcpHeader) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	switch c.state {
	case tcpStateSynSent:
		if hdr.flags&tcpFlagRST != 0 {
			c.state, c.err = tcpStateClosed, kerrno.ECONNREFUSED
			c.mu.Unlock()
			return nil
		}
		if hdr.flags&(tcpFlagSYN|tcpFlagACK) != (tcpFlagSYN | tcpFlagACK) {
			c.mu.Unlock()
			return nil
		}
		c.peerSeq = hdr.seq + 1
		c.state = tcpStateEstablished
		seq := c.localSeq
		c.mu.Unlock()
		return c.stack.sendTCPSegment(c.localIP, c.key, seq, c.peerSeq, tcpFlagACK, nil)

	case tcpStateSynRcvd:
		if hdr.flags&tcpFlagACK == 0 {
			c.mu.Unlock()
			return nil
		}
		c.state = tcpStateEstablished
		listener := c.listener
		c.mu.Unlock()
		if listener != nil {
			listener.deliver(c)
		}
		if len(hdr.payload) > 0 || hdr.flags&tcpFlagFIN != 0 {
			return c.handleSegment(hdr)
		}
		return nil

	case tcpStateEstablished:
		if len(hdr.payload) > 0 {
			if hdr.seq != c.peerSeq {
				c.mu.Unlock()
				return nil // out of order; dropped, no retransmit to recover it
			}
			c.peerSeq += uint32(len(hdr.payload))
			data := append([]byte(nil), hdr.payload...)
			ack := c.peerSeq
			seq := c.localSeq
			c.mu.Unlock()
			select {
			case c.recvBuf <- data:
			default:
			}
			return c.stack.sendTCPSegment(c.localIP, c.key, seq, ack, tcpFlagACK, nil)
		}
		if hdr.flags&tcpFlagFIN != 0 {
			c.peerSeq++
			c.state = tcpStateFinWait
			ack := c.peerSeq
			seq := c.localSeq
			c.mu.Unlock()
			select {
			case c.recvBuf <- nil: // EOF marker
			default:
			}
			return c.stack.sendTCPSegment(c.localIP, c.key, seq, ack, tcpFlagACK, nil)
		}
		if hdr.flags&tcpFlagRST != 0 {
			c.state = tcpStateClosed
			c.err = kerrno.ECONNREFUSED
		}
		c.mu.Unlock()
		return nil

	default:
		c.mu.Unlock()
		return nil
	}
}

// Write transmits payload as a single PSH|ACK segment. No buffering: the
// whole payload becomes one TCP segment, so callers (internal/socket) must
// keep writes under the negotiated MSS.
func (c *Conn) Write(payload []byte) (int, error) {
	c.mu.Lock()
	if c.state != tcpStateEstablished {
		c.mu.Unlock()
		return 0, kerrno.EINVAL
	}
	seq := c.localSeq
	ack := c.peerSeq
	c.localSeq += uint32(len(payload))
	c.mu.Unlock()
	if err := c.stack.sendTCPSegment(c.localIP, c.key, seq, ack, tcpFlagACK|tcpFlagPSH, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// TryRead returns the next received segment, if any (data == nil, ok ==
// true means the peer has sent FIN: EOF).
func (c *Conn) TryRead() (data []byte, ok bool) {
	select {
	case d := <-c.recvBuf:
		return d, true
	default:
		return nil, false
	}
}

// Close sends FIN (if established) and removes the connection from the
// stack's table.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	needFin := c.state == tcpStateEstablished
	seq, ack := c.localSeq, c.peerSeq
	c.localSeq++
	c.closed = true
	c.state = tcpStateClosed
	c.mu.Unlock()

	if needFin {
		_ = c.stack.sendTCPSegment(c.localIP, c.key, seq, ack, tcpFlagFIN|tcpFlagACK, nil)
	}
	c.stack.tcpMu.Lock()
	delete(c.stack.tcpConns, c.key)
	c.stack.tcpMu.Unlock()
	return nil
}

////////////////////////////////////////////////////////////////////////////
// Segment transmission
////////////////////////////////////////////////////////////////////////////

func (ns *Stack) sendTCPSegment(localIP [4]byte, key fourTuple, seq, ack uint32, flags uint16, options []byte) error {
	optLen := (len(options) + 3) / 4 * 4
	hdrLen := tcpHeaderLen + optLen
	segment := make([]byte, hdrLen)
	binary.BigEndian.PutUint16(segment[0:2], key.dstPort)
	binary.BigEndian.PutUint16(segment[2:4], key.srcPort)
	binary.BigEndian.PutUint32(segment[4:8], seq)
	binary.BigEndian.PutUint32(segment[8:12], ack)
	segment[12] = byte(hdrLen / 4 << 4)
	segment[13] = byte(flags)
	binary.BigEndian.PutUint16(segment[14:16], 0xffff)
	copy(segment[tcpHeaderLen:], options)

	srcIP := net.IP(localIP[:])
	dstIP := net.IP(key.srcIP[:])
	check := tcpChecksum(srcIP, dstIP, segment)
	binary.BigEndian.PutUint16(segment[16:18], check)

	var dstArr [4]byte
	copy(dstArr[:], key.srcIP[:])
	return ns.transmitIPv4(dstArr, protoTCP, segment)
}

func (ns *Stack) sendRSTLocked(key fourTuple, hdr tcpHeader) error {
	var localIP [4]byte
	copy(localIP[:], key.dstIP[:])
	return ns.sendTCPSegment(localIP, key, hdr.ack, hdr.seq+uint32(len(hdr.payload))+1, tcpFlagRST|tcpFlagACK, nil)
}

// SelfTestLoopback dials and accepts a loopback connection on port to
// exercise the stack's self-destined path. cmd/kernel does not call it, and
// nothing emits a "net: tcp loopback ok" marker.
func (ns *Stack) SelfTestLoopback(port uint16) error {
	l, err := ns.Listen(port)
	if err != nil {
		return err
	}
	defer l.Close()

	c, err := ns.Dial(ns.LocalIP(), port)
	if err != nil {
		return err
	}
	defer c.Close()

	deadline := time.Now().Add(time.Second)
	var server *Conn
	for time.Now().Before(deadline) {
		ns.Poll()
		if s, ok := l.Accept(); ok {
			server = s
			break
		}
		time.Sleep(time.Millisecond)
	}
	if server == nil {
		return fmt.Errorf("loopback: no incoming connection")
	}
	defer server.Close()

	for time.Now().Before(deadline) && c.State() != tcpStateEstablished {
		ns.Poll()
		time.Sleep(time.Millisecond)
	}
	if c.State() != tcpStateEstablished {
		return fmt.Errorf("loopback: client never reached ESTABLISHED")
	}
	return nil
}
