// Package socket implements Aurora's BSD socket layer: a fixed-index table
// of AF_INET/SOCK_STREAM and AF_INET/SOCK_DGRAM endpoints sitting directly
// on top of internal/netstack, reachable from internal/syscall through
// proc.FdObject's FdSocket variant (FdObject.SockID indexes this table).
//
// Like internal/vfs's Inode operating on plain []byte buffers rather than
// user virtual addresses, Socket's Send/Recv methods take and return kernel
// buffers; internal/syscall is the layer that copies them to/from user
// space via internal/usercopy. This keeps socket free of any mm dependency,
// the same separation internal/usercopy's own doc comment describes for
// internal/vfs.
package socket

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/netstack"
)

// Linux socket domain/type/flag constants (generic riscv64 ABI values --
// SOCK_NONBLOCK/SOCK_CLOEXEC are O_NONBLOCK/O_CLOEXEC reused as type bits,
// same as every non-x86 Linux port).
const (
	AFInet = 2

	SockStream    = 1
	SockDgram     = 2
	SockTypeMask  = 0xf
	SockNonblock  = 0o4000
	SockCloexec   = 0o2000000

	MsgDontWait = 0x40
)

// Setsockopt levels/names this layer understands; anything else is a no-op
// success, since there's no reason to fail syscalls over options with no
// behavioral effect in a kernel this small.
const (
	SolSocket  = 1
	SoError    = 4
	SoRcvTimeo = 20
	SoSndTimeo = 21
)

// SockAddrIn mirrors struct sockaddr_in. Addr holds the four address bytes
// exactly as they appear on the wire -- the testable property is that
// sin_addr round-trips with no byte-swap, so Encode/Decode never call
// ntohl/htonl on it, only a raw copy.
type SockAddrIn struct {
	Port uint16 // host-order port number; wire bytes are big-endian
	Addr [4]byte
}

const SockAddrInLen = 16

// DecodeSockAddrIn parses a 16-byte sockaddr_in. The port field is wire
// big-endian (network byte order) and is converted to a host-order uint16
// for Aurora's own bookkeeping; Addr is copied byte-for-byte, unchanged.
func DecodeSockAddrIn(raw []byte) (SockAddrIn, error) {
	if len(raw) < SockAddrInLen {
		return SockAddrIn{}, kerrno.EINVAL
	}
	family := binary.LittleEndian.Uint16(raw[0:2])
	if family != AFInet {
		return SockAddrIn{}, kerrno.EINVAL
	}
	var a SockAddrIn
	a.Port = binary.BigEndian.Uint16(raw[2:4])
	copy(a.Addr[:], raw[4:8])
	return a, nil
}

// Encode serializes a into a 16-byte sockaddr_in, for getsockname/
// getpeername/recvfrom's optional address-out parameter.
func (a SockAddrIn) Encode() []byte {
	raw := make([]byte, SockAddrInLen)
	binary.LittleEndian.PutUint16(raw[0:2], AFInet)
	binary.BigEndian.PutUint16(raw[2:4], a.Port)
	copy(raw[4:8], a.Addr[:])
	return raw
}

func (a SockAddrIn) IP() net.IP { return net.IP(append([]byte(nil), a.Addr[:]...)) }

type sockKind int

const (
	kindUDP sockKind = iota
	kindTCP
)

type connState int

const (
	stateUnconnected connState = iota
	stateConnecting
	stateConnected
	stateListening
	stateClosed
)

// Socket is one open AF_INET endpoint.
type Socket struct {
	table    *Table
	kind     sockKind
	nonBlock bool
	cloExec  bool

	mu    sync.Mutex
	state connState

	udp *netstack.UDPConn
	// udpPeer is the connect()-recorded default destination for a
	// connected UDP socket's plain Send/Recv (send(2)/recv(2) without an
	// explicit address).
	udpPeer    SockAddrIn
	hasUDPPeer bool

	tcpConn *netstack.Conn
	tcpLn   *netstack.Listener

	rcvTimeo time.Duration
	sndTimeo time.Duration
}

// Table is the per-kernel (in this single-process-space design, global)
// socket table, the FdSocket-side counterpart to proc.FdTable -- a fixed
// idiom: a mutex-guarded map keyed by a small integer, same shape as
// proc.Table/task.Table.
type Table struct {
	stack *netstack.Stack

	mu      sync.Mutex
	nextID  int
	sockets map[int]*Socket
}

func NewTable(stack *netstack.Stack) *Table {
	return &Table{stack: stack, sockets: make(map[int]*Socket)}
}

// Socket creates a new AF_INET socket of the given type (SOCK_STREAM or
// SOCK_DGRAM, optionally OR'd with SOCK_NONBLOCK/SOCK_CLOEXEC) and installs
// it in the table, returning its ID for FdObject.SockID.
func (t *Table) Socket(domain, typ, proto int) (int, *Socket, error) {
	if domain != AFInet {
		return 0, nil, kerrno.EINVAL
	}
	nonBlock := typ&SockNonblock != 0
	cloExec := typ&SockCloexec != 0
	base := typ & SockTypeMask

	var kind sockKind
	switch base {
	case SockStream:
		kind = kindTCP
	case SockDgram:
		kind = kindUDP
	default:
		return 0, nil, kerrno.EINVAL
	}

	s := &Socket{table: t, kind: kind, nonBlock: nonBlock, cloExec: cloExec}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.sockets[id] = s
	return id, s, nil
}

func (t *Table) Get(id int) (*Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sockets[id]
	return s, ok
}

func (t *Table) remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, id)
}

// CloExec reports whether FD_CLOEXEC should be set on the fd this socket
// was installed under, mirroring SOCK_CLOEXEC at creation time.
func (s *Socket) CloExec() bool { return s.cloExec }

// NonBlocking reports whether this socket was created (or fcntl'd) non-
// blocking.
func (s *Socket) NonBlocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonBlock
}

func (s *Socket) SetNonBlocking(v bool) {
	s.mu.Lock()
	s.nonBlock = v
	s.mu.Unlock()
}

func (s *Socket) SetCloExec(v bool) {
	s.mu.Lock()
	s.cloExec = v
	s.mu.Unlock()
}

////////////////////////////////////////////////////////////////////////////
// bind / listen / accept
////////////////////////////////////////////////////////////////////////////

// Bind binds the socket to addr.Port (a UDP socket allocates its endpoint
// immediately; a TCP socket just records the requested port for a later
// Listen).
func (s *Socket) Bind(addr SockAddrIn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == kindUDP {
		if s.udp != nil {
			return kerrno.EINVAL
		}
		conn, err := s.table.stack.UDPBind(addr.Port)
		if err != nil {
			return err
		}
		s.udp = conn
		return nil
	}
	// TCP bind is folded into Listen below; nothing to allocate yet.
	return nil
}

// Listen marks a TCP socket as a passive listener. backlog is accepted but
// unused: netstack.Listener has no bounded accept queue to size.
func (s *Socket) Listen(addr SockAddrIn, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind != kindTCP {
		return kerrno.EINVAL
	}
	if s.state != stateUnconnected {
		return kerrno.EINVAL
	}
	ln, err := s.table.stack.Listen(addr.Port)
	if err != nil {
		return err
	}
	s.tcpLn = ln
	s.state = stateListening
	return nil
}

// Accept returns a new connected Socket and the peer address if one is
// ready. flags carries accept4's SOCK_NONBLOCK/SOCK_CLOEXEC, applied to the
// new child socket. When nothing is pending and either the listener or the
// call itself is non-blocking, it returns EAGAIN; otherwise it polls the
// stack until a connection arrives, returning EAGAIN if none has arrived
// after 30 seconds.
func (t *Table) Accept(s *Socket, flags int) (int, *Socket, SockAddrIn, error) {
	s.mu.Lock()
	if s.kind != kindTCP || s.state != stateListening {
		s.mu.Unlock()
		return 0, nil, SockAddrIn{}, kerrno.EINVAL
	}
	ln := s.tcpLn
	nonBlock := s.nonBlock || flags&SockNonblock != 0
	s.mu.Unlock()

	conn, ok := ln.Accept()
	if !ok {
		if nonBlock {
			return 0, nil, SockAddrIn{}, kerrno.EAGAIN
		}
		deadline := time.Now().Add(30 * time.Second)
		for !ok && time.Now().Before(deadline) {
			t.stack.Poll()
			time.Sleep(time.Millisecond)
			conn, ok = ln.Accept()
		}
		if !ok {
			return 0, nil, SockAddrIn{}, kerrno.EAGAIN
		}
	}

	child := &Socket{
		table:    t,
		kind:     kindTCP,
		state:    stateConnected,
		tcpConn:  conn,
		nonBlock: flags&SockNonblock != 0,
		cloExec:  flags&SockCloexec != 0,
	}
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.sockets[id] = child
	t.mu.Unlock()

	remote := conn.RemoteAddr().(*net.TCPAddr)
	var addr SockAddrIn
	addr.Port = uint16(remote.Port)
	copy(addr.Addr[:], remote.IP.To4())
	return id, child, addr, nil
}

////////////////////////////////////////////////////////////////////////////
// connect
////////////////////////////////////////////////////////////////////////////

// Connect starts (or polls the progress of) a connection to addr. Repeated
// non-blocking calls follow the standard connect(2) state machine:
// first call returns EINPROGRESS, later calls while still connecting
// return EALREADY, a call once established returns EISCONN, and a call
// after the handshake failed returns the failure reason (ECONNREFUSED).
func (s *Socket) Connect(addr SockAddrIn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kind == kindUDP {
		if s.udp == nil {
			conn, err := s.table.stack.UDPBind(0)
			if err != nil {
				return err
			}
			s.udp = conn
		}
		s.udpPeer = addr
		s.hasUDPPeer = true
		s.state = stateConnected
		return nil
	}

	switch s.state {
	case stateConnected:
		return kerrno.EISCONN
	case stateConnecting:
		s.table.stack.Poll()
		if s.tcpConn.IsEstablished() {
			s.state = stateConnected
			return nil
		}
		if s.tcpConn.IsClosed() {
			s.state = stateClosed
			if err := s.tcpConn.Err(); err != nil {
				return err
			}
			return kerrno.ECONNREFUSED
		}
		return kerrno.EALREADY
	}

	conn, err := s.table.stack.Dial(addr.IP(), addr.Port)
	if err != nil {
		return err
	}
	s.tcpConn = conn
	s.state = stateConnecting
	return kerrno.EINPROGRESS
}

////////////////////////////////////////////////////////////////////////////
// send / recv
////////////////////////////////////////////////////////////////////////////

// Send writes payload to the socket's connected peer (TCP) or its
// connect()-recorded default destination (UDP).
func (s *Socket) Send(payload []byte, flags int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.kind {
	case kindTCP:
		if s.state != stateConnected {
			return 0, kerrno.EINVAL
		}
		return s.tcpConn.Write(payload)
	case kindUDP:
		if !s.hasUDPPeer {
			return 0, kerrno.EINVAL
		}
		return s.sendToLocked(s.udpPeer, payload)
	}
	return 0, kerrno.EINVAL
}

// SendTo writes payload to addr. It is valid only for UDP sockets; any
// other socket, a connected TCP socket included, gets EINVAL.
func (s *Socket) SendTo(addr SockAddrIn, payload []byte, flags int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind != kindUDP {
		return 0, kerrno.EINVAL
	}
	return s.sendToLocked(addr, payload)
}

func (s *Socket) sendToLocked(addr SockAddrIn, payload []byte) (int, error) {
	if s.udp == nil {
		conn, err := s.table.stack.UDPBind(0)
		if err != nil {
			return 0, err
		}
		s.udp = conn
	}
	if err := s.udp.SendTo(addr.IP(), addr.Port, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// Recv reads the next available payload. MSG_DONTWAIT (or a non-blocking
// socket) returns EAGAIN immediately if nothing is queued; otherwise it
// blocks up to the socket's SO_RCVTIMEO. If that is unset, a UDP socket
// blocks forever and a TCP socket gives up with ETIMEDOUT after 30 seconds.
func (s *Socket) Recv(maxLen int, flags int) ([]byte, SockAddrIn, error) {
	s.mu.Lock()
	dontWait := s.nonBlock || flags&MsgDontWait != 0
	rcvTimeo := s.rcvTimeo
	switch s.kind {
	case kindUDP:
		udp := s.udp
		s.mu.Unlock()
		if udp == nil {
			return nil, SockAddrIn{}, kerrno.EINVAL
		}
		if dontWait {
			data, from, ok := udp.TryRecvFrom()
			if !ok {
				return nil, SockAddrIn{}, kerrno.EAGAIN
			}
			return truncate(data, maxLen), fromSockAddr(from), nil
		}
		var deadline time.Time
		if rcvTimeo > 0 {
			deadline = time.Now().Add(rcvTimeo)
		}
		data, from, ok := recvFromBlocking(s.table.stack, udp, deadline)
		if !ok {
			return nil, SockAddrIn{}, kerrno.ETIMEDOUT
		}
		return truncate(data, maxLen), fromSockAddr(from), nil

	case kindTCP:
		conn := s.tcpConn
		s.mu.Unlock()
		if conn == nil {
			return nil, SockAddrIn{}, kerrno.EINVAL
		}
		if dontWait {
			data, ok := conn.TryRead()
			if !ok {
				return nil, SockAddrIn{}, kerrno.EAGAIN
			}
			if data == nil {
				return nil, SockAddrIn{}, nil // EOF: zero-length read
			}
			return truncate(data, maxLen), SockAddrIn{}, nil
		}
		deadline := time.Now().Add(30 * time.Second)
		if rcvTimeo > 0 {
			deadline = time.Now().Add(rcvTimeo)
		}
		for time.Now().Before(deadline) {
			s.table.stack.Poll()
			if data, ok := conn.TryRead(); ok {
				if data == nil {
					return nil, SockAddrIn{}, nil
				}
				return truncate(data, maxLen), SockAddrIn{}, nil
			}
			time.Sleep(time.Millisecond)
		}
		return nil, SockAddrIn{}, kerrno.ETIMEDOUT
	}
	s.mu.Unlock()
	return nil, SockAddrIn{}, kerrno.EINVAL
}

func recvFromBlocking(stack *netstack.Stack, udp *netstack.UDPConn, deadline time.Time) ([]byte, net.UDPAddr, bool) {
	if !deadline.IsZero() {
		return udp.RecvFrom(deadline)
	}
	// Forever: drive the stack's poll loop so a UDP datagram that must be
	// ARP-resolved/looped-back actually arrives instead of waiting on a
	// channel nothing ever feeds.
	for {
		stack.Poll()
		if data, from, ok := udp.TryRecvFrom(); ok {
			return data, from, true
		}
		time.Sleep(netstack.DefaultTickInterval)
	}
}

func fromSockAddr(u net.UDPAddr) SockAddrIn {
	var a SockAddrIn
	a.Port = uint16(u.Port)
	if ip4 := u.IP.To4(); ip4 != nil {
		copy(a.Addr[:], ip4)
	}
	return a
}

func truncate(b []byte, maxLen int) []byte {
	if maxLen >= 0 && len(b) > maxLen {
		return b[:maxLen]
	}
	return b
}

////////////////////////////////////////////////////////////////////////////
// iovec scatter/gather (sendmsg/recvmsg/sendmmsg/recvmmsg)
////////////////////////////////////////////////////////////////////////////

// SendMsg writes the concatenation of iov (already gathered into one slice
// by internal/syscall's usercopy step) to addr if given, else to the
// connected peer -- the iovec-flattening itself happens at the syscall
// layer since only it can walk user memory.
func (s *Socket) SendMsg(addr *SockAddrIn, iov []byte, flags int) (int, error) {
	if addr != nil {
		return s.SendTo(*addr, iov, flags)
	}
	return s.Send(iov, flags)
}

// RecvMsg is Recv with an always-populated from address (recvmsg always
// reports the sender, unlike recv).
func (s *Socket) RecvMsg(maxLen int, flags int) ([]byte, SockAddrIn, error) {
	return s.Recv(maxLen, flags)
}

// SendMMsg sends each of msgs in turn (sendmmsg's loop-of-sendmsg
// semantics), stopping at the first error and returning how many sent
// successfully beforehand.
func (s *Socket) SendMMsg(msgs [][]byte, addr *SockAddrIn, flags int) (int, error) {
	for i, m := range msgs {
		if _, err := s.SendMsg(addr, m, flags); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

////////////////////////////////////////////////////////////////////////////
// sockopt / sockname / close
////////////////////////////////////////////////////////////////////////////

// SetSockOpt applies the handful of options this stack gives real meaning
// to; anything else at SOL_SOCKET succeeds as a no-op rather than inventing
// unspecified effects.
func (s *Socket) SetSockOpt(level, name int, value []byte) error {
	if level != SolSocket {
		return nil
	}
	switch name {
	case SoRcvTimeo:
		d, err := decodeTimeval(value)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.rcvTimeo = d
		s.mu.Unlock()
	case SoSndTimeo:
		d, err := decodeTimeval(value)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.sndTimeo = d
		s.mu.Unlock()
	}
	return nil
}

// GetSockOpt reads back the options SetSockOpt understands, plus SO_ERROR
// (the pending-connect failure reason). Reading SO_ERROR does not clear
// it: every read reports the same failure again.
func (s *Socket) GetSockOpt(level, name int) ([]byte, error) {
	if level != SolSocket {
		return make([]byte, 4), nil
	}
	switch name {
	case SoError:
		s.mu.Lock()
		defer s.mu.Unlock()
		var errno int32
		if s.kind == kindTCP && s.tcpConn != nil {
			if err := s.tcpConn.Err(); err != nil {
				if e, ok := err.(kerrno.Errno); ok {
					errno = int32(e)
				}
			}
		}
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(errno))
		return buf, nil
	case SoRcvTimeo:
		s.mu.Lock()
		defer s.mu.Unlock()
		return encodeTimeval(s.rcvTimeo), nil
	case SoSndTimeo:
		s.mu.Lock()
		defer s.mu.Unlock()
		return encodeTimeval(s.sndTimeo), nil
	}
	return make([]byte, 4), nil
}

func decodeTimeval(b []byte) (time.Duration, error) {
	if len(b) < 16 {
		return 0, kerrno.EINVAL
	}
	sec := binary.LittleEndian.Uint64(b[0:8])
	usec := binary.LittleEndian.Uint64(b[8:16])
	return time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond, nil
}

func encodeTimeval(d time.Duration) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(d/time.Second))
	binary.LittleEndian.PutUint64(buf[8:16], uint64((d%time.Second)/time.Microsecond))
	return buf
}

// LocalAddr and PeerAddr back getsockname/getpeername.
func (s *Socket) LocalAddr(stack *netstack.Stack) SockAddrIn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var a SockAddrIn
	copy(a.Addr[:], stack.LocalIP().To4())
	switch s.kind {
	case kindUDP:
		if s.udp != nil {
			a.Port = s.udp.LocalPort()
		}
	case kindTCP:
		if s.tcpLn != nil {
			// netstack.Listener does not track its bound port separately
			// from the stack's listen table; callers that need it again
			// already have it from the Listen() call's argument.
		}
		if s.tcpConn != nil {
			local := s.tcpConn.LocalAddr().(*net.TCPAddr)
			a.Port = uint16(local.Port)
		}
	}
	return a
}

func (s *Socket) PeerAddr() (SockAddrIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == kindTCP && s.tcpConn != nil {
		remote := s.tcpConn.RemoteAddr().(*net.TCPAddr)
		var a SockAddrIn
		a.Port = uint16(remote.Port)
		copy(a.Addr[:], remote.IP.To4())
		return a, nil
	}
	if s.kind == kindUDP && s.hasUDPPeer {
		return s.udpPeer, nil
	}
	return SockAddrIn{}, kerrno.EINVAL
}

// Close releases the socket's underlying netstack resources and removes it
// from the table. id is the key this socket was installed under.
func (t *Table) Close(id int) error {
	s, ok := t.Get(id)
	if !ok {
		return kerrno.EBADF
	}
	s.mu.Lock()
	switch s.kind {
	case kindUDP:
		if s.udp != nil {
			_ = s.udp.Close()
		}
	case kindTCP:
		if s.tcpConn != nil {
			_ = s.tcpConn.Close()
		}
		if s.tcpLn != nil {
			_ = s.tcpLn.Close()
		}
	}
	s.state = stateClosed
	s.mu.Unlock()
	t.remove(id)
	return nil
}
