package syscall

import (
	"encoding/binary"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/socket"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/usercopy"
)

func (k *Kernel) installSocket(p *proc.Process, id int, s *socket.Socket) (int, error) {
	obj := &proc.FdObject{Kind: proc.FdSocket, SockID: id}
	if s.CloExec() {
		obj.FdFlags = proc.FDCloexec
	}
	fd, ok := p.Fds.Install(obj)
	if !ok {
		k.Sockets.Close(id)
		return 0, kerrno.EMFILE
	}
	return fd, nil
}

func (k *Kernel) socketFd(p *proc.Process, fd int) (*socket.Socket, error) {
	obj, ok := p.Fds.Get(fd)
	if !ok || obj.Kind != proc.FdSocket {
		return nil, kerrno.EBADF
	}
	s, ok := k.Sockets.Get(obj.SockID)
	if !ok {
		return nil, kerrno.EBADF
	}
	return s, nil
}

func (k *Kernel) sysSocket(p *proc.Process, domain, typ, proto int) (uint64, error) {
	id, _, err := k.Sockets.Socket(domain, typ, proto)
	if err != nil {
		return 0, err
	}
	s, _ := k.Sockets.Get(id)
	fd, err := k.installSocket(p, id, s)
	if err != nil {
		return 0, err
	}
	return uint64(fd), nil
}

func readSockAddr(space *mm.AddressSpace, addr mm.VirtAddr) (socket.SockAddrIn, error) {
	var raw [socket.SockAddrInLen]byte
	if err := usercopy.CopyFromUser(space, addr, raw[:]); err != nil {
		return socket.SockAddrIn{}, err
	}
	return socket.DecodeSockAddrIn(raw[:])
}

func writeSockAddr(space *mm.AddressSpace, addr mm.VirtAddr, addrlenAddr mm.VirtAddr, a socket.SockAddrIn) error {
	if addr == 0 {
		return nil
	}
	raw := a.Encode()
	if err := usercopy.CopyToUser(space, addr, raw); err != nil {
		return err
	}
	if addrlenAddr != 0 {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		if err := usercopy.CopyToUser(space, addrlenAddr, lenBuf[:]); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) sysBind(p *proc.Process, fd int, addr mm.VirtAddr, addrlen uint32) error {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return err
	}
	a, err := readSockAddr(p.Space, addr)
	if err != nil {
		return err
	}
	return s.Bind(a)
}

func (k *Kernel) sysListen(p *proc.Process, fd int, addr mm.VirtAddr, backlog int) error {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return err
	}
	a, err := readSockAddr(p.Space, addr)
	if err != nil {
		a = socket.SockAddrIn{}
	}
	return s.Listen(a, backlog)
}

func (k *Kernel) sysAccept(tk *task.Task, p *proc.Process, fd int, addr, addrlenAddr mm.VirtAddr, flags int) (uint64, error) {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return 0, err
	}
	id, child, peer, err := k.Sockets.Accept(s, flags)
	if err != nil {
		return 0, err
	}
	newFd, err := k.installSocket(p, id, child)
	if err != nil {
		return 0, err
	}
	if err := writeSockAddr(tk.Space, addr, addrlenAddr, peer); err != nil {
		return 0, err
	}
	return uint64(newFd), nil
}

func (k *Kernel) sysConnect(p *proc.Process, fd int, addr mm.VirtAddr, addrlen uint32) error {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return err
	}
	a, err := readSockAddr(p.Space, addr)
	if err != nil {
		return err
	}
	return s.Connect(a)
}

func (k *Kernel) sysGetsockname(p *proc.Process, fd int, addr, addrlenAddr mm.VirtAddr) error {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return err
	}
	a := s.LocalAddr(k.Net)
	return writeSockAddr(p.Space, addr, addrlenAddr, a)
}

func (k *Kernel) sysGetpeername(p *proc.Process, fd int, addr, addrlenAddr mm.VirtAddr) error {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return err
	}
	a, err := s.PeerAddr()
	if err != nil {
		return err
	}
	return writeSockAddr(p.Space, addr, addrlenAddr, a)
}

func (k *Kernel) sysSendto(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, n, flags int, destAddr mm.VirtAddr, destLen uint32) (uint64, error) {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	if err := usercopy.CopyFromUser(tk.Space, addr, buf); err != nil {
		return 0, err
	}
	if destAddr != 0 {
		dest, err := readSockAddr(tk.Space, destAddr)
		if err != nil {
			return 0, err
		}
		sent, err := s.SendTo(dest, buf, flags)
		return uint64(sent), err
	}
	sent, err := s.Send(buf, flags)
	return uint64(sent), err
}

func (k *Kernel) sysRecvfrom(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, n, flags int, srcAddr, srcLenAddr mm.VirtAddr) (uint64, error) {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return 0, err
	}
	data, from, err := s.Recv(n, flags)
	if err != nil {
		return 0, err
	}
	if err := usercopy.CopyToUser(tk.Space, addr, data); err != nil {
		return 0, err
	}
	if srcAddr != 0 {
		if err := writeSockAddr(tk.Space, srcAddr, srcLenAddr, from); err != nil {
			return 0, err
		}
	}
	return uint64(len(data)), nil
}

// msghdr is the subset of struct msghdr sendmsg/recvmsg read: name/namelen,
// iov/iovlen. Control messages (cmsg) are not modeled -- Aurora's socket
// layer has no ancillary-data use case (no SCM_RIGHTS fd passing).
type msghdr struct {
	Name    mm.VirtAddr
	NameLen uint32
	Iov     mm.VirtAddr
	IovLen  uint64
}

func readMsghdr(space *mm.AddressSpace, addr mm.VirtAddr) (msghdr, error) {
	var buf [56]byte
	if err := usercopy.CopyFromUser(space, addr, buf[:]); err != nil {
		return msghdr{}, err
	}
	var m msghdr
	m.Name = mm.VirtAddr(leUint64(buf[0:8]))
	m.NameLen = uint32(leUint64(buf[8:16]))
	m.Iov = mm.VirtAddr(leUint64(buf[16:24]))
	m.IovLen = leUint64(buf[24:32])
	return m, nil
}

func gatherIovecs(tk *task.Task, m msghdr) ([]byte, error) {
	iovs, err := readIovecs(tk, m.Iov, int(m.IovLen))
	if err != nil {
		return nil, err
	}
	var total []byte
	for _, iov := range iovs {
		buf := make([]byte, iov.Len)
		if err := usercopy.CopyFromUser(tk.Space, iov.Base, buf); err != nil {
			return nil, err
		}
		total = append(total, buf...)
	}
	return total, nil
}

func scatterIovecs(tk *task.Task, m msghdr, data []byte) error {
	iovs, err := readIovecs(tk, m.Iov, int(m.IovLen))
	if err != nil {
		return err
	}
	off := 0
	for _, iov := range iovs {
		if off >= len(data) {
			break
		}
		end := off + int(iov.Len)
		if end > len(data) {
			end = len(data)
		}
		if err := usercopy.CopyToUser(tk.Space, iov.Base, data[off:end]); err != nil {
			return err
		}
		off = end
	}
	return nil
}

func (k *Kernel) sysSendmsg(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, flags int) (uint64, error) {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return 0, err
	}
	m, err := readMsghdr(tk.Space, addr)
	if err != nil {
		return 0, err
	}
	payload, err := gatherIovecs(tk, m)
	if err != nil {
		return 0, err
	}
	var dest *socket.SockAddrIn
	if m.Name != 0 {
		a, err := readSockAddr(tk.Space, m.Name)
		if err != nil {
			return 0, err
		}
		dest = &a
	}
	sent, err := s.SendMsg(dest, payload, flags)
	return uint64(sent), err
}

func (k *Kernel) sysRecvmsg(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, flags int) (uint64, error) {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return 0, err
	}
	m, err := readMsghdr(tk.Space, addr)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, iov := range mustIovecs(tk, m) {
		total += int(iov.Len)
	}
	data, from, err := s.RecvMsg(total, flags)
	if err != nil {
		return 0, err
	}
	if err := scatterIovecs(tk, m, data); err != nil {
		return 0, err
	}
	if m.Name != 0 {
		if err := writeSockAddr(tk.Space, m.Name, 0, from); err != nil {
			return 0, err
		}
	}
	return uint64(len(data)), nil
}

func mustIovecs(tk *task.Task, m msghdr) []iovec {
	iovs, err := readIovecs(tk, m.Iov, int(m.IovLen))
	if err != nil {
		return nil
	}
	return iovs
}

// mmsghdr is struct mmsghdr: a msghdr immediately followed by a uint32
// msg_len, used by sendmmsg/recvmmsg's array-of-messages ABI.
const mmsghdrLen = 56 + 8 // msghdr padded to 8, then msg_len+pad

func (k *Kernel) sysSendmmsg(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, vlen, flags int) (uint64, error) {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return 0, err
	}
	var msgs [][]byte
	var dest *socket.SockAddrIn
	for i := 0; i < vlen; i++ {
		m, err := readMsghdr(tk.Space, addr+mm.VirtAddr(i*mmsghdrLen))
		if err != nil {
			return 0, err
		}
		payload, err := gatherIovecs(tk, m)
		if err != nil {
			return 0, err
		}
		if dest == nil && m.Name != 0 {
			a, err := readSockAddr(tk.Space, m.Name)
			if err != nil {
				return 0, err
			}
			dest = &a
		}
		msgs = append(msgs, payload)
	}
	sent, err := s.SendMMsg(msgs, dest, flags)
	return uint64(sent), err
}

func (k *Kernel) sysRecvmmsg(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, vlen, flags int) (uint64, error) {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return 0, err
	}
	var received uint64
	for i := 0; i < vlen; i++ {
		m, err := readMsghdr(tk.Space, addr+mm.VirtAddr(i*mmsghdrLen))
		if err != nil {
			return received, err
		}
		total := 0
		for _, iov := range mustIovecs(tk, m) {
			total += int(iov.Len)
		}
		data, from, err := s.RecvMsg(total, flags|socket.MsgDontWait)
		if err != nil {
			break
		}
		if err := scatterIovecs(tk, m, data); err != nil {
			return received, err
		}
		if m.Name != 0 {
			_ = writeSockAddr(tk.Space, m.Name, 0, from)
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		_ = usercopy.CopyToUser(tk.Space, addr+mm.VirtAddr(i*mmsghdrLen+56), lenBuf[:])
		received++
	}
	return received, nil
}

func (k *Kernel) sysGetsockopt(p *proc.Process, fd, level, name int, valAddr, lenAddr mm.VirtAddr) error {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return err
	}
	val, err := s.GetSockOpt(level, name)
	if err != nil {
		return err
	}
	if err := usercopy.CopyToUser(p.Space, valAddr, val); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(val)))
	return usercopy.CopyToUser(p.Space, lenAddr, lenBuf[:])
}

func (k *Kernel) sysSetsockopt(p *proc.Process, fd, level, name int, valAddr mm.VirtAddr, valLen int) error {
	s, err := k.socketFd(p, fd)
	if err != nil {
		return err
	}
	val := make([]byte, valLen)
	if err := usercopy.CopyFromUser(p.Space, valAddr, val); err != nil {
		return err
	}
	return s.SetSockOpt(level, name, val)
}

func (k *Kernel) sysShutdown(p *proc.Process, fd, how int) error {
	_, err := k.socketFd(p, fd)
	if err != nil {
		return err
	}
	// Send-only/recv-only half-close is not modeled -- a full shutdown
	// would need a socket.Socket.Shutdown method this layer does not
	// expose; accepted as a no-op rather than ENOSYS, matching the
	// skeleton treatment of other partial-close syscalls.
	return nil
}
