package syscall

import (
	"encoding/binary"
	"sync"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/pipe"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/usercopy"
)

// poll(2)/epoll(2) event bits, the generic Linux values.
const (
	pollIn  = 0x001
	pollOut = 0x004
	pollErr = 0x008
	pollHup = 0x010
)

// fdReadyMask reports which of pollIn/pollOut are currently set for fd,
// per proc.FdObject.Kind. A regular file or directory handle is always
// ready in both directions (vfs's ReadAt/WriteAt never block); a pipe end
// defers to its ring buffer's Readable/Writable; a socket is reported
// ready in both directions unconditionally -- internal/socket exposes no
// peek-only readiness check that does not also consume or block, so
// poll/epoll on a socket degrades to "assume ready, let the blocking
// Recv/Send calls underneath sort it out" rather than true edge-accurate
// readiness. Recorded as a named scope trim in DESIGN.md.
func (k *Kernel) fdReadyMask(p *proc.Process, fd int) (int16, error) {
	obj, ok := p.Fds.Get(fd)
	if !ok {
		return 0, kerrno.EBADF
	}
	switch obj.Kind {
	case proc.FdVfsHandle:
		return pollIn | pollOut, nil
	case proc.FdPipeEnd:
		r := obj.Pipe.(*pipe.Ring)
		var mask int16
		if obj.PipeSide == proc.PipeRead && r.Readable() {
			mask |= pollIn
		}
		if obj.PipeSide == proc.PipeWrite && r.Writable() {
			mask |= pollOut
		}
		return mask, nil
	case proc.FdSocket:
		if _, ok := k.Sockets.Get(obj.SockID); !ok {
			return pollErr, nil
		}
		return pollIn | pollOut, nil
	case proc.FdEventfd:
		st := obj.Aux.(*eventfdState)
		st.mu.Lock()
		defer st.mu.Unlock()
		var mask int16 = pollOut
		if st.counter > 0 {
			mask |= pollIn
		}
		return mask, nil
	case proc.FdTimerfd:
		st := obj.Aux.(*timerfdState)
		if k.timerfdExpirations(st) > 0 {
			return pollIn, nil
		}
		return 0, nil
	}
	return 0, nil
}

////////////////////////////////////////////////////////////////////////////
// ppoll
////////////////////////////////////////////////////////////////////////////

const pollfdLen = 8

func (k *Kernel) sysPpoll(tk *task.Task, p *proc.Process, fdsAddr mm.VirtAddr, nfds int, timeoutAddr mm.VirtAddr) (uint64, error) {
	var timeoutMs uint64
	hasTimeout := false
	if timeoutAddr != 0 {
		ms, err := readTimespecMs(tk.Space, timeoutAddr)
		if err != nil {
			return 0, err
		}
		timeoutMs, hasTimeout = ms, true
	}
	deadlineTicks := k.tickCount + timeoutMs/uint64(k.Cfg.TickMillis) + 1

	for {
		ready := 0
		var buf []byte
		for i := 0; i < nfds; i++ {
			entry := fdsAddr + mm.VirtAddr(i*pollfdLen)
			var raw [pollfdLen]byte
			if err := usercopy.CopyFromUser(tk.Space, entry, raw[:]); err != nil {
				return 0, err
			}
			fd := int32(binary.LittleEndian.Uint32(raw[0:4]))
			events := int16(binary.LittleEndian.Uint16(raw[4:6]))
			mask, err := k.fdReadyMask(p, int(fd))
			if err != nil {
				mask = pollErr
			}
			revents := mask & (events | pollErr | pollHup)
			if revents != 0 {
				ready++
			}
			binary.LittleEndian.PutUint16(raw[6:8], uint16(revents))
			buf = append(buf, raw[:]...)
		}
		if err := usercopy.CopyToUser(tk.Space, fdsAddr, buf); err != nil {
			return 0, err
		}
		if ready > 0 || nfds == 0 {
			return uint64(ready), nil
		}
		if hasTimeout && k.tickCount >= deadlineTicks {
			return 0, nil
		}
		k.Sched.SleepMs(k.SleepQ, k.tickCount, 1)
	}
}

////////////////////////////////////////////////////////////////////////////
// epoll
////////////////////////////////////////////////////////////////////////////

type epollItem struct {
	events uint32
	data   uint64
}

// epollInstance is one epoll_create1 fd's interest list, installed as a
// proc.FdObject.Aux payload under the FdEpoll kind.
type epollInstance struct {
	mu    sync.Mutex
	items map[int]epollItem
}

const (
	epollCtlAdd = 1
	epollCtlDel = 2
	epollCtlMod = 3

	epollEventLen = 12 // packed struct epoll_event: uint32 events + uint64 data
)

func (k *Kernel) sysEpollCreate1(p *proc.Process, flags int) (uint64, error) {
	obj := &proc.FdObject{Kind: proc.FdEpoll, Aux: &epollInstance{items: make(map[int]epollItem)}}
	if flags&cloexecFlag != 0 {
		obj.FdFlags = proc.FDCloexec
	}
	fd, ok := p.Fds.Install(obj)
	if !ok {
		return 0, kerrno.EMFILE
	}
	return uint64(fd), nil
}

func (k *Kernel) epollFd(p *proc.Process, epfd int) (*epollInstance, error) {
	obj, ok := p.Fds.Get(epfd)
	if !ok || obj.Kind != proc.FdEpoll {
		return nil, kerrno.EBADF
	}
	return obj.Aux.(*epollInstance), nil
}

func (k *Kernel) sysEpollCtl(p *proc.Process, epfd, op, fd int, eventAddr mm.VirtAddr) error {
	ep, err := k.epollFd(p, epfd)
	if err != nil {
		return err
	}
	if _, ok := p.Fds.Get(fd); !ok {
		return kerrno.EBADF
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	switch op {
	case epollCtlDel:
		if _, ok := ep.items[fd]; !ok {
			return kerrno.EINVAL
		}
		delete(ep.items, fd)
		return nil
	case epollCtlAdd, epollCtlMod:
		var raw [epollEventLen]byte
		if err := usercopy.CopyFromUser(p.Space, eventAddr, raw[:]); err != nil {
			return err
		}
		item := epollItem{
			events: binary.LittleEndian.Uint32(raw[0:4]),
			data:   binary.LittleEndian.Uint64(raw[4:12]),
		}
		if op == epollCtlAdd {
			if _, exists := ep.items[fd]; exists {
				return kerrno.EEXIST
			}
		} else if _, exists := ep.items[fd]; !exists {
			return kerrno.EINVAL
		}
		ep.items[fd] = item
		return nil
	}
	return kerrno.EINVAL
}

func (k *Kernel) sysEpollPwait(tk *task.Task, p *proc.Process, epfd int, eventsAddr mm.VirtAddr, maxEvents, timeoutMs int) (uint64, error) {
	ep, err := k.epollFd(p, epfd)
	if err != nil {
		return 0, err
	}
	hasTimeout := timeoutMs >= 0
	deadlineTicks := k.tickCount + uint64(timeoutMs)/uint64(k.Cfg.TickMillis) + 1

	for {
		ep.mu.Lock()
		type pending struct {
			fd   int
			item epollItem
		}
		var fired []pending
		for fd, item := range ep.items {
			mask, ferr := k.fdReadyMask(p, fd)
			if ferr != nil {
				continue
			}
			if uint32(mask)&(item.events|pollErr|pollHup) != 0 {
				fired = append(fired, pending{fd, item})
				if len(fired) >= maxEvents {
					break
				}
			}
		}
		ep.mu.Unlock()

		if len(fired) > 0 {
			var buf []byte
			for _, fp := range fired {
				mask, _ := k.fdReadyMask(p, fp.fd)
				var rec [epollEventLen]byte
				binary.LittleEndian.PutUint32(rec[0:4], uint32(mask)&(fp.item.events|pollErr|pollHup))
				binary.LittleEndian.PutUint64(rec[4:12], fp.item.data)
				buf = append(buf, rec[:]...)
			}
			if err := usercopy.CopyToUser(tk.Space, eventsAddr, buf); err != nil {
				return 0, err
			}
			return uint64(len(fired)), nil
		}
		if hasTimeout && k.tickCount >= deadlineTicks {
			return 0, nil
		}
		if !hasTimeout && timeoutMs == 0 {
			return 0, nil
		}
		k.Sched.SleepMs(k.SleepQ, k.tickCount, 1)
	}
}

////////////////////////////////////////////////////////////////////////////
// eventfd
////////////////////////////////////////////////////////////////////////////

type eventfdState struct {
	mu       sync.Mutex
	counter  uint64
	semFlag  bool
}

const efdSemaphore = 1

// readEventfd implements eventfd's read(2): 8 bytes holding the counter
// (reset to zero), or 1 if EFD_SEMAPHORE and the counter was nonzero
// (decrementing it by one instead), or EAGAIN if the counter is zero.
// The read never blocks: OFlags is not consulted, so a blocking eventfd
// also gets EAGAIN on a zero counter.
func (k *Kernel) readEventfd(obj *proc.FdObject, n int) ([]byte, error) {
	if n < 8 {
		return nil, kerrno.EINVAL
	}
	st := obj.Aux.(*eventfdState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.counter == 0 {
		return nil, kerrno.EAGAIN
	}
	var v uint64
	if st.semFlag {
		v = 1
		st.counter--
	} else {
		v = st.counter
		st.counter = 0
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf, nil
}

// writeEventfd adds the 8-byte counter value in buf to the eventfd's
// counter, per eventfd's write(2); overflow (counter would hit
// ^uint64(0)) returns EINVAL, matching eventfd(2)'s documented behavior.
func (k *Kernel) writeEventfd(obj *proc.FdObject, buf []byte) error {
	if len(buf) < 8 {
		return kerrno.EINVAL
	}
	add := binary.LittleEndian.Uint64(buf)
	st := obj.Aux.(*eventfdState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if add >= ^uint64(0)-st.counter {
		return kerrno.EINVAL
	}
	st.counter += add
	return nil
}

// readTimerfd implements timerfd's read(2): an 8-byte expiration count, or
// EAGAIN if none have elapsed yet.
func (k *Kernel) readTimerfd(obj *proc.FdObject, n int) ([]byte, error) {
	if n < 8 {
		return nil, kerrno.EINVAL
	}
	st := obj.Aux.(*timerfdState)
	exp := k.timerfdExpirations(st)
	if exp == 0 {
		return nil, kerrno.EAGAIN
	}
	st.mu.Lock()
	st.lastRead += exp
	st.mu.Unlock()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, exp)
	return buf, nil
}

func (k *Kernel) sysEventfd2(p *proc.Process, initval uint64, flags int) (uint64, error) {
	obj := &proc.FdObject{
		Kind:   proc.FdEventfd,
		OFlags: flags,
		Aux:    &eventfdState{counter: initval, semFlag: flags&efdSemaphore != 0},
	}
	if flags&cloexecFlag != 0 {
		obj.FdFlags = proc.FDCloexec
	}
	fd, ok := p.Fds.Install(obj)
	if !ok {
		return 0, kerrno.EMFILE
	}
	return uint64(fd), nil
}

////////////////////////////////////////////////////////////////////////////
// timerfd
////////////////////////////////////////////////////////////////////////////

// timerfdState tracks an armed timer in tick units against the kernel's
// free-running tick counter, since there is no per-fd callback mechanism
// wired to TimerTick -- timerfdGettime/Settime and poll readiness compute
// elapsed expirations lazily from (currentTicks - armedAtTicks).
type timerfdState struct {
	mu           sync.Mutex
	armed        bool
	intervalMs   uint64
	valueTicks   uint64 // absolute tick the next expiration lands on
	intervalTicks uint64
	lastRead     uint64 // expirations already consumed via a read(2)
}

func (k *Kernel) sysTimerfdCreate(p *proc.Process, clockid, flags int) (uint64, error) {
	obj := &proc.FdObject{Kind: proc.FdTimerfd, OFlags: flags, Aux: &timerfdState{}}
	if flags&cloexecFlag != 0 {
		obj.FdFlags = proc.FDCloexec
	}
	fd, ok := p.Fds.Install(obj)
	if !ok {
		return 0, kerrno.EMFILE
	}
	return uint64(fd), nil
}

func (k *Kernel) timerfdFd(p *proc.Process, fd int) (*timerfdState, error) {
	obj, ok := p.Fds.Get(fd)
	if !ok || obj.Kind != proc.FdTimerfd {
		return nil, kerrno.EBADF
	}
	return obj.Aux.(*timerfdState), nil
}

// timerfdExpirations returns how many interval periods have elapsed since
// the timer was armed (or since the last read), without mutating state.
func (k *Kernel) timerfdExpirations(st *timerfdState) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.armed || k.tickCount < st.valueTicks {
		return 0
	}
	n := uint64(1)
	if st.intervalTicks > 0 {
		n += (k.tickCount - st.valueTicks) / st.intervalTicks
	}
	if n < st.lastRead {
		return 0
	}
	return n - st.lastRead
}

func msToTicks(ms, tickMillis uint64) uint64 {
	if tickMillis == 0 {
		return ms
	}
	ticks := ms / tickMillis
	if ticks == 0 && ms > 0 {
		ticks = 1
	}
	return ticks
}

func (k *Kernel) sysTimerfdSettime(p *proc.Process, fd, flags int, newAddr, oldAddr mm.VirtAddr) error {
	st, err := k.timerfdFd(p, fd)
	if err != nil {
		return err
	}
	// struct itimerspec: { struct timespec it_interval; struct timespec it_value; }
	var buf [32]byte
	if err := usercopy.CopyFromUser(p.Space, newAddr, buf[:]); err != nil {
		return err
	}
	intervalMs := binary.LittleEndian.Uint64(buf[0:8])*1000 + binary.LittleEndian.Uint64(buf[8:16])/1_000_000
	valueMs := binary.LittleEndian.Uint64(buf[16:24])*1000 + binary.LittleEndian.Uint64(buf[24:32])/1_000_000

	st.mu.Lock()
	defer st.mu.Unlock()
	if oldAddr != 0 {
		var old [32]byte
		binary.LittleEndian.PutUint64(old[0:8], st.intervalMs/1000)
		binary.LittleEndian.PutUint64(old[8:16], (st.intervalMs%1000)*1_000_000)
		_ = usercopy.CopyToUser(p.Space, oldAddr, old[:])
	}
	if valueMs == 0 {
		st.armed = false
		return nil
	}
	st.intervalMs = intervalMs
	st.intervalTicks = msToTicks(intervalMs, uint64(k.Cfg.TickMillis))
	st.valueTicks = k.tickCount + msToTicks(valueMs, uint64(k.Cfg.TickMillis))
	st.lastRead = 0
	st.armed = true
	return nil
}

func (k *Kernel) sysTimerfdGettime(p *proc.Process, fd int, addr mm.VirtAddr) error {
	st, err := k.timerfdFd(p, fd)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], st.intervalMs/1000)
	binary.LittleEndian.PutUint64(buf[8:16], (st.intervalMs%1000)*1_000_000)
	if st.armed && k.tickCount < st.valueTicks {
		remainMs := (st.valueTicks - k.tickCount) * uint64(k.Cfg.TickMillis)
		binary.LittleEndian.PutUint64(buf[16:24], remainMs/1000)
		binary.LittleEndian.PutUint64(buf[24:32], (remainMs%1000)*1_000_000)
	}
	return usercopy.CopyToUser(p.Space, addr, buf[:])
}
