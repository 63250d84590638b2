// Package syscall implements Aurora's system-call layer: the dispatch
// table riscv64.HandleTrap calls into on every U-mode ecall, the ELF64
// loader execve drives, and the handlers for the named syscall subset.
// It is the one package that imports task/proc/mm/vfs/socket/netstack
// together, since every other package is deliberately kept ignorant of
// the others to avoid import cycles.
package syscall

import (
	"github.com/aurora-os/aurora/internal/arch/riscv64"
	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/klog"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/netstack"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/socket"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/vfs"
)

// Kernel implements riscv64.Dispatcher, holding every subsystem the
// syscall handlers need. A task's ID doubles as its PID (the process
// table mirrors the task table 1:1), so there is no separate PID
// allocator to keep in sync.
type Kernel struct {
	Cfg kconfig.Config

	Tasks  *task.Table
	Sched  *task.Scheduler
	SleepQ *task.SleepQueue
	Procs  *proc.Table
	Futex  *proc.FutexTable

	Mounts  *vfs.MountTable
	Sockets *socket.Table
	Net     *netstack.Stack

	FA    *mm.FrameAllocator
	Clock *riscv64.Clock

	tickCount uint64
}

func New(cfg kconfig.Config, tasks *task.Table, sched *task.Scheduler, sleepQ *task.SleepQueue, procs *proc.Table, futex *proc.FutexTable, mounts *vfs.MountTable, sockets *socket.Table, net *netstack.Stack, fa *mm.FrameAllocator, clock *riscv64.Clock) *Kernel {
	return &Kernel{
		Cfg: cfg, Tasks: tasks, Sched: sched, SleepQ: sleepQ, Procs: procs,
		Futex: futex, Mounts: mounts, Sockets: sockets, Net: net, FA: fa, Clock: clock,
	}
}

// current returns the calling task and its process entry. Both are always
// present for a trap arriving from U-mode -- there is no syscall path that
// runs without a current task.
func (k *Kernel) current() (*task.Task, *proc.Process) {
	id := k.Sched.Current()
	tk := k.Tasks.Get(id)
	p := k.Procs.Get(id)
	return tk, p
}

// Syscall decodes tf.SyscallNo()/tf.Args() and dispatches to the matching
// handler, returning the value dispatch.go's HandleTrap writes into a0:
// the syscall's non-negative result on success, or -errno on failure, per
// the usual Linux "errors cross as -errno" contract. Unimplemented
// syscall numbers return -ENOSYS rather than panicking, matching a real
// kernel's behavior toward a guest using a newer syscall than the host
// supports.
func (k *Kernel) Syscall(tf *riscv64.TrapFrame) uint64 {
	no := tf.SyscallNo()
	a := tf.Args()
	tk, p := k.current()

	switch no {
	case sysRead:
		return result(k.sysRead(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysWrite:
		return result(k.sysWrite(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysReadv:
		return result(k.sysReadv(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysWritev:
		return result(k.sysWritev(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysPread64:
		return result(k.sysPread(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), int64(a[3])))
	case sysPwrite64:
		return result(k.sysPwrite(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), int64(a[3])))
	case sysPreadv:
		return result(k.sysReadv(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysPwritev:
		return result(k.sysWritev(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysClose:
		return result(0, k.sysClose(p, int(a[0])))
	case sysLseek:
		return result(k.sysLseek(p, int(a[0]), int64(a[1]), int(a[2])))
	case sysFstat:
		return result(0, k.sysFstat(tk, p, int(a[0]), mm.VirtAddr(a[1])))
	case sysNewfstatat:
		return result(0, k.sysNewfstatat(tk, p, int(a[0]), mm.VirtAddr(a[1]), mm.VirtAddr(a[2]), int(a[3])))
	case sysOpenat:
		return result(k.sysOpenat(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), uint32(a[3])))
	case sysGetdents64:
		return result(k.sysGetdents64(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysUnlinkat:
		return result(0, k.sysUnlinkat(tk, p, int(a[0]), mm.VirtAddr(a[1])))
	case sysMknodat:
		return result(0, k.sysMknodat(tk, p, int(a[0]), mm.VirtAddr(a[1]), uint32(a[2])))
	case sysRenameat, sysRenameat2:
		return result(0, k.sysRenameat(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), mm.VirtAddr(a[3])))
	case sysLinkat:
		return result(0, k.sysLinkat(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), mm.VirtAddr(a[3])))
	case sysFchownat:
		return result(0, nil) // ownership is not modeled; accepted as a no-op
	case sysFchmodat, sysFchmod:
		return result(0, k.sysFchmodat(tk, p, int(a[0]), mm.VirtAddr(a[1]), uint32(a[2])))
	case sysFaccessat:
		return result(0, k.sysFaccessat(tk, p, int(a[0]), mm.VirtAddr(a[1])))
	case sysReadlinkat:
		return result(k.sysReadlinkat(tk, p, int(a[0]), mm.VirtAddr(a[1]), mm.VirtAddr(a[2]), int(a[3])))
	case sysUtimensat:
		return result(0, nil) // timestamp updates are not round-tripped to backing stores; accepted as a no-op
	case sysGetcwd:
		return result(k.sysGetcwd(p, mm.VirtAddr(a[0]), int(a[1])))
	case sysChdir:
		return result(0, k.sysChdir(tk, p, mm.VirtAddr(a[0])))
	case sysDup:
		return result(k.sysDup(p, int(a[0])))
	case sysDup3:
		return result(k.sysDup3(p, int(a[0]), int(a[1]), int(a[2])))
	case sysFcntl:
		return result(k.sysFcntl(p, int(a[0]), int(a[1]), a[2]))
	case sysPipe2:
		return result(0, k.sysPipe2(p, mm.VirtAddr(a[0]), int(a[1])))
	case sysIoctl:
		return result(0, kerrno.ENOSYS)
	case sysSync:
		return result(0, k.Mounts.SyncAll())
	case sysFsync:
		return result(0, nil) // every write already goes through the block cache's write-back path

	case sysBrk:
		return result(k.sysBrk(tk, p, mm.VirtAddr(a[0])))
	case sysMmap:
		return result(k.sysMmap(tk, p, mm.VirtAddr(a[0]), uint64(a[1]), int(a[2]), int(a[3]), int(a[4]), int64(a[5])))
	case sysMunmap:
		return result(0, k.sysMunmap(tk, mm.VirtAddr(a[0]), uint64(a[1])))
	case sysMprotect:
		return result(0, k.sysMprotect(tk, mm.VirtAddr(a[0]), uint64(a[1]), int(a[2])))

	case sysClone:
		return result(k.sysClone(tk, p, a[0], mm.VirtAddr(a[1]), uint64(a[4])))
	case sysExecve:
		return result(0, k.sysExecve(tk, p, mm.VirtAddr(a[0]), mm.VirtAddr(a[1]), mm.VirtAddr(a[2])))
	case sysExit, sysExitGroup:
		k.sysExit(tk, p, int(a[0]))
		return 0
	case sysWait4:
		return result(k.sysWait4(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysKill:
		return result(0, kerrno.ENOSYS) // signal delivery beyond SIGCHLD-on-exit is out of scope
	case sysGetpid:
		return uint64(tk.ID)
	case sysGetppid:
		return uint64(tk.Parent)
	case sysGettid:
		return uint64(tk.ID)
	case sysSetTidAddress:
		tk.ClearTID = a[0]
		return uint64(tk.ID)
	case sysSchedYield:
		k.Sched.YieldNow()
		return 0
	case sysNanosleep:
		return result(0, k.sysNanosleep(tk, mm.VirtAddr(a[0]), mm.VirtAddr(a[1])))
	case sysUname:
		return result(0, k.sysUname(tk, p, mm.VirtAddr(a[0])))
	case sysGetrlimit:
		return result(0, nil) // resource limits are unbounded in Aurora; reported as RLIM_INFINITY by the caller's libc default

	case sysFutex:
		return result(k.sysFutex(tk, p, mm.VirtAddr(a[0]), int(a[1]), uint32(a[2]), mm.VirtAddr(a[3])))

	case sysPpoll:
		return result(k.sysPpoll(tk, p, mm.VirtAddr(a[0]), int(a[1]), mm.VirtAddr(a[2])))
	case sysEpollCreate1:
		return result(k.sysEpollCreate1(p, int(a[0])))
	case sysEpollCtl:
		return result(0, k.sysEpollCtl(p, int(a[0]), int(a[1]), int(a[2]), mm.VirtAddr(a[3])))
	case sysEpollPwait:
		return result(k.sysEpollPwait(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), int(a[3])))
	case sysEventfd2:
		return result(k.sysEventfd2(p, uint64(a[0]), int(a[1])))
	case sysTimerfdCreate:
		return result(k.sysTimerfdCreate(p, int(a[0]), int(a[1])))
	case sysTimerfdSettime:
		return result(0, k.sysTimerfdSettime(p, int(a[0]), int(a[1]), mm.VirtAddr(a[2]), mm.VirtAddr(a[3])))
	case sysTimerfdGettime:
		return result(0, k.sysTimerfdGettime(p, int(a[0]), mm.VirtAddr(a[1])))

	case sysSocket:
		return result(k.sysSocket(p, int(a[0]), int(a[1]), int(a[2])))
	case sysBind:
		return result(0, k.sysBind(p, int(a[0]), mm.VirtAddr(a[1]), uint32(a[2])))
	case sysListen:
		return result(0, k.sysListen(p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysAccept:
		return result(k.sysAccept(tk, p, int(a[0]), mm.VirtAddr(a[1]), mm.VirtAddr(a[2]), 0))
	case sysAccept4:
		return result(k.sysAccept(tk, p, int(a[0]), mm.VirtAddr(a[1]), mm.VirtAddr(a[2]), int(a[3])))
	case sysConnect:
		return result(0, k.sysConnect(p, int(a[0]), mm.VirtAddr(a[1]), uint32(a[2])))
	case sysGetsockname:
		return result(0, k.sysGetsockname(p, int(a[0]), mm.VirtAddr(a[1]), mm.VirtAddr(a[2])))
	case sysGetpeername:
		return result(0, k.sysGetpeername(p, int(a[0]), mm.VirtAddr(a[1]), mm.VirtAddr(a[2])))
	case sysSendto:
		return result(k.sysSendto(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), int(a[3]), mm.VirtAddr(a[4]), uint32(a[5])))
	case sysRecvfrom:
		return result(k.sysRecvfrom(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), int(a[3]), mm.VirtAddr(a[4]), mm.VirtAddr(a[5])))
	case sysSendmsg:
		return result(k.sysSendmsg(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysRecvmsg:
		return result(k.sysRecvmsg(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2])))
	case sysSendmmsg:
		return result(k.sysSendmmsg(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), int(a[3])))
	case sysRecvmmsg:
		return result(k.sysRecvmmsg(tk, p, int(a[0]), mm.VirtAddr(a[1]), int(a[2]), int(a[3])))
	case sysGetsockopt:
		return result(0, k.sysGetsockopt(p, int(a[0]), int(a[1]), int(a[2]), mm.VirtAddr(a[3]), mm.VirtAddr(a[4])))
	case sysSetsockopt:
		return result(0, k.sysSetsockopt(p, int(a[0]), int(a[1]), int(a[2]), mm.VirtAddr(a[3]), int(a[4])))
	case sysShutdown:
		return result(0, k.sysShutdown(p, int(a[0]), int(a[1])))
	case sysSocketpair:
		return result(0, kerrno.ENOSYS) // AF_UNIX socketpair has no backing transport in Aurora's net stack (IPv4-only)

	default:
		klog.Debug("syscall: unimplemented", "no", no)
		return negateU(kerrno.ENOSYS)
	}
}

func result(v uint64, err error) uint64 {
	if err != nil {
		return negate(err)
	}
	return v
}

func negateU(e kerrno.Errno) uint64 { return uint64(int64(-e)) }

// PageFault resolves a write fault against a CoW page.
func (k *Kernel) PageFault(faultVA uint64, write bool) bool {
	tk, _ := k.current()
	if tk == nil || tk.Space == nil || !write {
		return false
	}
	va := mm.VirtAddr(faultVA)
	if !tk.Space.IsCOWFault(va) {
		return false
	}
	return tk.Space.HandleCOWFault(va) == nil
}

// TimerTick expires any sleep-queue deadlines that have passed and
// requests a reschedule on the next return to U-mode, implementing
// Aurora's tick-driven round-robin preemption: kernel mode is never
// preempted, so fromUser gates the request entirely.
func (k *Kernel) TimerTick(fromUser bool) bool {
	k.tickCount++
	if k.Clock != nil {
		k.Clock.Advance(uint64(k.Cfg.TickMillis))
	}
	k.SleepQ.Expire(k.tickCount, k.Sched)
	if fromUser {
		k.Sched.NeedResched = true
	}
	return k.Sched.NeedResched
}

// ExternalIRQ is invoked after a PLIC claim. Aurora wires exactly one
// external interrupt source, virtio-net's used-ring notification, so
// polling the stack unconditionally is sufficient -- a multi-device build
// would instead dispatch on irq via a PLIC-source-id table.
func (k *Kernel) ExternalIRQ(irq uint32) {
	if k.Net != nil {
		k.Net.Poll()
	}
}

// Fatal logs the trap frame and halts via the SBI SRST extension. It never
// returns, matching riscv64.Dispatcher's contract; the loop below is a
// backstop in case Shutdown does not take effect synchronously (e.g. under
// a test harness with a fake Ecall).
func (k *Kernel) Fatal(tf *riscv64.TrapFrame, reason string) {
	klog.Error("kernel: fatal trap", "reason", reason, "scause", tf.Scause, "sepc", tf.Sepc, "stval", tf.Stval)
	riscv64.Shutdown()
	for {
	}
}
