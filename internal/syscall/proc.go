package syscall

import (
	"encoding/binary"

	"github.com/aurora-os/aurora/internal/arch/riscv64"
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/usercopy"
	"github.com/aurora-os/aurora/internal/vfs"
)

const (
	cloneVM = 0x00000100
)

func readTimespecMs(space *mm.AddressSpace, addr mm.VirtAddr) (uint64, error) {
	var buf [16]byte
	if err := usercopy.CopyFromUser(space, addr, buf[:]); err != nil {
		return 0, err
	}
	sec := binary.LittleEndian.Uint64(buf[0:8])
	nsec := binary.LittleEndian.Uint64(buf[8:16])
	return sec*1000 + nsec/1_000_000, nil
}

// sysClone implements the thread/process-creation half of clone(2): a new
// task slot, a COW-cloned (or, under CLONE_VM, shared) address space, and a
// kernel stack whose entry closure drops straight into U-mode at the
// instruction following the clone ecall. Unlike a real fork, the new task's
// non-SP general registers are not round-tripped through EnterUserMode
// (see riscv64.EnterUserMode's doc comment) -- an acknowledged scope trim
// recorded in DESIGN.md alongside the other "named skeleton" syscalls.
func (k *Kernel) sysClone(tk *task.Task, p *proc.Process, flags uint64, childStack mm.VirtAddr, tls uint64) (uint64, error) {
	var childSpace *mm.AddressSpace
	if flags&cloneVM != 0 {
		childSpace = tk.Space
	} else {
		var err error
		childSpace, err = mm.CloneUserRoot(tk.Space, k.FA)
		if err != nil {
			return 0, err
		}
	}

	sp := uint64(childStack)
	if sp == 0 {
		sp = tk.TrapF.GPR[riscv64.RegSP]
	}
	entryPC := tk.TrapF.Sepc // already advanced past the clone ecall by HandleTrap

	kernelTop, err := k.FA.AllocContiguousFrames(k.Cfg.KernelStackPages)
	if err != nil {
		return 0, err
	}
	kernelSP := uint64(kernelTop.Addr()) + uint64(k.Cfg.KernelStackPages)*mm.PageSize

	childID, ok := k.Sched.SpawnKernelTask(kernelSP, func() {
		riscv64.EnterUserMode(entryPC, sp)
	})
	if !ok {
		return 0, kerrno.EAGAIN
	}
	child := k.Tasks.Get(childID)
	child.Space = childSpace
	child.UserEntry = entryPC
	child.UserSP = sp
	child.Parent = tk.ID

	childProc := k.Procs.Create(childID, tk.ID, k.Cfg.MaxOpenFiles)
	childProc.Space = childSpace
	childProc.Cwd = p.Cwd
	childProc.Umask = p.Umask
	childProc.BrkBase = p.BrkBase
	childProc.Brk = p.Brk
	childProc.MMapNext = p.MMapNext
	if flags&cloneVM != 0 {
		childProc.Fds = p.Fds
	} else {
		childProc.Fds = p.Fds.Clone()
	}

	return uint64(childID), nil
}

// sysExecve replaces the calling task's address space with a freshly
// loaded ELF image: a new AddressSpace (the old one is released once the
// trap frame no longer needs it), argv/envp pushed per the RISC-V64 Linux
// ABI, and the trap frame's sepc/sp rewritten so the syscall's own return
// path resumes directly at the new entry point instead of back into the
// replaced program.
func (k *Kernel) sysExecve(tk *task.Task, p *proc.Process, pathAddr, argvAddr, envpAddr mm.VirtAddr) error {
	path, err := usercopy.CopyInString(tk.Space, pathAddr, maxPathLen)
	if err != nil {
		return err
	}
	full := path
	if len(full) == 0 || full[0] != '/' {
		full = p.Cwd + "/" + full
	}
	inode, err := vfs.Walk(k.Mounts, full)
	if err != nil {
		return err
	}
	st, err := inode.Stat()
	if err != nil {
		return err
	}
	image := make([]byte, st.Size)
	if _, err := inode.ReadAt(0, image); err != nil {
		return err
	}

	argv, err := readStringVector(tk.Space, argvAddr)
	if err != nil {
		return err
	}
	envp, err := readStringVector(tk.Space, envpAddr)
	if err != nil {
		return err
	}

	newSpace, err := mm.NewAddressSpace(k.FA)
	if err != nil {
		return err
	}
	img, err := loadELF(newSpace, k.FA, image)
	if err != nil {
		return err
	}

	const stackPages = 64
	stackTop := userStackTop
	for i := 0; i < stackPages; i++ {
		va := stackTop - mm.VirtAddr((i+1)*mm.PageSize)
		if _, err := newSpace.MapAnon(va.VPN(), mm.PteR|mm.PteW); err != nil {
			return err
		}
	}
	sp, err := buildInitialStack(newSpace, stackTop, argv, envp)
	if err != nil {
		return err
	}

	if p.Space != nil {
		p.Space.Release()
	}
	p.Space = newSpace
	p.BrkBase = mm.VirtAddr(img.brk).Ceil()
	p.Brk = p.BrkBase
	p.MMapNext = 0
	p.Fds.CloseOnExec()
	tk.Space = newSpace
	tk.UserEntry = img.entry
	tk.UserSP = uint64(sp)

	tk.TrapF.Sepc = img.entry
	tk.TrapF.GPR[riscv64.RegSP] = uint64(sp)
	return nil
}

func readStringVector(space *mm.AddressSpace, addr mm.VirtAddr) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	var out []string
	for i := 0; ; i++ {
		var ptrBuf [8]byte
		if err := usercopy.CopyFromUser(space, addr+mm.VirtAddr(i*8), ptrBuf[:]); err != nil {
			return nil, err
		}
		ptr := mm.VirtAddr(binary.LittleEndian.Uint64(ptrBuf[:]))
		if ptr == 0 {
			break
		}
		s, err := usercopy.CopyInString(space, ptr, maxPathLen)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// sysExit zeroes and wakes the task's clear-tid address (if set), marks the
// calling process a zombie and retires its task permanently: YieldNow's
// Running->Ready transition fails once the task table entry is already
// Zombie, and the runqueue entry YieldNow still adds is dropped by
// Schedule, whose Ready->Running transition fails for the same reason.
func (k *Kernel) sysExit(tk *task.Task, p *proc.Process, code int) {
	if tk.ClearTID != 0 {
		addr := mm.VirtAddr(tk.ClearTID)
		_ = usercopy.CopyToUser(tk.Space, addr, []byte{0, 0, 0, 0})
		if pa, _, err := tk.Space.TranslateUser(addr, false); err == nil {
			k.Futex.Wake(k.Sched, proc.SharedKey(pa), 1)
		}
		k.Futex.Wake(k.Sched, proc.PrivateKey(uint64(p.PID), addr), 1)
	}
	k.Procs.Exit(p.PID, code, k.Sched, k.Tasks)
	k.Sched.YieldNow()
}

const waitNoHang = 1

func writeWaitStatus(space *mm.AddressSpace, addr mm.VirtAddr, code int) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(code&0xff)<<8)
	return usercopy.CopyToUser(space, addr, buf[:])
}

func (k *Kernel) sysWait4(tk *task.Task, p *proc.Process, pid int, statusAddr mm.VirtAddr, options int) (uint64, error) {
	for {
		if pid == -1 {
			if !k.Procs.HasChildren(p.PID) {
				return 0, kerrno.ECHILD
			}
			if childID, code, ok := k.Procs.ReapAnyZombie(p.PID, k.Tasks); ok {
				if statusAddr != 0 {
					if err := writeWaitStatus(tk.Space, statusAddr, code); err != nil {
						return 0, err
					}
				}
				return uint64(childID), nil
			}
		} else {
			child := k.Procs.Get(task.ID(pid))
			if child == nil || child.PPID != p.PID {
				return 0, kerrno.ECHILD
			}
			if child.State == proc.PZombie {
				code, _ := k.Procs.Reap(p.PID, task.ID(pid), k.Tasks)
				if statusAddr != 0 {
					if err := writeWaitStatus(tk.Space, statusAddr, code); err != nil {
						return 0, err
					}
				}
				return uint64(pid), nil
			}
		}
		if options&waitNoHang != 0 {
			return 0, nil
		}
		k.Sched.BlockCurrent(task.WaitNotified, k.Procs.QueueFor(p.PID))
	}
}

func (k *Kernel) sysNanosleep(tk *task.Task, reqAddr, remAddr mm.VirtAddr) error {
	ms, err := readTimespecMs(tk.Space, reqAddr)
	if err != nil {
		return err
	}
	ticks := ms / uint64(k.Cfg.TickMillis)
	if ticks == 0 {
		ticks = 1
	}
	k.Sched.SleepMs(k.SleepQ, k.tickCount, ticks)
	if remAddr != 0 {
		var zero [16]byte
		_ = usercopy.CopyToUser(tk.Space, remAddr, zero[:])
	}
	return nil
}

// sysUname fills Linux's struct utsname: six 65-byte fixed fields.
func (k *Kernel) sysUname(tk *task.Task, p *proc.Process, addr mm.VirtAddr) error {
	const fieldLen = 65
	fields := []string{"Aurora", "aurora", "1.0.0", "aurora 1.0.0", "riscv64", ""}
	buf := make([]byte, fieldLen*len(fields))
	for i, s := range fields {
		copy(buf[i*fieldLen:], s)
	}
	return usercopy.CopyToUser(tk.Space, addr, buf)
}

const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128
)

func (k *Kernel) sysFutex(tk *task.Task, p *proc.Process, uaddr mm.VirtAddr, op int, val uint32, timeoutAddr mm.VirtAddr) (uint64, error) {
	cmd := op &^ futexPrivateFlag
	private := op&futexPrivateFlag != 0

	var key proc.FutexKey
	if private {
		key = proc.PrivateKey(uint64(p.PID), uaddr)
	} else {
		pa, _, err := tk.Space.TranslateUser(uaddr, false)
		if err != nil {
			return 0, err
		}
		key = proc.SharedKey(pa)
	}

	readCurrent := func() uint32 {
		var buf [4]byte
		_ = usercopy.CopyFromUser(tk.Space, uaddr, buf[:])
		return binary.LittleEndian.Uint32(buf[:])
	}

	switch cmd {
	case futexWait:
		hasTimeout := timeoutAddr != 0
		var timeoutMs uint64
		if hasTimeout {
			var err error
			timeoutMs, err = readTimespecMs(tk.Space, timeoutAddr)
			if err != nil {
				return 0, err
			}
		}
		err := k.Futex.Wait(k.Sched, k.SleepQ, tk, key, readCurrent, val, k.tickCount, timeoutMs, hasTimeout)
		return 0, err
	case futexWake:
		n := k.Futex.Wake(k.Sched, key, int(val))
		return uint64(n), nil
	}
	return 0, kerrno.ENOSYS
}
