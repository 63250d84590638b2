package syscall

import (
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/usercopy"
)

// mmap/mprotect prot and flags bits, the generic Linux values.
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4

	mapShared    = 0x01
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

// userMmapTop is where anonymous mmap allocations start and grow downward
// from, per process; userStackTop is where execve places the initial stack.
// Both sit comfortably under Sv39's 38-bit user half (2^38 = 0x4000000000).
const (
	userStackTop mm.VirtAddr = 0x0000003fffff0000
	userMmapTop  mm.VirtAddr = 0x0000003f00000000
)

func pteFlagsFromProt(prot int) uint64 {
	flags := uint64(mm.PteU)
	if prot&protRead != 0 {
		flags |= mm.PteR
	}
	if prot&protWrite != 0 {
		flags |= mm.PteW
	}
	if prot&protExec != 0 {
		flags |= mm.PteX
	}
	return flags
}

// sysBrk implements brk(2): newBrk == 0 queries the current break without
// changing it, matching glibc's probe-then-grow convention.
func (k *Kernel) sysBrk(tk *task.Task, p *proc.Process, newBrk mm.VirtAddr) (uint64, error) {
	if p.Brk == 0 {
		p.Brk = p.BrkBase
	}
	if newBrk == 0 || newBrk < p.BrkBase {
		return uint64(p.Brk), nil
	}

	oldTop := p.Brk.Ceil()
	newTop := newBrk.Ceil()
	if newTop > oldTop {
		for va := oldTop; va < newTop; va += mm.PageSize {
			if _, err := tk.Space.MapAnon(va.VPN(), mm.PteR|mm.PteW); err != nil {
				return uint64(p.Brk), err
			}
		}
	} else if newTop < oldTop {
		for va := newTop; va < oldTop; va += mm.PageSize {
			tk.Space.Unmap(va.VPN())
		}
	}
	p.Brk = newBrk
	return uint64(p.Brk), nil
}

// sysMmap implements the MAP_ANONYMOUS|MAP_PRIVATE and simple file-backed
// MAP_PRIVATE cases mmap(2) is named for. MAP_SHARED is accepted but
// behaves as MAP_PRIVATE (no second mapping of the same frames exists to
// share with); MAP_FIXED honors addr as given.
func (k *Kernel) sysMmap(tk *task.Task, p *proc.Process, addr mm.VirtAddr, length uint64, prot, flags, fd int, offset int64) (uint64, error) {
	if length == 0 {
		return 0, kerrno.EINVAL
	}
	alignedLen := uint64(mm.VirtAddr(length).Ceil())

	var base mm.VirtAddr
	if flags&mapFixed != 0 {
		base = addr.Floor()
	} else {
		if p.MMapNext == 0 {
			p.MMapNext = userMmapTop
		}
		p.MMapNext -= mm.VirtAddr(alignedLen)
		base = p.MMapNext.Floor()
	}

	pteFlags := pteFlagsFromProt(prot)
	n := alignedLen / mm.PageSize
	for i := uint64(0); i < n; i++ {
		va := base + mm.VirtAddr(i*mm.PageSize)
		if _, err := tk.Space.MapAnon(va.VPN(), pteFlags); err != nil {
			return 0, err
		}
	}

	if flags&mapAnonymous == 0 {
		_, in, err := k.vfsHandle(p, fd)
		if err != nil {
			return 0, err
		}
		data := make([]byte, length)
		got, err := in.ReadAt(uint64(offset), data)
		if err != nil {
			return 0, err
		}
		if err := usercopy.CopyToUser(tk.Space, base, data[:got]); err != nil {
			return 0, err
		}
	}

	return uint64(base), nil
}

func (k *Kernel) sysMunmap(tk *task.Task, addr mm.VirtAddr, length uint64) error {
	if length == 0 {
		return kerrno.EINVAL
	}
	start := addr.Floor()
	end := (addr + mm.VirtAddr(length)).Ceil()
	for va := start; va < end; va += mm.PageSize {
		tk.Space.Unmap(va.VPN())
	}
	return nil
}

func (k *Kernel) sysMprotect(tk *task.Task, addr mm.VirtAddr, length uint64, prot int) error {
	if length == 0 {
		return kerrno.EINVAL
	}
	start := addr.Floor()
	end := (addr + mm.VirtAddr(length)).Ceil()
	flags := pteFlagsFromProt(prot)
	for va := start; va < end; va += mm.PageSize {
		if err := tk.Space.Protect(va.VPN(), flags); err != nil {
			return err
		}
	}
	return nil
}
