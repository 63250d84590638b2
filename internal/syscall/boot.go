package syscall

import (
	"github.com/aurora-os/aurora/internal/arch/riscv64"
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/vfs"
)

// SpawnInit loads path from the mounted root filesystem into a brand-new
// task and process, the one-time bootstrap that has no calling task to
// inherit from (unlike sysClone/sysExecve, which always run on behalf of
// an already-scheduled task). cmd/kernel calls this exactly once, after
// every subsystem is wired but before the scheduler's idle loop starts.
func (k *Kernel) SpawnInit(path string, argv, envp []string) error {
	inode, err := vfs.Walk(k.Mounts, path)
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

	space, err := mm.NewAddressSpace(k.FA)
	if err != nil {
		return err
	}
	img, err := loadELF(space, k.FA, image)
	if err != nil {
		return err
	}

	const stackPages = 64
	stackTop := userStackTop
	for i := 0; i < stackPages; i++ {
		va := stackTop - mm.VirtAddr((i+1)*mm.PageSize)
		if _, err := space.MapAnon(va.VPN(), mm.PteR|mm.PteW); err != nil {
			return err
		}
	}
	sp, err := buildInitialStack(space, stackTop, argv, envp)
	if err != nil {
		return err
	}

	kernelTop, err := k.FA.AllocContiguousFrames(k.Cfg.KernelStackPages)
	if err != nil {
		return err
	}
	kernelSP := uint64(kernelTop.Addr()) + uint64(k.Cfg.KernelStackPages)*mm.PageSize

	entry := img.entry
	childID, ok := k.Sched.SpawnKernelTask(kernelSP, func() {
		riscv64.EnterUserMode(entry, uint64(sp))
	})
	if !ok {
		return kerrno.EAGAIN
	}
	child := k.Tasks.Get(childID)
	child.Space = space
	child.UserEntry = entry
	child.UserSP = uint64(sp)
	child.Parent = task.Invalid

	p := k.Procs.Create(childID, task.Invalid, k.Cfg.MaxOpenFiles)
	p.Space = space
	p.Cwd = "/"
	p.BrkBase = mm.VirtAddr(img.brk).Ceil()
	p.Brk = p.BrkBase
	p.MMapNext = userMmapTop
	return nil
}
