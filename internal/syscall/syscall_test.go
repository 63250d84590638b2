package syscall

import (
	"testing"

	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/vfs"
)

// sliceMemory is a byte-slice-backed mm.PhysMemory for tests, the same
// stand-in internal/mm's own tests use in place of the kernel's
// identity-mapped RAM window.
type sliceMemory struct {
	buf []byte
}

func newSliceMemory(pages int) *sliceMemory {
	return &sliceMemory{buf: make([]byte, pages*mm.PageSize)}
}

func (m *sliceMemory) ReadAt(p mm.PhysAddr, buf []byte)  { copy(buf, m.buf[p:]) }
func (m *sliceMemory) WriteAt(p mm.PhysAddr, buf []byte) { copy(m.buf[p:], buf) }

// fixture bundles a Kernel with one already-scheduled task/process pair,
// ready to drive individual syscall handlers directly without going
// through riscv64.HandleTrap.
type fixture struct {
	k     *Kernel
	tasks *task.Table
	sched *task.Scheduler
	procs *proc.Table
	fa    *mm.FrameAllocator

	tk *task.Task
	p  *proc.Process
}

func newFixture(t *testing.T, framePages int) *fixture {
	t.Helper()
	cfg := kconfig.Default()
	mem := newSliceMemory(framePages)
	fa := mm.NewFrameAllocator(mem, 0, mm.PhysPageNum(framePages))

	tasks := task.NewTable(cfg.MaxTasks)
	sched := task.NewScheduler(tasks)
	sleepQ := &task.SleepQueue{}
	procs := proc.NewTable()
	futex := proc.NewFutexTable()
	mounts := vfs.NewMountTable()

	k := New(cfg, tasks, sched, sleepQ, procs, futex, mounts, nil, nil, fa, nil)

	space, err := mm.NewAddressSpace(fa)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	id, ok := sched.SpawnKernelTask(0, func() {})
	if !ok {
		t.Fatalf("SpawnKernelTask failed")
	}
	tk := tasks.Get(id)
	tk.Space = space

	for sched.Current() != id {
		if !sched.Schedule() {
			t.Fatalf("task %d never became runnable", id)
		}
	}

	p := procs.Create(id, task.Invalid, cfg.MaxOpenFiles)
	p.Space = space
	p.Cwd = "/"

	return &fixture{k: k, tasks: tasks, sched: sched, procs: procs, fa: fa, tk: tk, p: p}
}

// mapUser maps n pages of RW user memory starting at vpn 1, returning the
// virtual address of the mapping's first byte -- scratch space for
// syscall arguments that live in "user" memory (timespecs, iovecs, output
// buffers).
func (f *fixture) mapUser(t *testing.T, n int) mm.VirtAddr {
	t.Helper()
	const base mm.VirtPageNum = 1
	for i := 0; i < n; i++ {
		if _, err := f.tk.Space.MapAnon(base+mm.VirtPageNum(i), mm.PteR|mm.PteW); err != nil {
			t.Fatalf("MapAnon: %v", err)
		}
	}
	return base.Addr()
}
