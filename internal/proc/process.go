// Package proc implements the process table (parent/child, zombie
// reaping for waitpid), the futex private/shared wait-key machinery, and
// the per-process file-descriptor table.
package proc

import (
	"sync"

	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/task"
)

type ProcState int

const (
	PRunning ProcState = iota
	PZombie
	PFree
)

// Process mirrors the task table 1:1.
type Process struct {
	PID      task.ID
	State    ProcState
	PPID     task.ID
	ExitCode int
	Cwd      string
	Umask    uint32
	Fds      *FdTable
	Space    *mm.AddressSpace

	// Brk tracks the current program break; BrkBase is its initial value
	// set by execve, past the highest PT_LOAD segment. mmap's MAP_ANONYMOUS
	// allocations bump MMapNext downward from the syscall layer's
	// userMmapTop, which sits well below the user stack.
	BrkBase mm.VirtAddr
	Brk     mm.VirtAddr
	MMapNext mm.VirtAddr

	// Children lists PIDs spawned by this process, scanned by waitpid.
	Children []task.ID
}

type Table struct {
	mu    sync.Mutex
	procs map[task.ID]*Process

	// waitQueues holds each parent's waitpid wait queue -- one per PID so a
	// waitpid blocking on a specific parent only ever wakes on its own
	// children's exits.
	waitQueues map[task.ID]*task.WaitQueue
}

func NewTable() *Table {
	return &Table{
		procs:      make(map[task.ID]*Process),
		waitQueues: make(map[task.ID]*task.WaitQueue),
	}
}

func (t *Table) Create(pid, ppid task.ID, maxFds int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Process{PID: pid, PPID: ppid, State: PRunning, Fds: NewFdTable(maxFds)}
	t.procs[pid] = p
	if parent, ok := t.procs[ppid]; ok {
		parent.Children = append(parent.Children, pid)
	}
	t.waitQueues[pid] = &task.WaitQueue{}
	return p
}

func (t *Table) Get(pid task.ID) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid]
}

func (t *Table) QueueFor(parent task.ID) *task.WaitQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitQueues[parent]
}

// Exit marks pid Zombie with the given exit code and wakes its parent's
// waitpid queue. Reclamation (address-space release, fd table close) is
// deferred until Reap transitions it from Zombie to Free.
func (t *Table) Exit(pid task.ID, code int, sched *task.Scheduler, tasks *task.Table) {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.State = PZombie
	p.ExitCode = code
	parentQueue := t.waitQueues[p.PPID]
	t.mu.Unlock()

	tasks.TransitionState(pid, task.Running, task.Zombie)
	if parentQueue != nil {
		parentQueue.WakeAll(sched, task.WaitNotified)
	}
}

// Reap releases a Zombie child's address space and fd table, removes it
// from its parent's Children list, and frees its task slot. Returns
// (exitCode, true) on success.
func (t *Table) Reap(parent, child task.ID, tasks *task.Table) (int, bool) {
	t.mu.Lock()
	p, ok := t.procs[child]
	if !ok || p.State != PZombie || p.PPID != parent {
		t.mu.Unlock()
		return 0, false
	}
	code := p.ExitCode
	if p.Space != nil {
		p.Space.Release()
	}
	p.Fds.CloseAll()
	delete(t.procs, child)
	delete(t.waitQueues, child)

	if pp, ok := t.procs[parent]; ok {
		for i, c := range pp.Children {
			if c == child {
				pp.Children = append(pp.Children[:i], pp.Children[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()

	tasks.Free(child)
	return code, true
}

// ReapAnyZombie scans parent's children for the first Zombie and reaps it
// -- the loop body of waitpid(-1, ...). Returns (pid, code, true) if one
// was found.
func (t *Table) ReapAnyZombie(parent task.ID, tasks *task.Table) (task.ID, int, bool) {
	t.mu.Lock()
	pp, ok := t.procs[parent]
	if !ok {
		t.mu.Unlock()
		return task.Invalid, 0, false
	}
	var zombie task.ID = task.Invalid
	for _, c := range pp.Children {
		if child, ok := t.procs[c]; ok && child.State == PZombie {
			zombie = c
			break
		}
	}
	t.mu.Unlock()

	if zombie == task.Invalid {
		return task.Invalid, 0, false
	}
	code, ok := t.Reap(parent, zombie, tasks)
	return zombie, code, ok
}

// HasChildren reports whether parent still has any live (non-reaped)
// children, used by waitpid to decide whether to block at all.
func (t *Table) HasChildren(parent task.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pp, ok := t.procs[parent]
	return ok && len(pp.Children) > 0
}
