// Package task implements Aurora's fixed-slot task table and
// cooperative+tick-preemptive round-robin scheduler. The state-machine
// shape (fixed IDs indexing a table rather than pointers between tasks)
// generalizes the tagged-index idiom seen in device-kind dispatch tables
// elsewhere, applied here to the parent/child and wait-queue/task
// relationships that would otherwise be cyclic pointer references.
package task

import (
	"sync"

	"github.com/aurora-os/aurora/internal/arch/riscv64"
	"github.com/aurora-os/aurora/internal/mm"
)

type ID int

const Invalid ID = -1

type State int

const (
	Free State = iota
	Ready
	Running
	Blocked
	Zombie
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}

type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitNotified
	WaitTimeout
	WaitSignal
)

// Task is one entry in the fixed-size TaskTable. ClearTID is the
// CLONE_CHILD_CLEARTID address woken on exit, if set.
type Task struct {
	ID       ID
	State    State
	Parent   ID
	Context  riscv64.Context
	KernelSP uint64
	TrapF    *riscv64.TrapFrame // non-nil only while suspended in a trap

	Space *mm.AddressSpace

	UserEntry uint64
	UserSP    uint64

	WaitReason WaitReason
	ClearTID   uint64

	entry func() // for kernel-only tasks spawned with spawn_kernel_task
}

// Table is the fixed-slot task table every other subsystem (scheduler,
// process table, futex) indexes into by ID rather than holding pointers.
type Table struct {
	mu    sync.Mutex
	tasks []Task
}

func NewTable(maxTasks int) *Table {
	t := &Table{tasks: make([]Task, maxTasks)}
	for i := range t.tasks {
		t.tasks[i].ID = ID(i)
		t.tasks[i].State = Free
	}
	return t
}

// Allocate finds a Free slot, transitions it to Ready, and returns its ID.
func (t *Table) Allocate() (ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.tasks {
		if t.tasks[i].State == Free {
			t.tasks[i].State = Ready
			t.tasks[i].Parent = Invalid
			t.tasks[i].WaitReason = WaitNone
			return t.tasks[i].ID, true
		}
	}
	return Invalid, false
}

func (t *Table) Get(id ID) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || int(id) >= len(t.tasks) {
		return nil
	}
	return &t.tasks[id]
}

// TransitionState performs a validated state transition: it succeeds only
// if the task's current state equals expected, letting a stale
// wait-queue entry be silently discarded (the transition simply fails and
// the caller treats the entry as dead) rather than corrupting a task that
// has already moved on.
func (t *Table) TransitionState(id ID, expected, new State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || int(id) >= len(t.tasks) {
		return false
	}
	tk := &t.tasks[id]
	if tk.State != expected {
		return false
	}
	tk.State = new
	return true
}

// Free releases a Zombie task's slot back to Free, called by waitpid
// reaping once the parent has observed the exit status.
func (t *Table) Free(id ID) bool {
	return t.TransitionState(id, Zombie, Free)
}

func (t *Table) State(id ID) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || int(id) >= len(t.tasks) {
		return Free
	}
	return t.tasks[id].State
}
