package task

import (
	"sync"

	"github.com/aurora-os/aurora/internal/arch/riscv64"
)

// Scheduler is a single-core round-robin cyclic runqueue over Ready tasks,
// with cooperative yield and tick-driven preemption limited to U-mode
// preemption points. It never switches from within a trap handler:
// TimerTick only sets NeedResched; the idle context (IdleLoop) performs
// the actual SwitchContext call.
type Scheduler struct {
	mu      sync.Mutex
	table   *Table
	runq    []ID
	current ID

	idleCtx riscv64.Context

	NeedResched bool
}

func NewScheduler(table *Table) *Scheduler {
	return &Scheduler{table: table, current: Invalid}
}

// SpawnKernelTask allocates a task slot, a kernel stack (the caller
// supplies the already-allocated stack top since stack allocation lives in
// mm), and sets it Ready with a context that will enter entry with
// interrupts disabled.
func (s *Scheduler) SpawnKernelTask(kernelSP uint64, entry func()) (ID, bool) {
	id, ok := s.table.Allocate()
	if !ok {
		return Invalid, false
	}
	tk := s.table.Get(id)
	tk.KernelSP = kernelSP
	tk.entry = entry
	tk.Context = riscv64.Context{SP: kernelSP}

	s.mu.Lock()
	s.runq = append(s.runq, id)
	s.mu.Unlock()
	return id, true
}

func (s *Scheduler) Current() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// pickNext pops the runqueue head; returns Invalid if empty. The popped
// task rejoins the tail only when it is enqueued again (YieldNow, Wake,
// BlockCurrent's fallback), which is what makes the order cyclic.
func (s *Scheduler) pickNext() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runq) == 0 {
		return Invalid
	}
	id := s.runq[0]
	s.runq = s.runq[1:]
	return id
}

func (s *Scheduler) enqueue(id ID) {
	s.mu.Lock()
	s.runq = append(s.runq, id)
	s.mu.Unlock()
}

// YieldNow marks the current task Ready, enqueues it, clears current, and
// switches to the idle context.
func (s *Scheduler) YieldNow() {
	cur := s.Current()
	if cur != Invalid {
		s.table.TransitionState(cur, Running, Ready)
		s.enqueue(cur)
	}
	s.switchToIdle(cur)
}

// BlockCurrent transitions Running -> Blocked (validated) and enqueues on
// queue. If the current task is not actually Running (already resolved by
// another path), the transition fails, and the task is returned to Ready
// to skip a stale queue entry instead of blocking twice.
func (s *Scheduler) BlockCurrent(reason WaitReason, queue *WaitQueue) {
	cur := s.Current()
	if cur == Invalid {
		return
	}
	if s.table.TransitionState(cur, Running, Blocked) {
		tk := s.table.Get(cur)
		tk.WaitReason = WaitNone
		_ = reason
		queue.Enqueue(cur)
	} else {
		s.table.TransitionState(cur, Running, Ready)
		s.enqueue(cur)
	}
	s.switchToIdle(cur)
}

// Wake transitions a Blocked task to Ready, recording why it woke, and
// enqueues it on the runqueue. A task that is not currently Blocked (e.g.
// already reaped, or woken by a racing timeout) is silently ignored --
// this is the "stale ID" tolerance the state-transition validator
// provides.
func (s *Scheduler) Wake(id ID, reason WaitReason) {
	if !s.table.TransitionState(id, Blocked, Ready) {
		return
	}
	tk := s.table.Get(id)
	tk.WaitReason = reason
	s.enqueue(id)
}

// switchToIdle clears current and performs the context switch into the
// idle context (SP/RA already primed by the caller's Context), storing
// `from`'s context for later resumption when it is rescheduled.
func (s *Scheduler) switchToIdle(from ID) {
	s.mu.Lock()
	s.current = Invalid
	s.mu.Unlock()

	var fromCtx *riscv64.Context
	if from != Invalid {
		fromCtx = &s.table.Get(from).Context
	} else {
		var scratch riscv64.Context
		fromCtx = &scratch
	}
	riscv64.SwitchContext(fromCtx, &s.idleCtx)
}

// Schedule is the idle context's body: pick the next Ready task, switch
// into it, and clear NeedResched. It does not loop: it returns false when
// there was nothing Ready, in which case the caller should WFI and retry,
// and true otherwise.
func (s *Scheduler) Schedule() bool {
	id := s.pickNext()
	if id == Invalid {
		return false
	}
	if !s.table.TransitionState(id, Ready, Running) {
		// Raced with something else mutating this slot; drop it rather
		// than risk scheduling a task twice.
		return true
	}
	s.mu.Lock()
	s.current = id
	s.NeedResched = false
	s.mu.Unlock()

	tk := s.table.Get(id)
	riscv64.SwitchContext(&s.idleCtx, &tk.Context)
	return true
}
