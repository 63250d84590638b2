package proc

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/task"
)

// FutexKey is a closed sum type: private keys are (address-space id,
// virtual address); shared keys are the backing physical address, so two
// different VAs mapping the same PA under FUTEX_PRIVATE_FLAG-less waits
// correctly alias onto one queue, exercised explicitly in futex_test.go.
type FutexKey struct {
	shared bool
	asid   uint64
	va     mm.VirtAddr
	pa     mm.PhysAddr
}

func PrivateKey(asid uint64, va mm.VirtAddr) FutexKey {
	return FutexKey{shared: false, asid: asid, va: va.Floor()}
}

func SharedKey(pa mm.PhysAddr) FutexKey {
	return FutexKey{shared: true, pa: pa.Floor()}
}

// FutexTable maps keys to wait queues, allocating a slot lazily on first
// wait and reclaiming it when the queue empties so addresses can be
// reused without leaking table slots.
type FutexTable struct {
	mu     sync.Mutex
	queues map[FutexKey]*task.WaitQueue
}

func NewFutexTable() *FutexTable {
	return &FutexTable{queues: make(map[FutexKey]*task.WaitQueue)}
}

func (f *FutexTable) queueFor(key FutexKey) *task.WaitQueue {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[key]
	if !ok {
		q = &task.WaitQueue{}
		f.queues[key] = q
	}
	return q
}

// reclaim drops a key's queue slot once it is empty, so waiting-queue slots
// don't accumulate for keys nobody is blocked on anymore.
func (f *FutexTable) reclaim(key FutexKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[key]; ok && q.Len() == 0 {
		delete(f.queues, key)
	}
}

// Wait implements FUTEX_WAIT: if *addr != val, returns EAGAIN immediately
// without blocking; otherwise blocks on key's queue,
// optionally with a timeout. self is the blocking task's own Task entry
// (owned by the syscall layer's caller) so its WaitReason can be read
// immediately after it resumes, distinguishing Notified from Timeout.
func (f *FutexTable) Wait(sched *task.Scheduler, sleepQ *task.SleepQueue, self *task.Task, key FutexKey, readCurrent func() uint32, val uint32, now uint64, timeoutMs uint64, hasTimeout bool) error {
	if readCurrent() != val {
		return kerrno.EAGAIN
	}
	q := f.queueFor(key)
	if hasTimeout {
		sched.WaitTimeout(q, sleepQ, now, timeoutMs)
	} else {
		sched.BlockCurrent(task.WaitNotified, q)
	}
	f.reclaim(key)
	if self.WaitReason == task.WaitTimeout {
		return kerrno.ETIMEDOUT
	}
	return nil
}

// Wake implements FUTEX_WAKE: wakes up to count waiters on key, returning
// how many were actually woken.
func (f *FutexTable) Wake(sched *task.Scheduler, key FutexKey, count int) int {
	q := f.queueFor(key)
	n := q.WakeN(sched, count, task.WaitNotified)
	f.reclaim(key)
	return n
}
