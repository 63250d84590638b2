package proc

import (
	"testing"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/stretchr/testify/require"
)

func TestForkExitWaitpidReapsChild(t *testing.T) {
	tasks := task.NewTable(4)
	sched := task.NewScheduler(tasks)
	procs := NewTable()

	parentID, _ := tasks.Allocate()
	tasks.TransitionState(parentID, task.Ready, task.Running)
	procs.Create(parentID, task.Invalid, 8)

	childID, _ := tasks.Allocate()
	tasks.TransitionState(childID, task.Ready, task.Running)
	procs.Create(childID, parentID, 8)

	require.True(t, procs.HasChildren(parentID))

	procs.Exit(childID, 7, sched, tasks)
	require.Equal(t, task.Zombie, tasks.State(childID))

	pid, code, ok := procs.ReapAnyZombie(parentID, tasks)
	require.True(t, ok)
	require.Equal(t, childID, pid)
	require.Equal(t, 7, code)
	require.Equal(t, task.Free, tasks.State(childID))
	require.False(t, procs.HasChildren(parentID))
}

// schedule makes id the scheduler's current task via the same Schedule
// path the real idle loop uses; SwitchContext is a no-op stub outside
// assembly, so this is safe to call from tests (see
// internal/arch/riscv64/context.go).
func schedule(t *testing.T, sched *task.Scheduler, id task.ID) {
	t.Helper()
	for sched.Current() != id {
		got := sched.Schedule()
		require.True(t, got, "expected %d to be runnable", id)
	}
}

func TestFutexWaitMismatchReturnsEAgainWithoutBlocking(t *testing.T) {
	tasks := task.NewTable(2)
	sched := task.NewScheduler(tasks)
	ft := NewFutexTable()

	id, _ := sched.SpawnKernelTask(0, func() {})
	schedule(t, sched, id)
	tk := tasks.Get(id)

	key := PrivateKey(1, mm.VirtAddr(0x1000))
	err := ft.Wait(sched, &task.SleepQueue{}, tk, key, func() uint32 { return 99 }, 5, 0, 0, false)
	require.ErrorIs(t, err, kerrno.EAGAIN)
	require.Equal(t, task.Running, tasks.State(id), "mismatch must not block")
}

func TestFutexSharedKeyAliasesAcrossVirtualAddresses(t *testing.T) {
	ft := NewFutexTable()
	pa := mm.PhysAddr(0x8000)
	k1 := SharedKey(pa)
	k2 := SharedKey(pa)
	require.Equal(t, k1, k2, "two waits on the same physical page must share a queue")
	require.Same(t, ft.queueFor(k1), ft.queueFor(k2))
}

func TestFutexWakeWakesUpToCount(t *testing.T) {
	tasks := task.NewTable(4)
	sched := task.NewScheduler(tasks)
	ft := NewFutexTable()
	key := PrivateKey(1, mm.VirtAddr(0x2000))

	var ids []task.ID
	for i := 0; i < 3; i++ {
		id, _ := tasks.Allocate()
		tasks.TransitionState(id, task.Ready, task.Blocked)
		ft.queueFor(key).Enqueue(id)
		ids = append(ids, id)
	}

	woken := ft.Wake(sched, key, 2)
	require.Equal(t, 2, woken)
	require.Equal(t, task.Ready, tasks.State(ids[0]))
	require.Equal(t, task.Ready, tasks.State(ids[1]))
	require.Equal(t, task.Blocked, tasks.State(ids[2]))
}

// The WaitTimeout/Notified distinction itself -- SleepQueue.Expire setting
// WaitReason to WaitTimeout vs Scheduler.Wake setting WaitNotified -- is
// exercised directly in internal/task's TestSleepQueueExpire; here only the
// EAGAIN fast path and the key/queue aliasing are Futex-specific enough to
// need their own coverage.

func TestFdTableCloseOnExec(t *testing.T) {
	ft := NewFdTable(4)
	fd, ok := ft.Install(&FdObject{Kind: FdVfsHandle, FdFlags: FDCloexec})
	require.True(t, ok)
	fd2, _ := ft.Install(&FdObject{Kind: FdVfsHandle})

	ft.CloseOnExec()
	_, ok = ft.Get(fd)
	require.False(t, ok)
	_, ok = ft.Get(fd2)
	require.True(t, ok)
}

func TestFdTableInstallLowestFree(t *testing.T) {
	ft := NewFdTable(3)
	a, _ := ft.Install(&FdObject{})
	b, _ := ft.Install(&FdObject{})
	require.Equal(t, 0, a)
	require.Equal(t, 1, b)
	ft.Close(a)
	c, _ := ft.Install(&FdObject{})
	require.Equal(t, 0, c, "lowest free fd must be reused")
}

func TestFdTableCloneDuplicatesSlots(t *testing.T) {
	ft := NewFdTable(2)
	ft.Install(&FdObject{Kind: FdVfsHandle, Offset: 42})

	cp := ft.Clone()
	obj, ok := cp.Get(0)
	require.True(t, ok)
	require.EqualValues(t, 42, obj.Offset)

	ft.Close(0)
	_, stillThere := cp.Get(0)
	require.True(t, stillThere, "clone must be independent of the original table")
}
