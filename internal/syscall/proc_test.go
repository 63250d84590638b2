package syscall

import (
	"encoding/binary"
	"testing"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/usercopy"
	"github.com/stretchr/testify/require"
)

func writeTimespecMs(t *testing.T, f *fixture, addr mm.VirtAddr, ms uint64) {
	t.Helper()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], ms/1000)
	binary.LittleEndian.PutUint64(buf[8:16], (ms%1000)*1_000_000)
	require.NoError(t, usercopy.CopyToUser(f.tk.Space, addr, buf[:]))
}

func TestNanosleepBlocksCurrentUntilExpire(t *testing.T) {
	f := newFixture(t, 64)
	reqAddr := f.mapUser(t, 1)
	writeTimespecMs(t, f, reqAddr, 40) // two ticks at the default 20ms TickMillis

	err := f.k.sysNanosleep(f.tk, reqAddr, 0)
	require.NoError(t, err)
	require.Equal(t, task.Blocked, f.tasks.State(f.tk.ID))

	f.k.SleepQ.Expire(1, f.sched)
	require.Equal(t, task.Blocked, f.tasks.State(f.tk.ID), "deadline not yet reached")

	f.k.SleepQ.Expire(2, f.sched)
	require.Equal(t, task.Ready, f.tasks.State(f.tk.ID))
	require.Equal(t, task.WaitTimeout, f.tasks.Get(f.tk.ID).WaitReason)
}

func TestWait4NoChildrenReturnsECHILD(t *testing.T) {
	f := newFixture(t, 16)
	_, err := f.k.sysWait4(f.tk, f.p, -1, 0, waitNoHang)
	require.ErrorIs(t, err, kerrno.ECHILD)
}

func TestWait4ReapsSpecificZombieChild(t *testing.T) {
	f := newFixture(t, 16)

	childID, ok := f.sched.SpawnKernelTask(0, func() {})
	require.True(t, ok)
	f.tasks.TransitionState(childID, task.Ready, task.Running)
	f.procs.Create(childID, f.tk.ID, 8)
	f.procs.Exit(childID, 7, f.sched, f.tasks)

	statusAddr := f.mapUser(t, 1)
	pid, err := f.k.sysWait4(f.tk, f.p, int(childID), statusAddr, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(childID), pid)
	require.Equal(t, task.Free, f.tasks.State(childID))
}

func TestWait4NoHangReturnsZeroWhenChildStillRunning(t *testing.T) {
	f := newFixture(t, 16)

	childID, ok := f.sched.SpawnKernelTask(0, func() {})
	require.True(t, ok)
	f.tasks.TransitionState(childID, task.Ready, task.Running)
	f.procs.Create(childID, f.tk.ID, 8)

	pid, err := f.k.sysWait4(f.tk, f.p, int(childID), 0, waitNoHang)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pid)
}

func TestUnameFillsAuroraIdentity(t *testing.T) {
	f := newFixture(t, 16)
	addr := f.mapUser(t, 1)
	require.NoError(t, f.k.sysUname(f.tk, f.p, addr))

	var buf [65 * 6]byte
	require.NoError(t, usercopy.CopyFromUser(f.tk.Space, addr, buf[:]))
	require.Contains(t, string(buf[0:65]), "Aurora")
	require.Contains(t, string(buf[4*65:5*65]), "riscv64")
}

func TestFutexWaitThenWakeViaSyscallLayer(t *testing.T) {
	f := newFixture(t, 64)
	addr := f.mapUser(t, 1)
	require.NoError(t, usercopy.CopyToUser(f.tk.Space, addr, []byte{5, 0, 0, 0}))

	// A mismatched expected value must return EAGAIN without blocking.
	_, err := f.k.sysFutex(f.tk, f.p, addr, futexWait|futexPrivateFlag, 99, 0)
	require.ErrorIs(t, err, kerrno.EAGAIN)
	require.Equal(t, task.Running, f.tasks.State(f.tk.ID))

	n, err := f.k.sysFutex(f.tk, f.p, addr, futexWake|futexPrivateFlag, 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n, "nobody is waiting yet")
}
