package riscv64

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	syscalled    bool
	faulted      bool
	fatal        string
	tickedUser   bool
	irq          uint32
}

func (f *fakeDispatcher) Syscall(tf *TrapFrame) uint64 {
	f.syscalled = true
	return 42
}
func (f *fakeDispatcher) PageFault(faultVA uint64, write bool) bool {
	f.faulted = true
	return write
}
func (f *fakeDispatcher) TimerTick(fromUser bool) bool {
	f.tickedUser = fromUser
	return true
}
func (f *fakeDispatcher) ExternalIRQ(irq uint32) { f.irq = irq }
func (f *fakeDispatcher) Fatal(tf *TrapFrame, reason string) { f.fatal = reason }

type fakeMMIO struct{ regs map[uint64]uint32 }

func newFakeMMIO() *fakeMMIO { return &fakeMMIO{regs: map[uint64]uint32{}} }
func (m *fakeMMIO) Read32(off uint64) uint32  { return m.regs[off] }
func (m *fakeMMIO) Write32(off uint64, v uint32) { m.regs[off] = v }

func TestHandleTrapEcallAdvancesSepc(t *testing.T) {
	tf := &TrapFrame{Sepc: 0x1000, Scause: CauseUEcall}
	d := &fakeDispatcher{}
	plic := NewPLIC(newFakeMMIO(), 0)
	HandleTrap(tf, d, plic)

	require.True(t, d.syscalled)
	require.Equal(t, uint64(0x1004), tf.Sepc)
	require.Equal(t, uint64(42), tf.A0())
}

func TestHandleTrapCOWWriteFaultResolves(t *testing.T) {
	tf := &TrapFrame{Scause: CauseStorePageFault, Stval: 0x2000}
	d := &fakeDispatcher{}
	HandleTrap(tf, d, NewPLIC(newFakeMMIO(), 0))
	require.True(t, d.faulted)
	require.Empty(t, d.fatal)
}

func TestHandleTrapReadFaultIsFatal(t *testing.T) {
	tf := &TrapFrame{Scause: CauseLoadPageFault, Stval: 0x2000}
	d := &fakeDispatcher{}
	HandleTrap(tf, d, NewPLIC(newFakeMMIO(), 0))
	require.True(t, d.faulted)
	require.NotEmpty(t, d.fatal, "a read fault is never CoW-resolvable by construction here")
}

func TestHandleTrapSEcallFatal(t *testing.T) {
	tf := &TrapFrame{Scause: CauseSEcall}
	d := &fakeDispatcher{}
	HandleTrap(tf, d, NewPLIC(newFakeMMIO(), 0))
	require.Equal(t, "ecall from S-mode", d.fatal)
}

func TestHandleTrapTimerFromUser(t *testing.T) {
	tf := &TrapFrame{Scause: InterruptBit | CauseSupervisorTimer, Sstatus: 0}
	d := &fakeDispatcher{}
	HandleTrap(tf, d, NewPLIC(newFakeMMIO(), 0))
	require.True(t, d.tickedUser, "SPP=0 means the trap came from U-mode")
}

func TestHandleTrapExternalClaimsAndCompletes(t *testing.T) {
	mmio := newFakeMMIO()
	plic := NewPLIC(mmio, 0)
	mmio.regs[plicThresholdBase+uint64(plicContextS)*plicContextStride+4] = 7

	tf := &TrapFrame{Scause: InterruptBit | CauseSupervisorExternal}
	d := &fakeDispatcher{}
	HandleTrap(tf, d, plic)
	require.Equal(t, uint32(7), d.irq)
}
