package riscv64

// EnterUserMode transfers control to a brand-new task's first instruction
// in U-mode: it builds a zeroed TrapFrame with sepc=entry, the stack
// pointer GPR set to sp, sstatus.SPP cleared, and falls into the same
// assembly sret path HandleTrap's normal return uses. Declared as an
// overridable var for the same reason SwitchContext is (the actual
// sret sequence is hand-written assembly in entry.s, not modeled as Go
// source here -- see DESIGN.md); a kernel task's entry closure calls this
// exactly once and never returns from it.
var EnterUserMode func(entry, sp uint64) = func(entry, sp uint64) {}

// WaitForInterrupt executes `wfi`, parking the hart until the next
// interrupt rather than busy-spinning the idle loop. Declared as an
// overridable var for the same reason SwitchContext/EnterUserMode are --
// a single privileged instruction with no Go-level side effects to model.
var WaitForInterrupt func() = func() {}
