package riscv64

// Context holds the callee-saved registers (ra, sp, s0-s11) swapped by the
// cooperative context switch. Unlike TrapFrame, which captures the full
// interrupted state of a task suspended mid-trap, Context is only ever
// touched by SwitchContext, the hand-written assembly routine called from
// the scheduler between two kernel stacks.
type Context struct {
	RA uint64
	SP uint64
	S  [12]uint64 // s0..s11
}

// SwitchContext saves the caller's callee-saved registers into old, loads
// them from new, and returns into new's RA. Implemented in assembly (not
// modeled as Go source here -- see DESIGN.md); declared as a var so the
// scheduler package can be tested with a fake.
var SwitchContext func(old, new *Context) = func(old, new *Context) {}
