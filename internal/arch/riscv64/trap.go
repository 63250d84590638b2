package riscv64

// TrapFrame is the saved processor state on trap entry, sufficient to
// resume the interrupted context. Laid out as 31 GPRs (x1..x31; x0 is
// always zero and not saved) followed by the four CSRs the trap vector
// always captures: sstatus, sepc, scause, stval.
//
// The assembly trap vector (entry.s, not a Go file -- see DESIGN.md on why
// the original internal/asm assembler package was dropped) stores GPRs at
// fixed offsets into this struct before calling into Go; the field order
// here must match that offset table exactly, which is why it is declared
// as a flat array of register slots rather than named fields per register.
type TrapFrame struct {
	// GPR holds x1 (ra) through x31 (t6) at indices 0..30.
	GPR [31]uint64

	Sstatus uint64
	Sepc    uint64
	Scause  uint64
	Stval   uint64

	// KernelSP is the kernel stack pointer to restore into sscratch when
	// this frame's task resumes in U-mode. Populated once at task
	// creation and never altered by the trap path itself.
	KernelSP uint64
}

// GPR register index constants for the slots implementers reach for most
// often (argument registers a0-a7 map to x10-x17, i.e. GPR[9..16]).
const (
	RegRA = 0  // x1
	RegSP = 1  // x2
	RegA0 = 9  // x10
	RegA1 = 10 // x11
	RegA2 = 11 // x12
	RegA3 = 12 // x13
	RegA4 = 13 // x14
	RegA5 = 14 // x15
	RegA6 = 15 // x16 -- SBI function id
	RegA7 = 16 // x17 -- syscall number / SBI extension id
)

func (tf *TrapFrame) A0() uint64  { return tf.GPR[RegA0] }
func (tf *TrapFrame) SetA0(v uint64) { tf.GPR[RegA0] = v }

// Args returns the six syscall argument registers a0..a5.
func (tf *TrapFrame) Args() [6]uint64 {
	return [6]uint64{tf.GPR[RegA0], tf.GPR[RegA1], tf.GPR[RegA2], tf.GPR[RegA3], tf.GPR[RegA4], tf.GPR[RegA5]}
}

// SyscallNo returns a7, the syscall number per the RISC-V Linux ABI.
func (tf *TrapFrame) SyscallNo() uint64 { return tf.GPR[RegA7] }

// AdvancePastEcall advances sepc by 4 (one instruction), required before
// resuming after a U-mode ecall so the same ecall is not re-executed.
func (tf *TrapFrame) AdvancePastEcall() { tf.Sepc += 4 }

// FromUserMode reports whether sstatus.SPP shows the trap came from U-mode
// (SPP clear) rather than S-mode, which governs both the sscratch swap discipline
// and whether the timer interrupt is allowed to set need_resched.
func (tf *TrapFrame) FromUserMode() bool { return tf.Sstatus&SstatusSPP == 0 }
