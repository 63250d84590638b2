package riscv64

// Dispatcher is the set of callbacks the trap core invokes once scause has
// been decoded. It is implemented by the kernel's boot wiring (cmd/kernel)
// so that this package stays free of a dependency on task/mm/syscall and
// can be unit tested with fakes, keeping the CPU dispatch loop separate
// from the drivers it calls into.
type Dispatcher interface {
	// Syscall services a U-mode ecall; the returned value is written into
	// a0 verbatim (errors are already encoded as -errno by the caller).
	Syscall(tf *TrapFrame) uint64

	// PageFault attempts CoW resolution for a write fault at faultVA. It
	// returns false if the fault cannot be resolved (COW=0, a read or
	// execute fault, or any other case); HandleTrap then calls Fatal, which
	// halts the kernel -- the faulting task alone is not terminated.
	PageFault(faultVA uint64, write bool) bool

	// TimerTick re-arms the SBI timer, advances tick_count, and reports
	// whether need_resched is set afterwards. fromUser gates preemption: kernel-mode
	// execution is never preempted by the timer.
	TimerTick(fromUser bool) (needResched bool)

	// ExternalIRQ is invoked after a PLIC claim with the claimed IRQ
	// number; the kernel root page table is temporarily active for its
	// duration.
	ExternalIRQ(irq uint32)

	// Fatal is called for any unhandled exception from S-mode, or for a
	// CoW-unresolvable fault -- it halts with diagnostic output and never
	// returns.
	Fatal(tf *TrapFrame, reason string)
}

// HandleTrap decodes tf.Scause and routes to the appropriate Dispatcher
// callback. It is the Go-level continuation of the assembly trap vector:
// the vector has already saved GPRs/CSRs into tf and swapped sp/sscratch
// per the U<->S discipline; HandleTrap performs the policy decisions, and
// the vector performs the final sret.
func HandleTrap(tf *TrapFrame, d Dispatcher, plic *PLIC) {
	if IsInterrupt(tf.Scause) {
		switch ExceptionCode(tf.Scause) {
		case CauseSupervisorTimer:
			d.TimerTick(tf.FromUserMode())
		case CauseSupervisorExternal:
			irq, ok := plic.Claim()
			if ok {
				d.ExternalIRQ(irq)
				plic.Complete(irq)
			}
		default:
			d.Fatal(tf, "unexpected interrupt cause")
		}
		return
	}

	switch ExceptionCode(tf.Scause) {
	case CauseUEcall:
		tf.AdvancePastEcall()
		tf.SetA0(d.Syscall(tf))
	case CauseSEcall:
		d.Fatal(tf, "ecall from S-mode")
	case CauseLoadPageFault, CauseStorePageFault, CauseInsnPageFault:
		write := ExceptionCode(tf.Scause) == CauseStorePageFault
		if !d.PageFault(tf.Stval, write) {
			d.Fatal(tf, "unresolvable page fault")
		}
	default:
		d.Fatal(tf, "unhandled exception")
	}
}
