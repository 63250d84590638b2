package riscv64

import "sync/atomic"

// Clock tracks the kernel's tick_count, advanced from the timer trap
// handler. The actual timer compare register lives in the CLINT, but
// Aurora re-arms it indirectly via the SBI TIME extension (SetTimer)
// rather than poking CLINT registers directly, since OpenSBI owns M-mode
// on this platform.
type Clock struct {
	ticks          uint64
	timerHz        uint64 // timer ticks per second, from the DTB clint/cpu node
}

func NewClock(timerHz uint64) *Clock {
	return &Clock{timerHz: timerHz}
}

// Advance increments tick_count by one and re-arms the next timer
// interrupt tickMillis out, by reading the current mtime-equivalent and
// adding one tick period. Called from the Dispatcher's TimerTick.
func (c *Clock) Advance(tickMillis uint64) {
	atomic.AddUint64(&c.ticks, 1)
	period := c.timerHz * tickMillis / 1000
	SetTimer(currentMtime() + period)
}

// currentMtime reads the CLINT mtime register via an SBI-independent MMIO
// path; stubbed the same way hardwareEcall is, since no real timer device
// backs it outside a running kernel.
var currentMtime = func() uint64 { return 0 }

// Now returns the current tick count, used by the sleep queue to compute
// absolute deadlines.
func (c *Clock) Now() uint64 { return atomic.LoadUint64(&c.ticks) }
