package riscv64

// UART8250 register offsets for a 16550-compatible MMIO model. Used as the
// boot-time console once probed from the device tree; before that,
// ConsolePutchar/Getchar (SBI legacy console) carry boot diagnostics.
const (
	uartRegRBR = 0x0 // receive buffer (read, DLAB=0)
	uartRegTHR = 0x0 // transmit holding (write, DLAB=0)
	uartRegIER = 0x1
	uartRegFCR = 0x2
	uartRegLCR = 0x3
	uartRegMCR = 0x4
	uartRegLSR = 0x5

	uartLSRDataReady = 1 << 0
	uartLSRTHRE      = 1 << 5
)

// UART is the guest-side driver for a single 16550-compatible MMIO UART.
type UART struct {
	regs MMIO
}

func NewUART(regs MMIO) *UART { return &UART{regs: regs} }

// WriteByte blocks (via busy poll -- no IRQ-driven TX in Aurora) until the
// transmit holding register is empty, then writes b.
func (u *UART) WriteByte(b byte) {
	for u.regs.Read32(uartRegLSR)&uartLSRTHRE == 0 {
	}
	u.regs.Write32(uartRegTHR, uint32(b))
}

// Write implements io.Writer so UART can back klog.Init directly.
func (u *UART) Write(p []byte) (int, error) {
	for _, b := range p {
		u.WriteByte(b)
	}
	return len(p), nil
}

// ReadByte returns a received byte and true if the data-ready bit is set;
// otherwise (0, false) without blocking. Callers poll it; no console IRQ
// handler is registered with the PLIC.
func (u *UART) ReadByte() (byte, bool) {
	if u.regs.Read32(uartRegLSR)&uartLSRDataReady == 0 {
		return 0, false
	}
	return byte(u.regs.Read32(uartRegRBR)), true
}

// EnableRxInterrupt unmasks the "data ready" interrupt so PLIC external
// IRQs are delivered for incoming console bytes.
func (u *UART) EnableRxInterrupt() {
	u.regs.Write32(uartRegIER, 0x01)
}
