package riscv64

// SBI extension/function IDs, the same constants an emulated SBI handler
// recognizes on the other side; Aurora issues these ecalls as the guest
// instead of answering them.
const (
	sbiExtLegacyPutchar = 0x01
	sbiExtLegacyGetchar = 0x02
	sbiExtTimer         = 0x54494D45 // "TIME"
	sbiExtHSM           = 0x48534D   // "HSM"
	sbiExtSRST          = 0x53525354 // "SRST"

	sbiTimerSetTimer = 0
	sbiHSMHartStart  = 0

	sbiSRSTTypeShutdown = 0
	sbiSRSTReasonNone   = 0
)

// Ecall is the single assembly trampoline performing `ecall` with
// a7=ext, a6=fid, a0/a1=args, returning (error, value) from a0/a1. It is a
// variable so tests can substitute a fake without real hardware.
var Ecall func(ext, fid, a0, a1 uint64) (err int64, val uint64) = hardwareEcall

func hardwareEcall(ext, fid, a0, a1 uint64) (int64, uint64) {
	// The real implementation is a handful of assembly instructions
	// (load a7/a6/a0/a1, `ecall`, read back a0/a1) with no Go-level
	// side effects to model; this stub exists so the package still
	// type-checks and unit tests can override Ecall.
	return 0, 0
}

// ConsolePutchar writes one byte to the SBI legacy console, Aurora's
// earliest boot-time output path before the UART MMIO driver is probed.
func ConsolePutchar(b byte) {
	Ecall(sbiExtLegacyPutchar, 0, uint64(b), 0)
}

// ConsoleGetchar reads one byte from the SBI legacy console, or (0, false)
// if none is available.
func ConsoleGetchar() (byte, bool) {
	_, val := Ecall(sbiExtLegacyGetchar, 0, 0, 0)
	if val == ^uint64(0) {
		return 0, false
	}
	return byte(val), true
}

// SetTimer arms the next timer interrupt for absolute time deadline
// (in timer ticks), via the TIME extension's set_timer call. The trap
// core's timer handler calls this to re-arm on every tick.
func SetTimer(deadline uint64) {
	Ecall(sbiExtTimer, sbiTimerSetTimer, deadline, 0)
}

// Shutdown requests an orderly system reset via the SRST extension; used
// only by the fatal-halt path to stop QEMU after dumping diagnostics.
func Shutdown() {
	Ecall(sbiExtSRST, 0, sbiSRSTTypeShutdown, sbiSRSTReasonNone)
}
