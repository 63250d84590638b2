package syscall

// Syscall numbers below are RISC-V64's **generic** Linux ABI numbering
// (the table arm64 and riscv64 share, asm-generic/unistd.h) -- NOT the
// x86_64 numbering internal/linux/defs/syscall.go's iota sequence actually
// encodes. That file's SYS_* names are kept as the vocabulary (the
// constant names below read the same), but every number is taken from the
// generic RV64 table instead of reusing defs.Syscall's x86_64-ordered
// iota values, which would route every trap to the wrong handler. See
// DESIGN.md for the divergence this corrects.
const (
	sysGetcwd       = 17
	sysEventfd2     = 19
	sysEpollCreate1 = 20
	sysEpollCtl     = 21
	sysEpollPwait   = 22
	sysDup          = 23
	sysDup3         = 24
	sysFcntl        = 25
	sysIoctl        = 29
	sysMknodat      = 33
	sysUnlinkat     = 35
	sysLinkat       = 37
	sysRenameat     = 38
	sysFaccessat    = 48
	sysChdir        = 49
	sysFchmod       = 52
	sysFchmodat     = 53
	sysFchownat     = 54
	sysOpenat       = 56
	sysClose        = 57
	sysPipe2        = 59
	sysGetdents64   = 61
	sysLseek        = 62
	sysRead         = 63
	sysWrite        = 64
	sysReadv        = 65
	sysWritev       = 66
	sysPread64      = 67
	sysPwrite64     = 68
	sysPreadv       = 69
	sysPwritev      = 70
	sysPpoll        = 73
	sysReadlinkat   = 78
	sysNewfstatat   = 79
	sysFstat        = 80
	sysSync         = 81
	sysFsync        = 82
	sysTimerfdCreate = 85
	sysTimerfdSettime = 86
	sysTimerfdGettime = 87
	sysUtimensat    = 88
	sysExit         = 93
	sysExitGroup    = 94
	sysSetTidAddress = 96
	sysFutex        = 98
	sysNanosleep    = 101
	sysSchedYield   = 124
	sysKill         = 129
	sysUname        = 160
	sysGetrlimit    = 163
	sysGetpid       = 172
	sysGetppid      = 173
	sysGettid       = 178
	sysBrk          = 214
	sysMunmap       = 215
	sysClone        = 220
	sysExecve       = 221
	sysMmap         = 222
	sysMprotect     = 226
	sysWait4        = 260
	sysSocket       = 198
	sysSocketpair   = 199
	sysBind         = 200
	sysListen       = 201
	sysAccept       = 202
	sysConnect      = 203
	sysGetsockname  = 204
	sysGetpeername  = 205
	sysSendto       = 206
	sysRecvfrom     = 207
	sysSetsockopt   = 208
	sysGetsockopt   = 209
	sysShutdown     = 210
	sysSendmsg      = 211
	sysRecvmsg      = 212
	sysAccept4      = 242
	sysRecvmmsg     = 243
	sysSendmmsg     = 269
	sysRenameat2    = 276
)
