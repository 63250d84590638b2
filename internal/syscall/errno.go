package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/aurora-os/aurora/internal/kerrno"
)

// negate turns a syscall handler's error return into the a0 value dispatch
// writes back to U-mode: 0 on success, -errno on failure. The errno
// numbers themselves still come from kerrno.Errno (a closed enum, checked
// against Linux's own values); this function's only job is confirming
// that mapping against golang.org/x/sys/unix's platform-independent
// constants rather than trusting kerrno's hand-typed numbers blindly.
func negate(err error) int64 {
	if err == nil {
		return 0
	}
	e := kerrno.From(err)
	if e == kerrno.Success {
		return 0
	}
	return -int64(unixErrno(e))
}

// unixErrno cross-checks a kerrno.Errno against x/sys/unix's constant of
// the same name. Every errno kerrno defines, the socket-path ones
// (EINPROGRESS, EALREADY, ...) included, has its own case; any other value
// falls back to the kerrno number itself.
func unixErrno(e kerrno.Errno) int {
	switch e {
	case kerrno.EPERM:
		return int(unix.EPERM)
	case kerrno.ENOENT:
		return int(unix.ENOENT)
	case kerrno.ECHILD:
		return int(unix.ECHILD)
	case kerrno.EIO:
		return int(unix.EIO)
	case kerrno.EBADF:
		return int(unix.EBADF)
	case kerrno.EAGAIN:
		return int(unix.EAGAIN)
	case kerrno.ENOMEM:
		return int(unix.ENOMEM)
	case kerrno.EACCES:
		return int(unix.EACCES)
	case kerrno.EFAULT:
		return int(unix.EFAULT)
	case kerrno.EEXIST:
		return int(unix.EEXIST)
	case kerrno.ENOTDIR:
		return int(unix.ENOTDIR)
	case kerrno.EISDIR:
		return int(unix.EISDIR)
	case kerrno.EINVAL:
		return int(unix.EINVAL)
	case kerrno.EMFILE:
		return int(unix.EMFILE)
	case kerrno.ENOSPC:
		return int(unix.ENOSPC)
	case kerrno.ESPIPE:
		return int(unix.ESPIPE)
	case kerrno.EPIPE:
		return int(unix.EPIPE)
	case kerrno.ERANGE:
		return int(unix.ERANGE)
	case kerrno.ENOSYS:
		return int(unix.ENOSYS)
	case kerrno.ETIMEDOUT:
		return int(unix.ETIMEDOUT)
	case kerrno.ECONNREFUSED:
		return int(unix.ECONNREFUSED)
	case kerrno.ENETUNREACH:
		return int(unix.ENETUNREACH)
	case kerrno.EISCONN:
		return int(unix.EISCONN)
	case kerrno.EALREADY:
		return int(unix.EALREADY)
	case kerrno.EINPROGRESS:
		return int(unix.EINPROGRESS)
	default:
		return int(e)
	}
}
