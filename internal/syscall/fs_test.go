package syscall

import (
	"testing"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/usercopy"
	"github.com/stretchr/testify/require"
)

func TestDupInstallsIndependentFdSharingTheSameObject(t *testing.T) {
	f := newFixture(t, 16)
	fd, ok := f.p.Fds.Install(&proc.FdObject{Kind: proc.FdVfsHandle, Offset: 3})
	require.True(t, ok)

	newFd, err := f.k.sysDup(f.p, fd)
	require.NoError(t, err)
	require.NotEqual(t, uint64(fd), newFd)

	obj, ok := f.p.Fds.Get(int(newFd))
	require.True(t, ok)
	require.EqualValues(t, 3, obj.Offset)
}

func TestDupUnknownFdReturnsEBADF(t *testing.T) {
	f := newFixture(t, 16)
	_, err := f.k.sysDup(f.p, 99)
	require.ErrorIs(t, err, kerrno.EBADF)
}

func TestDup3RejectsSameFd(t *testing.T) {
	f := newFixture(t, 16)
	fd, _ := f.p.Fds.Install(&proc.FdObject{Kind: proc.FdVfsHandle})
	_, err := f.k.sysDup3(f.p, fd, fd, 0)
	require.ErrorIs(t, err, kerrno.EINVAL)
}

func TestDup3InstallsAtRequestedSlotWithCloexec(t *testing.T) {
	f := newFixture(t, 16)
	fd, _ := f.p.Fds.Install(&proc.FdObject{Kind: proc.FdVfsHandle, Offset: 7})

	got, err := f.k.sysDup3(f.p, fd, 5, cloexecFlag)
	require.NoError(t, err)
	require.EqualValues(t, 5, got)

	obj, ok := f.p.Fds.Get(5)
	require.True(t, ok)
	require.EqualValues(t, 7, obj.Offset)
	require.Equal(t, byte(proc.FDCloexec), obj.FdFlags)
}

func TestFcntlGetSetFdFlags(t *testing.T) {
	f := newFixture(t, 16)
	fd, _ := f.p.Fds.Install(&proc.FdObject{Kind: proc.FdVfsHandle})

	got, err := f.k.sysFcntl(f.p, fd, fcntlGetfd, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got)

	_, err = f.k.sysFcntl(f.p, fd, fcntlSetfd, 1)
	require.NoError(t, err)
	got, err = f.k.sysFcntl(f.p, fd, fcntlGetfd, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
}

func TestFcntlDupfdCloexec(t *testing.T) {
	f := newFixture(t, 16)
	fd, _ := f.p.Fds.Install(&proc.FdObject{Kind: proc.FdVfsHandle})

	newFd, err := f.k.sysFcntl(f.p, fd, fcntlDupfdCloexec, 0)
	require.NoError(t, err)
	obj, ok := f.p.Fds.Get(int(newFd))
	require.True(t, ok)
	require.Equal(t, byte(proc.FDCloexec), obj.FdFlags)
}

func TestPipe2InstallsReadAndWriteEndsAndReportsThemToUser(t *testing.T) {
	f := newFixture(t, 16)
	addr := f.mapUser(t, 1)

	err := f.k.sysPipe2(f.p, addr, 0)
	require.NoError(t, err)

	var buf [8]byte
	require.NoError(t, usercopy.CopyFromUser(f.tk.Space, addr, buf[:]))
	rfd := int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24
	wfd := int32(buf[4]) | int32(buf[5])<<8 | int32(buf[6])<<16 | int32(buf[7])<<24

	rObj, ok := f.p.Fds.Get(int(rfd))
	require.True(t, ok)
	require.Equal(t, proc.FdPipeEnd, rObj.Kind)
	require.Equal(t, proc.PipeRead, rObj.PipeSide)

	wObj, ok := f.p.Fds.Get(int(wfd))
	require.True(t, ok)
	require.Equal(t, proc.FdPipeEnd, wObj.Kind)
	require.Equal(t, proc.PipeWrite, wObj.PipeSide)
	require.Same(t, rObj.Pipe, wObj.Pipe, "both ends must share one ring buffer")
}

func TestGetcwdReturnsCurrentDirectory(t *testing.T) {
	f := newFixture(t, 16)
	f.p.Cwd = "/usr/bin"
	addr := f.mapUser(t, 1)

	n, err := f.k.sysGetcwd(f.p, addr, 64)
	require.NoError(t, err)
	require.EqualValues(t, len("/usr/bin")+1, n)

	buf := make([]byte, n)
	require.NoError(t, usercopy.CopyFromUser(f.tk.Space, addr, buf))
	require.Equal(t, "/usr/bin\x00", string(buf))
}

func TestGetcwdTooSmallReturnsERANGE(t *testing.T) {
	f := newFixture(t, 16)
	f.p.Cwd = "/usr/bin"
	addr := f.mapUser(t, 1)

	_, err := f.k.sysGetcwd(f.p, addr, 2)
	require.ErrorIs(t, err, kerrno.ERANGE)
}

func TestCloseClosesFd(t *testing.T) {
	f := newFixture(t, 16)
	fd, _ := f.p.Fds.Install(&proc.FdObject{Kind: proc.FdVfsHandle})

	require.NoError(t, f.k.sysClose(f.p, fd))
	_, ok := f.p.Fds.Get(fd)
	require.False(t, ok)

	require.ErrorIs(t, f.k.sysClose(f.p, fd), kerrno.EBADF)
}
