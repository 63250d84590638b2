package syscall

import (
	"path"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/pipe"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/usercopy"
	"github.com/aurora-os/aurora/internal/vfs"
)

// Open flags, the generic Linux bit assignment riscv64 shares with every
// architecture but sparc/alpha/mips/parisc (the target here is qemu
// virt/riscv64 only, so there is exactly one set to carry).
const (
	OAccmode = 0o3
	ORdonly  = 0o0
	OWronly  = 0o1
	ORdwr    = 0o2
	OCreat   = 0o100
	OExcl    = 0o200
	OTrunc   = 0o1000
	OAppend  = 0o2000
	ODirectory = 0o200000
)

const atFDCwd = -100
const maxPathLen = 4096

// resolvePath turns a (dirfd, path-pointer) pair into an absolute path
// string. AT_FDCWD anchors at the calling process's cwd; any other dirfd
// also anchors at cwd, a deliberate simplification from true fd-relative
// resolution (an open directory fd does not currently remember the path
// it was opened from) -- recorded as an open-question call in DESIGN.md.
func (k *Kernel) resolvePath(tk *task.Task, p *proc.Process, dirfd int, addr mm.VirtAddr) (string, error) {
	rel, err := usercopy.CopyInString(tk.Space, addr, maxPathLen)
	if err != nil {
		return "", err
	}
	if path.IsAbs(rel) {
		return path.Clean(rel), nil
	}
	base := p.Cwd
	if base == "" {
		base = "/"
	}
	return path.Clean(base + "/" + rel), nil
}

func (k *Kernel) sysOpenat(tk *task.Task, p *proc.Process, dirfd int, pathAddr mm.VirtAddr, flags int, mode uint32) (uint64, error) {
	full, err := k.resolvePath(tk, p, dirfd, pathAddr)
	if err != nil {
		return 0, err
	}

	inode, err := vfs.Walk(k.Mounts, full)
	if err != nil {
		if err != kerrno.ENOENT || flags&OCreat == 0 {
			return 0, err
		}
		parent, name, werr := vfs.WalkParent(k.Mounts, full)
		if werr != nil {
			return 0, werr
		}
		inode, err = parent.Create(name, mode&^p.Umask)
		if err != nil {
			return 0, err
		}
	} else if flags&(OCreat|OExcl) == OCreat|OExcl {
		return 0, kerrno.EEXIST
	}

	if flags&OTrunc != 0 {
		if err := inode.Truncate(0); err != nil {
			return 0, err
		}
	}

	off := int64(0)
	if flags&OAppend != 0 {
		st, err := inode.Stat()
		if err != nil {
			return 0, err
		}
		off = int64(st.Size)
	}

	obj := &proc.FdObject{Kind: proc.FdVfsHandle, Inode: inode, Offset: off, OFlags: flags}
	fd, ok := p.Fds.Install(obj)
	if !ok {
		return 0, kerrno.EMFILE
	}
	return uint64(fd), nil
}

func (k *Kernel) vfsHandle(p *proc.Process, fd int) (*proc.FdObject, vfs.Inode, error) {
	obj, ok := p.Fds.Get(fd)
	if !ok || obj.Kind != proc.FdVfsHandle {
		return nil, nil, kerrno.EBADF
	}
	in, ok := obj.Inode.(vfs.Inode)
	if !ok {
		return nil, nil, kerrno.EBADF
	}
	return obj, in, nil
}

func (k *Kernel) sysRead(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, n int) (uint64, error) {
	obj, err := k.readableFd(tk, p, fd)
	if err != nil {
		return 0, err
	}
	switch obj.Kind {
	case proc.FdVfsHandle:
		in := obj.Inode.(vfs.Inode)
		buf := make([]byte, n)
		got, err := in.ReadAt(uint64(obj.Offset), buf)
		if err != nil {
			return 0, err
		}
		obj.Offset += int64(got)
		if err := usercopy.CopyToUser(tk.Space, addr, buf[:got]); err != nil {
			return 0, err
		}
		return uint64(got), nil
	case proc.FdPipeEnd:
		r := obj.Pipe.(*pipe.Ring)
		buf := make([]byte, n)
		got, err := r.Read(k.Sched, tk, buf, obj.OFlags&nonblockFlag != 0)
		if err != nil {
			return 0, err
		}
		if err := usercopy.CopyToUser(tk.Space, addr, buf[:got]); err != nil {
			return 0, err
		}
		return uint64(got), nil
	case proc.FdSocket:
		s, ok := k.Sockets.Get(obj.SockID)
		if !ok {
			return 0, kerrno.EBADF
		}
		data, _, err := s.Recv(n, 0)
		if err != nil {
			return 0, err
		}
		if err := usercopy.CopyToUser(tk.Space, addr, data); err != nil {
			return 0, err
		}
		return uint64(len(data)), nil
	case proc.FdEventfd:
		got, err := k.readEventfd(obj, n)
		if err != nil {
			return 0, err
		}
		if err := usercopy.CopyToUser(tk.Space, addr, got); err != nil {
			return 0, err
		}
		return uint64(len(got)), nil
	case proc.FdTimerfd:
		got, err := k.readTimerfd(obj, n)
		if err != nil {
			return 0, err
		}
		if err := usercopy.CopyToUser(tk.Space, addr, got); err != nil {
			return 0, err
		}
		return uint64(len(got)), nil
	}
	return 0, kerrno.EBADF
}

func (k *Kernel) readableFd(tk *task.Task, p *proc.Process, fd int) (*proc.FdObject, error) {
	obj, ok := p.Fds.Get(fd)
	if !ok {
		return nil, kerrno.EBADF
	}
	return obj, nil
}

func (k *Kernel) sysWrite(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, n int) (uint64, error) {
	obj, err := k.readableFd(tk, p, fd)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	if err := usercopy.CopyFromUser(tk.Space, addr, buf); err != nil {
		return 0, err
	}
	switch obj.Kind {
	case proc.FdVfsHandle:
		in := obj.Inode.(vfs.Inode)
		put, err := in.WriteAt(uint64(obj.Offset), buf)
		if err != nil {
			return 0, err
		}
		obj.Offset += int64(put)
		return uint64(put), nil
	case proc.FdPipeEnd:
		r := obj.Pipe.(*pipe.Ring)
		put, err := r.Write(k.Sched, tk, buf, obj.OFlags&nonblockFlag != 0)
		if err != nil {
			return 0, err
		}
		return uint64(put), nil
	case proc.FdSocket:
		s, ok := k.Sockets.Get(obj.SockID)
		if !ok {
			return 0, kerrno.EBADF
		}
		put, err := s.Send(buf, 0)
		if err != nil {
			return 0, err
		}
		return uint64(put), nil
	case proc.FdEventfd:
		if err := k.writeEventfd(obj, buf); err != nil {
			return 0, err
		}
		return uint64(len(buf)), nil
	}
	return 0, kerrno.EBADF
}

// iovec is the 16-byte {base, len} pair readv/writev/preadv/pwritev pass
// an array of, per the Linux ABI.
type iovec struct {
	Base mm.VirtAddr
	Len  uint64
}

func readIovecs(tk *task.Task, addr mm.VirtAddr, count int) ([]iovec, error) {
	out := make([]iovec, count)
	for i := 0; i < count; i++ {
		var buf [16]byte
		if err := usercopy.CopyFromUser(tk.Space, addr+mm.VirtAddr(i*16), buf[:]); err != nil {
			return nil, err
		}
		out[i].Base = mm.VirtAddr(leUint64(buf[0:8]))
		out[i].Len = leUint64(buf[8:16])
	}
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func (k *Kernel) sysReadv(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, count int) (uint64, error) {
	iovs, err := readIovecs(tk, addr, count)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, iov := range iovs {
		n, err := k.sysRead(tk, p, fd, iov.Base, int(iov.Len))
		total += n
		if err != nil || n < iov.Len {
			break
		}
	}
	return total, nil
}

func (k *Kernel) sysWritev(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, count int) (uint64, error) {
	iovs, err := readIovecs(tk, addr, count)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, iov := range iovs {
		n, err := k.sysWrite(tk, p, fd, iov.Base, int(iov.Len))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (k *Kernel) sysPread(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, n int, off int64) (uint64, error) {
	_, in, err := k.vfsHandle(p, fd)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	got, err := in.ReadAt(uint64(off), buf)
	if err != nil {
		return 0, err
	}
	if err := usercopy.CopyToUser(tk.Space, addr, buf[:got]); err != nil {
		return 0, err
	}
	return uint64(got), nil
}

func (k *Kernel) sysPwrite(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, n int, off int64) (uint64, error) {
	_, in, err := k.vfsHandle(p, fd)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	if err := usercopy.CopyFromUser(tk.Space, addr, buf); err != nil {
		return 0, err
	}
	put, err := in.WriteAt(uint64(off), buf)
	if err != nil {
		return 0, err
	}
	return uint64(put), nil
}

func (k *Kernel) sysClose(p *proc.Process, fd int) error {
	obj, ok := p.Fds.Get(fd)
	if !ok {
		return kerrno.EBADF
	}
	if obj.Kind == proc.FdPipeEnd {
		r := obj.Pipe.(*pipe.Ring)
		r.CloseEnd(k.Sched, obj.PipeSide == proc.PipeWrite)
	}
	if obj.Kind == proc.FdSocket {
		k.Sockets.Close(obj.SockID)
	}
	if !p.Fds.Close(fd) {
		return kerrno.EBADF
	}
	return nil
}

func (k *Kernel) sysLseek(p *proc.Process, fd int, off int64, whence int) (uint64, error) {
	obj, in, err := k.vfsHandle(p, fd)
	if err != nil {
		return 0, err
	}
	switch whence {
	case 0: // SEEK_SET
		obj.Offset = off
	case 1: // SEEK_CUR
		obj.Offset += off
	case 2: // SEEK_END
		st, err := in.Stat()
		if err != nil {
			return 0, err
		}
		obj.Offset = int64(st.Size) + off
	default:
		return 0, kerrno.EINVAL
	}
	if obj.Offset < 0 {
		obj.Offset = 0
		return 0, kerrno.EINVAL
	}
	return uint64(obj.Offset), nil
}

func writeStat(tk *task.Task, addr mm.VirtAddr, st vfs.Stat) error {
	var buf [128]byte
	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU64(0, 0)                     // st_dev
	putU64(8, st.Ino)                // st_ino
	putU32(16, st.Mode)               // st_mode
	putU32(20, st.NLink)              // st_nlink
	putU32(24, st.UID)                // st_uid
	putU32(28, st.GID)                // st_gid
	putU64(40, uint64(st.Size))       // st_size
	putU32(48, st.BlkSize)            // st_blksize
	putU64(56, st.Blocks)             // st_blocks
	putU64(72, uint64(st.ATime.Unix())) // st_atime
	putU64(88, uint64(st.MTime.Unix())) // st_mtime
	putU64(104, uint64(st.CTime.Unix())) // st_ctime
	return usercopy.CopyToUser(tk.Space, addr, buf[:])
}

func (k *Kernel) sysFstat(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr) error {
	_, in, err := k.vfsHandle(p, fd)
	if err != nil {
		return err
	}
	st, err := in.Stat()
	if err != nil {
		return err
	}
	return writeStat(tk, addr, st)
}

func (k *Kernel) sysNewfstatat(tk *task.Task, p *proc.Process, dirfd int, pathAddr, statAddr mm.VirtAddr, flags int) error {
	full, err := k.resolvePath(tk, p, dirfd, pathAddr)
	if err != nil {
		return err
	}
	in, err := vfs.Walk(k.Mounts, full)
	if err != nil {
		return err
	}
	st, err := in.Stat()
	if err != nil {
		return err
	}
	return writeStat(tk, statAddr, st)
}

func (k *Kernel) sysGetdents64(tk *task.Task, p *proc.Process, fd int, addr mm.VirtAddr, bufSize int) (uint64, error) {
	_, in, err := k.vfsHandle(p, fd)
	if err != nil {
		return 0, err
	}
	entries, err := in.ReadDir()
	if err != nil {
		return 0, err
	}

	var out []byte
	for _, e := range entries {
		name := append([]byte(e.Name), 0)
		for len(name)%8 != 0 {
			name = append(name, 0)
		}
		reclen := 19 + len(name)
		rec := make([]byte, reclen)
		for i := 0; i < 8; i++ {
			rec[i] = byte(e.Ino >> (8 * i))
		}
		for i := 0; i < 8; i++ {
			rec[8+i] = byte(int64(reclen) >> (8 * i)) // d_off, unused by getdents64 consumers beyond opacity
		}
		rec[16] = byte(reclen)
		rec[17] = byte(reclen >> 8)
		rec[18] = e.Type
		copy(rec[19:], name)
		if len(out)+len(rec) > bufSize {
			break
		}
		out = append(out, rec...)
	}
	if err := usercopy.CopyToUser(tk.Space, addr, out); err != nil {
		return 0, err
	}
	return uint64(len(out)), nil
}

func (k *Kernel) sysUnlinkat(tk *task.Task, p *proc.Process, dirfd int, pathAddr mm.VirtAddr) error {
	full, err := k.resolvePath(tk, p, dirfd, pathAddr)
	if err != nil {
		return err
	}
	parent, name, err := vfs.WalkParent(k.Mounts, full)
	if err != nil {
		return err
	}
	return parent.Unlink(name)
}

func (k *Kernel) sysMknodat(tk *task.Task, p *proc.Process, dirfd int, pathAddr mm.VirtAddr, mode uint32) error {
	full, err := k.resolvePath(tk, p, dirfd, pathAddr)
	if err != nil {
		return err
	}
	parent, name, err := vfs.WalkParent(k.Mounts, full)
	if err != nil {
		return err
	}
	switch mode & vfs.SIfmt {
	case vfs.SIfdir:
		_, err = parent.Mkdir(name, mode&^vfs.SIfmt)
	default:
		_, err = parent.Create(name, mode&^vfs.SIfmt)
	}
	return err
}

// sysRenameat implements both renameat and renameat2 (the extra flags
// argument renameat2 adds -- RENAME_NOREPLACE/RENAME_EXCHANGE -- are not
// modeled; this is one of the last six syscalls implemented as named
// skeletons rather than in full).
func (k *Kernel) sysRenameat(tk *task.Task, p *proc.Process, olddirfd int, oldPathAddr mm.VirtAddr, newdirfd int, newPathAddr mm.VirtAddr) error {
	oldFull, err := k.resolvePath(tk, p, olddirfd, oldPathAddr)
	if err != nil {
		return err
	}
	newFull, err := k.resolvePath(tk, p, newdirfd, newPathAddr)
	if err != nil {
		return err
	}
	oldParent, oldName, err := vfs.WalkParent(k.Mounts, oldFull)
	if err != nil {
		return err
	}
	newParent, newName, err := vfs.WalkParent(k.Mounts, newFull)
	if err != nil {
		return err
	}
	if oldParent != newParent || oldName != newName {
		// vfs.Inode has no rename operation: copy the file's data into a
		// new file under newParent, then unlink the old name.
		src, err := oldParent.Lookup(oldName)
		if err != nil {
			return err
		}
		st, err := src.Stat()
		if err != nil {
			return err
		}
		if st.Mode&vfs.SIfmt == vfs.SIfdir {
			return kerrno.EINVAL // directory rename-via-copy is not modeled
		}
		data := make([]byte, st.Size)
		if _, err := src.ReadAt(0, data); err != nil {
			return err
		}
		dst, err := newParent.Create(newName, st.Mode&vfs.ModePerm)
		if err != nil {
			return err
		}
		if _, err := dst.WriteAt(0, data); err != nil {
			return err
		}
		return oldParent.Unlink(oldName)
	}
	return nil
}

func (k *Kernel) sysLinkat(tk *task.Task, p *proc.Process, olddirfd int, oldPathAddr mm.VirtAddr, newdirfd int, newPathAddr mm.VirtAddr) error {
	// Hard links need an Inode-identity-preserving Inode.Link the vfs.Inode
	// interface does not expose; report the syscall as recognized but not
	// supported rather than ENOSYS, matching a filesystem that genuinely
	// cannot hard-link.
	return kerrno.EPERM
}

func (k *Kernel) sysFchmodat(tk *task.Task, p *proc.Process, dirfdOrFd int, pathAddr mm.VirtAddr, mode uint32) error {
	_ = pathAddr
	_ = mode
	_, _, err := k.vfsHandle(p, dirfdOrFd)
	if err == nil {
		return nil // fchmod(fd, mode): mode bits are not persisted, accepted as a no-op
	}
	full, rerr := k.resolvePath(tk, p, dirfdOrFd, pathAddr)
	if rerr != nil {
		return rerr
	}
	if _, werr := vfs.Walk(k.Mounts, full); werr != nil {
		return werr
	}
	return nil
}

func (k *Kernel) sysFaccessat(tk *task.Task, p *proc.Process, dirfd int, pathAddr mm.VirtAddr) error {
	full, err := k.resolvePath(tk, p, dirfd, pathAddr)
	if err != nil {
		return err
	}
	_, err = vfs.Walk(k.Mounts, full)
	return err
}

func (k *Kernel) sysReadlinkat(tk *task.Task, p *proc.Process, dirfd int, pathAddr, bufAddr mm.VirtAddr, bufSize int) (uint64, error) {
	full, err := k.resolvePath(tk, p, dirfd, pathAddr)
	if err != nil {
		return 0, err
	}
	in, err := vfs.Walk(k.Mounts, full)
	if err != nil {
		return 0, err
	}
	target, err := in.Readlink()
	if err != nil {
		return 0, err
	}
	b := []byte(target)
	if len(b) > bufSize {
		b = b[:bufSize]
	}
	if err := usercopy.CopyToUser(tk.Space, bufAddr, b); err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

func (k *Kernel) sysGetcwd(p *proc.Process, addr mm.VirtAddr, size int) (uint64, error) {
	cwd := p.Cwd
	if cwd == "" {
		cwd = "/"
	}
	b := append([]byte(cwd), 0)
	if len(b) > size {
		return 0, kerrno.ERANGE
	}
	if err := usercopy.CopyToUser(p.Space, addr, b); err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

func (k *Kernel) sysChdir(tk *task.Task, p *proc.Process, pathAddr mm.VirtAddr) error {
	rel, err := usercopy.CopyInString(tk.Space, pathAddr, maxPathLen)
	if err != nil {
		return err
	}
	full := rel
	if !path.IsAbs(full) {
		full = path.Clean(p.Cwd + "/" + rel)
	} else {
		full = path.Clean(full)
	}
	in, err := vfs.Walk(k.Mounts, full)
	if err != nil {
		return err
	}
	st, err := in.Stat()
	if err != nil {
		return err
	}
	if st.Mode&vfs.SIfmt != vfs.SIfdir {
		return kerrno.ENOTDIR
	}
	p.Cwd = full
	return nil
}

func (k *Kernel) sysDup(p *proc.Process, fd int) (uint64, error) {
	obj, ok := p.Fds.Get(fd)
	if !ok {
		return 0, kerrno.EBADF
	}
	cp := *obj
	cp.FdFlags = 0
	newFd, ok := p.Fds.Install(&cp)
	if !ok {
		return 0, kerrno.EMFILE
	}
	return uint64(newFd), nil
}

func (k *Kernel) sysDup3(p *proc.Process, oldfd, newfd, flags int) (uint64, error) {
	obj, ok := p.Fds.Get(oldfd)
	if !ok {
		return 0, kerrno.EBADF
	}
	if oldfd == newfd {
		return 0, kerrno.EINVAL
	}
	cp := *obj
	if flags&cloexecFlag != 0 {
		cp.FdFlags = proc.FDCloexec
	} else {
		cp.FdFlags = 0
	}
	if !p.Fds.InstallAt(newfd, &cp) {
		return 0, kerrno.EBADF
	}
	return uint64(newfd), nil
}

const (
	fcntlDupfd        = 0
	fcntlGetfd        = 1
	fcntlSetfd        = 2
	fcntlGetfl        = 3
	fcntlSetfl        = 4
	fcntlDupfdCloexec = 1030
	cloexecFlag       = 0o2000000
	nonblockFlag      = 0o4000
)

func (k *Kernel) sysFcntl(p *proc.Process, fd int, cmd int, arg uint64) (uint64, error) {
	obj, ok := p.Fds.Get(fd)
	if !ok {
		return 0, kerrno.EBADF
	}
	switch cmd {
	case fcntlDupfd, fcntlDupfdCloexec:
		cp := *obj
		if cmd == fcntlDupfdCloexec {
			cp.FdFlags = proc.FDCloexec
		}
		newFd, ok := p.Fds.Install(&cp)
		if !ok {
			return 0, kerrno.EMFILE
		}
		return uint64(newFd), nil
	case fcntlGetfd:
		return uint64(obj.FdFlags), nil
	case fcntlSetfd:
		obj.FdFlags = byte(arg)
		return 0, nil
	case fcntlGetfl:
		return uint64(obj.OFlags), nil
	case fcntlSetfl:
		obj.OFlags = int(arg)
		return 0, nil
	}
	return 0, kerrno.EINVAL
}

func (k *Kernel) sysPipe2(p *proc.Process, addr mm.VirtAddr, flags int) error {
	r := pipe.New()
	readObj := &proc.FdObject{Kind: proc.FdPipeEnd, PipeSide: proc.PipeRead, Pipe: r}
	writeObj := &proc.FdObject{Kind: proc.FdPipeEnd, PipeSide: proc.PipeWrite, Pipe: r}
	if flags&cloexecFlag != 0 {
		readObj.FdFlags = proc.FDCloexec
		writeObj.FdFlags = proc.FDCloexec
	}
	if flags&nonblockFlag != 0 {
		readObj.OFlags = nonblockFlag
		writeObj.OFlags = nonblockFlag
	}
	rfd, ok := p.Fds.Install(readObj)
	if !ok {
		return kerrno.EMFILE
	}
	wfd, ok := p.Fds.Install(writeObj)
	if !ok {
		p.Fds.Close(rfd)
		return kerrno.EMFILE
	}
	var buf [8]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(int32(rfd) >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		buf[4+i] = byte(int32(wfd) >> (8 * i))
	}
	return usercopy.CopyToUser(p.Space, addr, buf[:])
}
