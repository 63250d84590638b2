// Package usercopy implements UserPtr/UserSlice: validated
// copies between kernel buffers and user virtual addresses that walk the
// caller's page table to check permission and range before touching any
// byte, splitting a copy across page boundaries as needed. It is its own
// package, not part of internal/syscall, so code outside the syscall layer
// can validate an iovec without importing the dispatch table.
package usercopy

import (
	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
)

// Space is the subset of *mm.AddressSpace this package needs, kept as an
// interface so tests can supply a fake without building a real page table.
type Space interface {
	Mem() mm.PhysMemory
	TranslateUser(va mm.VirtAddr, wantWrite bool) (mm.PhysAddr, uint64, error)
	IsCOWFault(va mm.VirtAddr) bool
	HandleCOWFault(fault mm.VirtAddr) error
}

// eachPage splits [va, va+n) into per-page runs, invoking fn with the
// physical address and length of each run. It resolves COW faults
// transparently on the write path by retrying TranslateUser once per page
// after HandleCOWFault succeeds.
func eachPage(sp Space, va mm.VirtAddr, n int, write bool, fn func(pa mm.PhysAddr, length int) error) error {
	if n < 0 {
		return kerrno.EFAULT
	}
	remaining := n
	cur := va
	for remaining > 0 {
		pa, _, err := sp.TranslateUser(cur, write)
		if err != nil {
			if write && sp.IsCOWFault(cur) {
				if ferr := sp.HandleCOWFault(cur); ferr != nil {
					return kerrno.EFAULT
				}
				pa, _, err = sp.TranslateUser(cur, write)
			}
			if err != nil {
				return kerrno.EFAULT
			}
		}

		toPageEnd := mm.PageSize - cur.PageOffset()
		run := remaining
		if run > int(toPageEnd) {
			run = int(toPageEnd)
		}
		if err := fn(pa, run); err != nil {
			return err
		}
		remaining -= run
		cur = mm.VirtAddr(uint64(cur) + uint64(run))
	}
	return nil
}

// CopyFromUser reads len(dst) bytes starting at src into dst, failing with
// EFAULT on any unmapped or permission-denied page in the range.
func CopyFromUser(sp Space, src mm.VirtAddr, dst []byte) error {
	off := 0
	return eachPage(sp, src, len(dst), false, func(pa mm.PhysAddr, length int) error {
		sp.Mem().ReadAt(pa, dst[off:off+length])
		off += length
		return nil
	})
}

// CopyToUser writes src into the user range starting at dst, resolving COW
// faults along the way so a write into a freshly-forked page does not
// corrupt the parent's shared frame.
func CopyToUser(sp Space, dst mm.VirtAddr, src []byte) error {
	off := 0
	return eachPage(sp, dst, len(src), true, func(pa mm.PhysAddr, length int) error {
		sp.Mem().WriteAt(pa, src[off:off+length])
		off += length
		return nil
	})
}

// UserPtr is a validated pointer to a single value of fixed width at a user
// virtual address, used for scalar in/out syscall arguments (e.g. the
// `int *status` of wait4).
type UserPtr struct {
	Space Space
	Addr  mm.VirtAddr
}

func (p UserPtr) ReadU32() (uint32, error) {
	var buf [4]byte
	if err := CopyFromUser(p.Space, p.Addr, buf[:]); err != nil {
		return 0, err
	}
	return leUint32(buf[:]), nil
}

func (p UserPtr) WriteU32(v uint32) error {
	var buf [4]byte
	putLeUint32(buf[:], v)
	return CopyToUser(p.Space, p.Addr, buf[:])
}

func (p UserPtr) ReadU64() (uint64, error) {
	var buf [8]byte
	if err := CopyFromUser(p.Space, p.Addr, buf[:]); err != nil {
		return 0, err
	}
	return leUint64(buf[:]), nil
}

func (p UserPtr) WriteU64(v uint64) error {
	var buf [8]byte
	putLeUint64(buf[:], v)
	return CopyToUser(p.Space, p.Addr, buf[:])
}

// UserSlice is a validated (address, length) byte range in user space, used
// for read/write/readv-style buffer arguments.
type UserSlice struct {
	Space Space
	Addr  mm.VirtAddr
	Len   int
}

// ReadAll copies the whole range into a freshly allocated kernel buffer.
func (s UserSlice) ReadAll() ([]byte, error) {
	buf := make([]byte, s.Len)
	if err := CopyFromUser(s.Space, s.Addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteAll copies src into the user range, failing EFAULT if src is longer
// than the validated length.
func (s UserSlice) WriteAll(src []byte) error {
	if len(src) > s.Len {
		return kerrno.EFAULT
	}
	return CopyToUser(s.Space, s.Addr, src)
}

// CopyInString reads a NUL-terminated string from user space, up to max
// bytes, used for execve's argv/envp and path arguments. It walks one byte
// at a time across the page-boundary-safe CopyFromUser helper rather than
// assuming the string fits in a single page.
func CopyInString(sp Space, addr mm.VirtAddr, max int) (string, error) {
	var out []byte
	var b [1]byte
	for i := 0; i < max; i++ {
		if err := CopyFromUser(sp, mm.VirtAddr(uint64(addr)+uint64(i)), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", kerrno.EINVAL
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
