package proc

import "sync"

const FDCloexec = 1

// FdKind tags the variant an FdObject holds: a tagged union generalized
// from a per-device-type Read/Write dispatch idiom.
type FdKind int

const (
	FdNone FdKind = iota
	FdVfsHandle
	FdPipeEnd
	FdSocket
	FdEpoll
	FdEventfd
	FdTimerfd
)

// PipeSide distinguishes the read and write ends of a pipe's ring buffer.
type PipeSide int

const (
	PipeRead PipeSide = iota
	PipeWrite
)

// FdObject is one process's view of an open file descriptor: exactly one
// of the Vfs/Pipe/Socket payloads is meaningful, selected by Kind.
type FdObject struct {
	Kind FdKind

	// VfsHandle
	Inode  any // vfs.Inode, kept untyped here to avoid a vfs<->proc import cycle
	Offset int64
	OFlags int

	// PipeEnd
	PipeSide PipeSide
	Pipe     any // *pipe.Ring

	// Socket
	SockID int

	// Epoll / Eventfd / Timerfd: opaque state owned by internal/syscall
	// (epollInstance / eventfdState / timerfdState), kept untyped here for
	// the same reason Inode/Pipe are -- proc stays ignorant of syscall's
	// types to avoid an import cycle.
	Aux any

	FdFlags byte // FD_CLOEXEC
}

// FdTable is a process's per-fd array. Slots are indices, not a map, so
// dup2-style fixed-slot semantics and POSIX's "lowest unused fd" rule are
// simple linear scans -- the fd table is explicitly an array.
type FdTable struct {
	mu    sync.Mutex
	slots []*FdObject
}

func NewFdTable(maxFds int) *FdTable {
	return &FdTable{slots: make([]*FdObject, maxFds)}
}

// Install places obj at the lowest free slot, returning (-1, false) if the
// table is full (EMFILE at the syscall layer).
func (t *FdTable) Install(obj *FdObject) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = obj
			return i, true
		}
	}
	return -1, false
}

// InstallAt places obj at a specific fd (dup2/dup3), evicting whatever was
// there, and returns false if fd is out of range.
func (t *FdTable) InstallAt(fd int, obj *FdObject) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) {
		return false
	}
	t.slots[fd] = obj
	return true
}

func (t *FdTable) Get(fd int) (*FdObject, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) {
		return nil, false
	}
	obj := t.slots[fd]
	return obj, obj != nil
}

func (t *FdTable) Close(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return false
	}
	t.slots[fd] = nil
	return true
}

func (t *FdTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		t.slots[i] = nil
	}
}

// CloseOnExec closes every fd with FD_CLOEXEC set, called on successful
// execve.
func (t *FdTable) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s != nil && s.FdFlags&FDCloexec != 0 {
			t.slots[i] = nil
		}
	}
}

// Clone duplicates every slot into a new table (clone/fork's fd-table
// duplication); pipe refcounts are the caller's responsibility to bump
// since FdObject.Pipe is untyped here.
func (t *FdTable) Clone() *FdTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &FdTable{slots: make([]*FdObject, len(t.slots))}
	for i, s := range t.slots {
		if s == nil {
			continue
		}
		cp := *s
		n.slots[i] = &cp
	}
	return n
}
