package syscall

import (
	"testing"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/stretchr/testify/require"
)

func TestBrkQueriesWithoutChanging(t *testing.T) {
	f := newFixture(t, 64)
	f.p.BrkBase = mm.VirtAddr(0x10000)

	got, err := f.k.sysBrk(f.tk, f.p, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(f.p.BrkBase), got)
}

func TestBrkGrowsAndShrinksMappings(t *testing.T) {
	f := newFixture(t, 64)
	f.p.BrkBase = mm.VirtAddr(0x10000)

	grown, err := f.k.sysBrk(f.tk, f.p, f.p.BrkBase+mm.VirtAddr(2*mm.PageSize))
	require.NoError(t, err)
	require.Equal(t, uint64(f.p.BrkBase)+2*mm.PageSize, grown)

	_, ok := f.tk.Space.PageTable.Translate(f.p.BrkBase.VPN())
	require.True(t, ok, "brk growth must map the new pages")

	before := f.fa.FreeFrames()
	shrunk, err := f.k.sysBrk(f.tk, f.p, f.p.BrkBase)
	require.NoError(t, err)
	require.Equal(t, uint64(f.p.BrkBase), shrunk)
	require.Greater(t, f.fa.FreeFrames(), before, "shrinking brk must release frames")

	_, ok = f.tk.Space.PageTable.Translate(f.p.BrkBase.VPN())
	require.False(t, ok, "shrunk-away page must be unmapped")
}

func TestMmapAnonymousRejectsZeroLength(t *testing.T) {
	f := newFixture(t, 16)
	_, err := f.k.sysMmap(f.tk, f.p, 0, 0, protRead|protWrite, mapAnonymous|mapPrivate, -1, 0)
	require.ErrorIs(t, err, kerrno.EINVAL)
}

func TestMmapAnonymousGrowsDownwardFromMMapNext(t *testing.T) {
	f := newFixture(t, 64)

	addr1, err := f.k.sysMmap(f.tk, f.p, 0, mm.PageSize, protRead|protWrite, mapAnonymous|mapPrivate, -1, 0)
	require.NoError(t, err)
	addr2, err := f.k.sysMmap(f.tk, f.p, 0, mm.PageSize, protRead|protWrite, mapAnonymous|mapPrivate, -1, 0)
	require.NoError(t, err)

	require.Less(t, addr2, addr1, "successive anonymous mmaps must grow downward")

	pte, ok := f.tk.Space.PageTable.Translate(mm.VirtAddr(addr1).VPN())
	require.True(t, ok)
	require.True(t, pte.Writable())
}

func TestMunmapUnmapsRange(t *testing.T) {
	f := newFixture(t, 64)
	addr, err := f.k.sysMmap(f.tk, f.p, 0, 2*mm.PageSize, protRead|protWrite, mapAnonymous|mapPrivate, -1, 0)
	require.NoError(t, err)

	err = f.k.sysMunmap(f.tk, mm.VirtAddr(addr), 2*mm.PageSize)
	require.NoError(t, err)

	_, ok := f.tk.Space.PageTable.Translate(mm.VirtAddr(addr).VPN())
	require.False(t, ok)
}

func TestMunmapRejectsZeroLength(t *testing.T) {
	f := newFixture(t, 16)
	err := f.k.sysMunmap(f.tk, mm.VirtAddr(0x1000), 0)
	require.ErrorIs(t, err, kerrno.EINVAL)
}

func TestMprotectChangesPermissions(t *testing.T) {
	f := newFixture(t, 64)
	addr, err := f.k.sysMmap(f.tk, f.p, 0, mm.PageSize, protRead, mapAnonymous|mapPrivate, -1, 0)
	require.NoError(t, err)

	pte, ok := f.tk.Space.PageTable.Translate(mm.VirtAddr(addr).VPN())
	require.True(t, ok)
	require.False(t, pte.Writable())

	err = f.k.sysMprotect(f.tk, mm.VirtAddr(addr), mm.PageSize, protRead|protWrite)
	require.NoError(t, err)

	pte, ok = f.tk.Space.PageTable.Translate(mm.VirtAddr(addr).VPN())
	require.True(t, ok)
	require.True(t, pte.Writable())
}
