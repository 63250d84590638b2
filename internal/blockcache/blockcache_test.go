package blockcache

import (
	"testing"

	"github.com/aurora-os/aurora/internal/blockdev"
	"github.com/stretchr/testify/require"
)

func TestReadFillsFromDeviceOnMiss(t *testing.T) {
	dev := blockdev.NewRAMDevice(BlockSize, 4)
	var seed [BlockSize]byte
	seed[0] = 0xAB
	require.NoError(t, dev.WriteBlock(2, seed[:]))

	c := New(8)
	c.Attach(1, dev)

	got, err := c.Read(1, 2)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got[0])
}

func TestWriteMarksDirtyAndFlushWritesBack(t *testing.T) {
	dev := blockdev.NewRAMDevice(BlockSize, 4)
	c := New(8)
	c.Attach(1, dev)

	var data [BlockSize]byte
	data[0] = 0x42
	require.NoError(t, c.Write(1, 0, data))

	var raw [BlockSize]byte
	require.NoError(t, dev.ReadBlock(0, raw[:]))
	require.Equal(t, byte(0), raw[0], "write must not hit the device before flush")

	require.NoError(t, c.Flush())
	require.NoError(t, dev.ReadBlock(0, raw[:]))
	require.Equal(t, byte(0x42), raw[0])
}

func TestConflictingTagEvictsAndWritesBackDirtyLine(t *testing.T) {
	dev := blockdev.NewRAMDevice(BlockSize, 16)
	c := New(1) // a single line forces every distinct block to collide

	c.Attach(1, dev)

	var a, b [BlockSize]byte
	a[0] = 0x11
	b[0] = 0x22
	require.NoError(t, c.Write(1, 0, a))
	require.NoError(t, c.Write(1, 1, b)) // evicts block 0's dirty line first

	var raw [BlockSize]byte
	require.NoError(t, dev.ReadBlock(0, raw[:]))
	require.Equal(t, byte(0x11), raw[0], "evicting a dirty line must write it back first")
}

func TestReadUnknownDeviceErrors(t *testing.T) {
	c := New(4)
	_, err := c.Read(99, 0)
	require.ErrorIs(t, err, blockdev.ErrNoSuchDevice)
}
