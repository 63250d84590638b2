// Package fat32 implements enough of FAT32 to serve as Aurora's ramdisk
// fallback filesystem when no real block device is attached: BIOS
// Parameter Block parsing, FAT chain traversal, 8.3 directory entries
// (skipping long-file-name placeholders), create, and
// truncate-with-zero-fill. It satisfies the same internal/vfs.Inode
// interface as internal/ext4, using the same block-read/write loop shape
// (internal/vfs/backend.go's fsNode) scaled down to FAT32's single-level
// cluster chain instead of an extent tree.
package fat32

import (
	"encoding/binary"

	"github.com/aurora-os/aurora/internal/blockdev"
	"github.com/aurora-os/aurora/internal/kerrno"
)

// Aurora's ramdisk is small enough that treating one FAT "sector" as one
// blockdev.Device block (4096 bytes) and one cluster as one sector keeps
// the implementation to a single granularity instead of two; this is a
// deliberate scale-down from real FAT32's 512-byte-sector convention,
// documented in DESIGN.md.
const (
	bytesPerSector    = 4096
	sectorsPerCluster = 1
	fatEntrySize      = 4

	firstDataCluster = 2
	eocMin           = 0x0FFFFFF8
	badCluster       = 0x0FFFFFF7
	clusterMask      = 0x0FFFFFFF
)

// BPB holds the subset of the BIOS Parameter Block Aurora's reader needs.
type BPB struct {
	ReservedSectors uint16
	NumFATs         uint8
	FATSize32       uint32
	RootCluster     uint32
	TotalSectors32  uint32
}

func parseBPB(buf []byte) (BPB, error) {
	if len(buf) < 90 {
		return BPB{}, kerrno.ErrCorruptSB
	}
	if buf[510] != 0x55 || buf[511] != 0xAA {
		return BPB{}, kerrno.ErrCorruptSB
	}
	return BPB{
		ReservedSectors: binary.LittleEndian.Uint16(buf[14:16]),
		NumFATs:         buf[16],
		FATSize32:       binary.LittleEndian.Uint32(buf[36:40]),
		RootCluster:     binary.LittleEndian.Uint32(buf[44:48]),
		TotalSectors32:  binary.LittleEndian.Uint32(buf[32:36]),
	}, nil
}

func (b BPB) encode(buf []byte) {
	buf[11], buf[12] = byte(bytesPerSector), byte(bytesPerSector>>8)
	buf[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(buf[14:16], b.ReservedSectors)
	buf[16] = b.NumFATs
	binary.LittleEndian.PutUint32(buf[32:36], b.TotalSectors32)
	binary.LittleEndian.PutUint32(buf[36:40], b.FATSize32)
	binary.LittleEndian.PutUint32(buf[44:48], b.RootCluster)
	buf[510], buf[511] = 0x55, 0xAA
}

// FS is a mounted FAT32 ramdisk filesystem.
type FS struct {
	dev  blockdev.Device
	bpb  BPB
	fatStart  uint32
	dataStart uint32
}

// Mount reads and validates the boot sector off dev.
func Mount(dev blockdev.Device) (*FS, error) {
	var sector [bytesPerSector]byte
	if err := dev.ReadBlock(0, sector[:]); err != nil {
		return nil, err
	}
	bpb, err := parseBPB(sector[:])
	if err != nil {
		return nil, err
	}
	fs := &FS{dev: dev, bpb: bpb}
	fs.fatStart = uint32(bpb.ReservedSectors)
	fs.dataStart = fs.fatStart + uint32(bpb.NumFATs)*bpb.FATSize32
	return fs, nil
}

// Format lays down a minimal single-FAT volume with an empty root
// directory cluster, used by tests and by the kernel's own ramdisk
// bring-up when no pre-built image is supplied.
func Format(dev blockdev.Device, numClusters uint32) (*FS, error) {
	reserved := uint32(1)
	fatSize := (numClusters*fatEntrySize + bytesPerSector - 1) / bytesPerSector
	if fatSize == 0 {
		fatSize = 1
	}
	bpb := BPB{
		ReservedSectors: uint16(reserved),
		NumFATs:         1,
		FATSize32:       fatSize,
		RootCluster:     firstDataCluster,
		TotalSectors32:  reserved + fatSize + numClusters,
	}
	var boot [bytesPerSector]byte
	bpb.encode(boot[:])
	if err := dev.WriteBlock(0, boot[:]); err != nil {
		return nil, err
	}

	fs := &FS{dev: dev, bpb: bpb, fatStart: reserved, dataStart: reserved + fatSize}
	var fat [bytesPerSector]byte
	for s := uint32(0); s < fatSize; s++ {
		if err := dev.WriteBlock(uint64(reserved+s), fat[:]); err != nil {
			return nil, err
		}
	}
	if err := fs.setFATEntry(firstDataCluster, eocMin); err != nil {
		return nil, err
	}
	var zero [bytesPerSector]byte
	if err := dev.WriteBlock(uint64(fs.clusterToSector(firstDataCluster)), zero[:]); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) clusterToSector(cluster uint32) uint64 {
	return uint64(fs.dataStart) + uint64(cluster-firstDataCluster)*sectorsPerCluster
}

func (fs *FS) readCluster(cluster uint32) ([bytesPerSector]byte, error) {
	var buf [bytesPerSector]byte
	err := fs.dev.ReadBlock(fs.clusterToSector(cluster), buf[:])
	return buf, err
}

func (fs *FS) writeCluster(cluster uint32, data [bytesPerSector]byte) error {
	return fs.dev.WriteBlock(fs.clusterToSector(cluster), data[:])
}

// Flush is a no-op: the FAT32 ramdisk writes straight through to its
// RAMDevice with no write-back cache in front of it (unlike ext4, which
// sits behind internal/blockcache).
func (fs *FS) Flush() error { return nil }
