package fat32

import (
	"encoding/binary"

	"github.com/aurora-os/aurora/internal/kerrno"
)

func (fs *FS) fatSectorFor(cluster uint32) (sector uint32, offset uint32) {
	byteOff := cluster * fatEntrySize
	return fs.fatStart + byteOff/bytesPerSector, byteOff % bytesPerSector
}

func (fs *FS) getFATEntry(cluster uint32) (uint32, error) {
	sector, off := fs.fatSectorFor(cluster)
	var buf [bytesPerSector]byte
	if err := fs.dev.ReadBlock(uint64(sector), buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[off:off+4]) & clusterMask, nil
}

func (fs *FS) setFATEntry(cluster, value uint32) error {
	sector, off := fs.fatSectorFor(cluster)
	var buf [bytesPerSector]byte
	if err := fs.dev.ReadBlock(uint64(sector), buf[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], value&clusterMask)
	return fs.dev.WriteBlock(uint64(sector), buf[:])
}

// isEOC reports whether a FAT entry value marks the end of a cluster
// chain.
func isEOC(v uint32) bool { return v >= eocMin || v == badCluster }

// allocCluster finds the first free (zero) FAT entry, marks it
// end-of-chain, zero-fills its data, and returns its cluster number.
func (fs *FS) allocCluster() (uint32, error) {
	total := fs.bpb.TotalSectors32 - (fs.dataStart)
	for c := uint32(firstDataCluster); c < firstDataCluster+total; c++ {
		v, err := fs.getFATEntry(c)
		if err != nil {
			return 0, err
		}
		if v == 0 {
			if err := fs.setFATEntry(c, eocMin); err != nil {
				return 0, err
			}
			var zero [bytesPerSector]byte
			if err := fs.writeCluster(c, zero); err != nil {
				return 0, err
			}
			return c, nil
		}
	}
	return 0, kerrno.ErrNoSpace
}

// chain returns every cluster number in the chain starting at start, in
// order.
func (fs *FS) chain(start uint32) ([]uint32, error) {
	if start == 0 {
		return nil, nil
	}
	var out []uint32
	cur := start
	for {
		out = append(out, cur)
		next, err := fs.getFATEntry(cur)
		if err != nil {
			return nil, err
		}
		if isEOC(next) {
			return out, nil
		}
		cur = next
	}
}

// growChain appends a freshly allocated cluster to the end of the chain
// starting at start (or starts a new chain if start is 0), returning the
// (possibly unchanged) chain head and the new cluster.
func (fs *FS) growChain(start uint32) (head uint32, newCluster uint32, err error) {
	nc, err := fs.allocCluster()
	if err != nil {
		return 0, 0, err
	}
	if start == 0 {
		return nc, nc, nil
	}
	cs, err := fs.chain(start)
	if err != nil {
		return 0, 0, err
	}
	last := cs[len(cs)-1]
	if err := fs.setFATEntry(last, nc); err != nil {
		return 0, 0, err
	}
	return start, nc, nil
}

// freeChain releases every cluster in the chain starting at start.
func (fs *FS) freeChain(start uint32) error {
	cs, err := fs.chain(start)
	if err != nil {
		return err
	}
	for _, c := range cs {
		if err := fs.setFATEntry(c, 0); err != nil {
			return err
		}
	}
	return nil
}
