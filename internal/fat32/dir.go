package fat32

import (
	"encoding/binary"
	"strings"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/vfs"
)

const (
	dirEntrySize = 32

	attrReadOnly  = 0x01
	attrHidden    = 0x02
	attrSystem    = 0x04
	attrVolumeID  = 0x08
	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	freeEntry    = 0x00
	deletedEntry = 0xE5
)

type dirent struct {
	cluster      uint32 // directory cluster this slot lives in
	offset       uint32 // byte offset of the 32-byte slot within that cluster
	name         string
	attr         uint8
	firstCluster uint32
	size         uint32
}

func (d dirent) isDir() bool { return d.attr&attrDirectory != 0 }

// shortName8_3 renders a name as an 11-byte space-padded 8.3 short name.
// Aurora only ever writes names Create/Mkdir produced, so this rejects
// anything that doesn't already fit the 8.3 shape rather than performing
// real long-name-to-short-name generation.
func shortName8_3(name string) ([11]byte, error) {
	var raw [11]byte
	for i := range raw {
		raw[i] = ' '
	}
	// "." and ".." are themselves valid 8.3 short names (no extension),
	// not a base name joined to an empty extension by a dot.
	if name == "." || name == ".." {
		copy(raw[0:8], name)
		return raw, nil
	}
	base, ext, _ := strings.Cut(strings.ToUpper(name), ".")
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return raw, kerrno.EINVAL
	}
	copy(raw[0:8], base)
	copy(raw[8:11], ext)
	return raw, nil
}

func parseShortName(raw [11]byte) string {
	base := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func parseSlot(buf []byte) (name string, attr uint8, firstCluster, size uint32) {
	var raw [11]byte
	copy(raw[:], buf[0:11])
	attr = buf[11]
	firstCluster = uint32(binary.LittleEndian.Uint16(buf[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(buf[26:28]))
	size = binary.LittleEndian.Uint32(buf[28:32])
	return parseShortName(raw), attr, firstCluster, size
}

func writeSlot(buf []byte, name string, attr uint8, firstCluster, size uint32) error {
	raw, err := shortName8_3(name)
	if err != nil {
		return err
	}
	copy(buf[0:11], raw[:])
	buf[11] = attr
	binary.LittleEndian.PutUint16(buf[20:22], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(firstCluster))
	binary.LittleEndian.PutUint32(buf[28:32], size)
	return nil
}

// listDirEntries walks every cluster in startCluster's chain and returns
// every live (non-free, non-deleted, non-LFN) 8.3 entry.
func (fs *FS) listDirEntries(startCluster uint32) ([]dirent, error) {
	clusters, err := fs.chain(startCluster)
	if err != nil {
		return nil, err
	}
	var out []dirent
	for _, c := range clusters {
		blk, err := fs.readCluster(c)
		if err != nil {
			return nil, err
		}
		for off := 0; off+dirEntrySize <= len(blk); off += dirEntrySize {
			slot := blk[off : off+dirEntrySize]
			if slot[0] == freeEntry || slot[0] == deletedEntry {
				continue
			}
			if slot[11] == attrLongName {
				continue // long-file-name placeholder, "skip LFN entries"
			}
			name, attr, firstCluster, size := parseSlot(slot)
			out = append(out, dirent{cluster: c, offset: uint32(off), name: name, attr: attr, firstCluster: firstCluster, size: size})
		}
	}
	return out, nil
}

func (fs *FS) findDirEntry(startCluster uint32, name string) (dirent, error) {
	entries, err := fs.listDirEntries(startCluster)
	if err != nil {
		return dirent{}, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.name, name) {
			return e, nil
		}
	}
	return dirent{}, kerrno.ENOENT
}

// addDirEntry writes a new 8.3 entry into the first free or deleted slot
// in startCluster's chain, growing the chain by one (all-free) cluster if
// none has room.
func (fs *FS) addDirEntry(startCluster uint32, name string, attr uint8, firstCluster, size uint32) error {
	clusters, err := fs.chain(startCluster)
	if err != nil {
		return err
	}
	for _, c := range clusters {
		blk, err := fs.readCluster(c)
		if err != nil {
			return err
		}
		for off := 0; off+dirEntrySize <= len(blk); off += dirEntrySize {
			slot := blk[off : off+dirEntrySize]
			if slot[0] == freeEntry || slot[0] == deletedEntry {
				if err := writeSlot(slot, name, attr, firstCluster, size); err != nil {
					return err
				}
				return fs.writeCluster(c, blk)
			}
		}
	}
	_, newCluster, err := fs.growChain(startCluster)
	if err != nil {
		return err
	}
	blk, err := fs.readCluster(newCluster)
	if err != nil {
		return err
	}
	if err := writeSlot(blk[0:dirEntrySize], name, attr, firstCluster, size); err != nil {
		return err
	}
	return fs.writeCluster(newCluster, blk)
}

func (fs *FS) removeDirEntry(e dirent) error {
	blk, err := fs.readCluster(e.cluster)
	if err != nil {
		return err
	}
	blk[e.offset] = deletedEntry
	return fs.writeCluster(e.cluster, blk)
}

// updateDirEntry rewrites an existing slot's size and/or first cluster
// (used after a write extends a file's chain).
func (fs *FS) updateDirEntry(e dirent, firstCluster, size uint32) error {
	blk, err := fs.readCluster(e.cluster)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(blk[e.offset+20:e.offset+22], uint16(firstCluster>>16))
	binary.LittleEndian.PutUint16(blk[e.offset+26:e.offset+28], uint16(firstCluster))
	binary.LittleEndian.PutUint32(blk[e.offset+28:e.offset+32], size)
	return fs.writeCluster(e.cluster, blk)
}

func dirTypeFor(attr uint8) uint8 {
	if attr&attrDirectory != 0 {
		return vfs.DTDir
	}
	return vfs.DTReg
}
