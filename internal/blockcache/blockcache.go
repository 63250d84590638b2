// Package blockcache implements Aurora's direct-mapped write-back block
// cache: a fixed number of lines, each mapped from
// (device, block number) by a simple modulo, filled on miss and flushed
// back to the device on sync(). The direct-mapped, fixed-line-count shape
// generalizes a per-file block map (internal/vfs/backend.go's
// fsNode.blocks) from an unbounded per-file map to a bounded, device-wide
// cache with real eviction.
package blockcache

import (
	"sync"

	"github.com/aurora-os/aurora/internal/blockdev"
)

const BlockSize = 4096

// key identifies a cached block by (device, block number).
type key struct {
	dev     blockdev.ID
	blockNo uint64
}

// line is one direct-mapped cache slot.
type line struct {
	valid   bool
	dirty   bool
	tag     key
	data    [BlockSize]byte
}

// Cache is a fixed-size direct-mapped write-back block cache shared by
// every mounted filesystem, indexed by (device, block_no) mod N.
type Cache struct {
	mu      sync.Mutex
	lines   []line
	devices map[blockdev.ID]blockdev.Device
}

func New(numLines int) *Cache {
	return &Cache{
		lines:   make([]line, numLines),
		devices: make(map[blockdev.ID]blockdev.Device),
	}
}

// Attach registers the device backing id so Read/Write can fill/flush
// through it; called once per mounted block device.
func (c *Cache) Attach(id blockdev.ID, dev blockdev.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[id] = dev
}

func (c *Cache) slot(dev blockdev.ID, blockNo uint64) int {
	return int((uint64(dev)*2654435761 + blockNo) % uint64(len(c.lines)))
}

// Read returns the cached contents of a block, filling it from the device
// on a miss or a tag conflict (evicting and, if dirty, writing back the
// evicted line first).
func (c *Cache) Read(dev blockdev.ID, blockNo uint64) ([BlockSize]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.slot(dev, blockNo)
	l := &c.lines[idx]
	want := key{dev, blockNo}
	if l.valid && l.tag == want {
		return l.data, nil
	}
	if l.valid && l.dirty {
		if err := c.writeBack(l); err != nil {
			return [BlockSize]byte{}, err
		}
	}

	d, ok := c.devices[dev]
	if !ok {
		return [BlockSize]byte{}, blockdev.ErrNoSuchDevice
	}
	var buf [BlockSize]byte
	if err := d.ReadBlock(blockNo, buf[:]); err != nil {
		return [BlockSize]byte{}, err
	}
	l.valid = true
	l.dirty = false
	l.tag = want
	l.data = buf
	return l.data, nil
}

// Write stores data into the cached line for (dev, blockNo) and marks it
// dirty, evicting (and writing back) whatever was there first if the tag
// differs.
func (c *Cache) Write(dev blockdev.ID, blockNo uint64, data [BlockSize]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.slot(dev, blockNo)
	l := &c.lines[idx]
	want := key{dev, blockNo}
	if l.valid && l.dirty && l.tag != want {
		if err := c.writeBack(l); err != nil {
			return err
		}
	}
	l.valid = true
	l.dirty = true
	l.tag = want
	l.data = data
	return nil
}

// writeBack flushes a single dirty line to its device; caller holds c.mu.
func (c *Cache) writeBack(l *line) error {
	d, ok := c.devices[l.tag.dev]
	if !ok {
		return blockdev.ErrNoSuchDevice
	}
	if err := d.WriteBlock(l.tag.blockNo, l.data[:]); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

// Flush writes every dirty line back to its device and clears the dirty
// bit, implementing the sync() syscall's per-mount flush.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && l.dirty {
			if err := c.writeBack(l); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
