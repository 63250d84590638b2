package fdt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// dtbBuilder assembles a minimal flattened devicetree blob by hand, the
// inverse of what Parse decodes -- there is no fdt-encoder in the
// workspace to borrow (see DESIGN.md), so this mirrors the Devicetree
// Specification's structure-block grammar directly.
type dtbBuilder struct {
	strs   []byte
	strOff map[string]uint32
	buf    []byte
}

func newDTBBuilder() *dtbBuilder {
	return &dtbBuilder{strOff: make(map[string]uint32)}
}

func (b *dtbBuilder) be32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *dtbBuilder) pad4() {
	for len(b.buf)%4 != 0 {
		b.buf = append(b.buf, 0)
	}
}

func (b *dtbBuilder) nameOffset(s string) uint32 {
	if off, ok := b.strOff[s]; ok {
		return off
	}
	off := uint32(len(b.strs))
	b.strs = append(b.strs, append([]byte(s), 0)...)
	b.strOff[s] = off
	return off
}

func (b *dtbBuilder) beginNode(name string) {
	b.be32(tokenBeginNode)
	b.buf = append(b.buf, append([]byte(name), 0)...)
	b.pad4()
}

func (b *dtbBuilder) endNode() { b.be32(tokenEndNode) }

func (b *dtbBuilder) prop(name string, data []byte) {
	b.be32(tokenProp)
	b.be32(uint32(len(data)))
	b.be32(b.nameOffset(name))
	b.buf = append(b.buf, data...)
	b.pad4()
}

func (b *dtbBuilder) propStrings(name string, vals ...string) {
	var data []byte
	for _, v := range vals {
		data = append(data, append([]byte(v), 0)...)
	}
	b.prop(name, data)
}

func (b *dtbBuilder) propU32(name string, vals ...uint32) {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(data[i*4:i*4+4], v)
	}
	b.prop(name, data)
}

func (b *dtbBuilder) finish() []byte {
	b.be32(tokenEnd)

	const headerLen = 40
	structOff := uint32(headerLen)
	structLen := uint32(len(b.buf))
	stringsOff := structOff + structLen
	total := stringsOff + uint32(len(b.strs))

	out := make([]byte, headerLen)
	be := binary.BigEndian
	be.PutUint32(out[0:4], magic)
	be.PutUint32(out[4:8], total)
	be.PutUint32(out[8:12], structOff)
	be.PutUint32(out[12:16], stringsOff)
	be.PutUint32(out[16:20], headerLen) // offMemRsvmap, unused by Parse
	be.PutUint32(out[20:24], 17)        // version
	be.PutUint32(out[24:28], 16)        // last_comp_version
	be.PutUint32(out[28:32], 0)         // boot_cpuid_phys
	be.PutUint32(out[32:36], uint32(len(b.strs)))
	be.PutUint32(out[36:40], structLen)

	out = append(out, b.buf...)
	out = append(out, b.strs...)
	return out
}

func buildSampleTree(t *testing.T) []byte {
	t.Helper()
	b := newDTBBuilder()
	b.beginNode("")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 1)

	b.beginNode("memory@80000000")
	b.propStrings("device_type", "memory")
	b.propU32("reg", 0x0, 0x80000000, 0x8000000)
	b.endNode()

	b.beginNode("virtio_mmio@10001000")
	b.propStrings("compatible", "virtio,mmio")
	b.propU32("reg", 0x0, 0x10001000, 0x1000)
	b.endNode()

	b.beginNode("virtio_mmio@10002000")
	b.propStrings("compatible", "virtio,mmio")
	b.propU32("reg", 0x0, 0x10002000, 0x1000)
	b.endNode()

	b.endNode()
	return b.finish()
}

func TestParseRoundTrip(t *testing.T) {
	blob := buildSampleTree(t)
	root, err := Parse(blob)
	require.NoError(t, err)
	require.Len(t, root.Children, 3)
}

func TestVirtioMMIOBases(t *testing.T) {
	blob := buildSampleTree(t)
	root, err := Parse(blob)
	require.NoError(t, err)

	bases := VirtioMMIOBases(root)
	require.Equal(t, []uint64{0x10001000, 0x10002000}, bases)
}

func TestMemoryRegion(t *testing.T) {
	blob := buildSampleTree(t)
	root, err := Parse(blob)
	require.NoError(t, err)

	mem, ok := MemoryRegion(root)
	require.True(t, ok)
	require.Equal(t, uint64(0x80000000), mem.Addr)
	require.Equal(t, uint64(0x8000000), mem.Size)
}

func TestFindCompatible(t *testing.T) {
	blob := buildSampleTree(t)
	root, err := Parse(blob)
	require.NoError(t, err)

	node, ok := Find(root, "virtio,mmio")
	require.True(t, ok)
	regs := RegAddresses(node)
	require.Len(t, regs, 1)
	require.Equal(t, uint64(0x10001000), regs[0].Addr)
}

func TestParseBadMagic(t *testing.T) {
	blob := buildSampleTree(t)
	blob[0] = 0
	_, err := Parse(blob)
	require.Error(t, err)
}
