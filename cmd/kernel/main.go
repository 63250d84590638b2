// Command kernel is Aurora's entry point: boot asm hands control here with
// BSS already cleared and the DTB pointer in a1, and main walks the device
// tree, brings up memory management, mounts the root filesystem, wires the
// network stack and syscall dispatcher, spawns /init, and falls into the
// scheduler's idle loop: construct every subsystem, wire it into the next,
// then loop.
package main

import (
	"unsafe"

	"github.com/aurora-os/aurora/internal/arch/riscv64"
	"github.com/aurora-os/aurora/internal/blockcache"
	"github.com/aurora-os/aurora/internal/blockdev"
	"github.com/aurora-os/aurora/internal/ext4"
	"github.com/aurora-os/aurora/internal/fat32"
	"github.com/aurora-os/aurora/internal/fdt"
	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/klog"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/netstack"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/socket"
	"github.com/aurora-os/aurora/internal/syscall"
	"github.com/aurora-os/aurora/internal/task"
	"github.com/aurora-os/aurora/internal/vfs"
	"github.com/aurora-os/aurora/internal/virtio"
)

// dtbPtr is populated by entry.s (hand-written assembly, not present as Go
// source -- see DESIGN.md on why the original asm-assembler package was
// dropped) before it falls into main, copied straight out of a1.
var dtbPtr uintptr

// maxDTBSize is a generous upper bound on the devicetree blob QEMU's virt
// machine hands OpenSBI to relay; fdt.Parse trusts the header's own
// totalsize field and never reads past it, so this only needs to cover
// the largest blob QEMU actually emits.
const maxDTBSize = 1 << 20

// blkRootDevID tags the virtio-blk device backing an ext4 root in the
// shared block cache's device map. ramRootDevID names the RAM device that
// backs the FAT32 fallback root; FAT32 reads that device directly, so it is
// never attached to the block cache.
const (
	blkRootDevID blockdev.ID = 0
	ramRootDevID blockdev.ID = 1

	ramDiskBlocks = 4096 // 16 MiB, matching ext4 test image size
)

// sbiConsole is the earliest console writer: one SBI legacy putchar per
// byte, good enough for klog.Init before the UART MMIO driver is probed.
type sbiConsole struct{}

func (sbiConsole) Write(p []byte) (int, error) {
	for _, b := range p {
		riscv64.ConsolePutchar(b)
	}
	return len(p), nil
}

func main() {
	klog.Init(sbiConsole{})

	dtbBlob := unsafe.Slice((*byte)(unsafe.Pointer(dtbPtr)), maxDTBSize)
	root, err := fdt.Parse(dtbBlob)
	if err != nil {
		klog.Error("kernel: failed to parse devicetree", "err", err)
		riscv64.Shutdown()
		return
	}

	memReg, ok := fdt.MemoryRegion(root)
	if !ok {
		klog.Error("kernel: no memory node in devicetree")
		riscv64.Shutdown()
		return
	}

	// Physical RAM is identity-mapped for the kernel's own use: the direct
	// map collapsed to the identity case, since Aurora's Sv39 root never
	// remaps the physical range it manages.
	phys := riscv64.RawMemory{Base: 0}

	// Reserve the low end of the region for the already-loaded kernel
	// image; everything from memReg.Addr+kernelReserve to the top of RAM is
	// free frames.
	const kernelReserve = 64 << 20 // 64 MiB, generous headroom past the image+BSS
	base := mm.PhysAddr(memReg.Addr + kernelReserve).PPN()
	end := mm.PhysAddr(memReg.Addr + memReg.Size).PPN()

	fa := mm.NewFrameAllocator(phys, base, end)

	cfg := kconfig.Default()

	// Timer: QEMU virt's /cpus node carries timebase-frequency; fall back
	// to its well-known default if the property is absent.
	timerHz := uint64(10_000_000)
	for _, n := range root.Children {
		if n.Name == "cpus" {
			if p, ok := n.Properties["timebase-frequency"]; ok && len(p.U32) == 1 {
				timerHz = uint64(p.U32[0])
			}
		}
	}
	clock := riscv64.NewClock(timerHz)

	// PLIC: claim/complete register window, with the MMIO base read from
	// the devicetree.
	var plic *riscv64.PLIC
	if n, ok := fdt.Find(root, "riscv,plic0"); ok {
		if regs := fdt.RegAddresses(n); len(regs) > 0 {
			plic = riscv64.NewPLIC(riscv64.RawRegs{Base: uintptr(regs[0].Addr)}, regs[0].Addr)
			plic.SetThreshold(0)
		}
	}

	// UART: once probed, console output moves off the slow SBI legacy
	// putchar path onto the MMIO 16550.
	if n, ok := fdt.Find(root, "ns16550a"); ok {
		if regs := fdt.RegAddresses(n); len(regs) > 0 {
			uart := riscv64.NewUART(riscv64.RawRegs{Base: uintptr(regs[0].Addr)})
			klog.Init(uart)
		}
	}

	klog.Marker("Aurora kernel booting")

	// Probe every virtio-mmio slot the devicetree lists, binding whichever
	// driver matches the negotiated device ID.
	// Probe is read-only until Reset/negotiation, so trying the wrong
	// constructor first is harmless -- it just fails fast on the ID check.
	// A probe that fails after its frames are already allocated leaks
	// them back into neither the free stack nor the bump pointer -- an
	// accepted boot-time trim, since QEMU's virt machine only ever wires
	// a handful of virtio-mmio slots and the reserve above easily covers it.
	var blkDev blockdev.Device
	var netLink netstack.Link
	for _, n := range fdt.FindAll(root, "virtio,mmio") {
		regsList := fdt.RegAddresses(n)
		if len(regsList) == 0 {
			continue
		}
		regs := riscv64.RawRegs{Base: uintptr(regsList[0].Addr)}

		var irq uint32
		if p, ok := n.Properties["interrupts"]; ok && len(p.U32) > 0 {
			irq = p.U32[0]
		}

		netPages := (virtio.NetMemSize() + mm.PageSize - 1) / mm.PageSize
		if ppn, err := fa.AllocContiguousFrames(netPages); err == nil {
			mem := virtio.Region{Addr: uint64(ppn.Addr()), Buf: phys.View(ppn.Addr(), netPages*mm.PageSize)}
			if net, err := virtio.NewNet(regs, mem); err == nil {
				netLink = net
				if plic != nil && irq != 0 {
					plic.Enable(irq)
				}
				continue
			}
		}

		blkPages := (virtio.BlkMemSize() + mm.PageSize - 1) / mm.PageSize
		if ppn, err := fa.AllocContiguousFrames(blkPages); err == nil {
			mem := virtio.Region{Addr: uint64(ppn.Addr()), Buf: phys.View(ppn.Addr(), blkPages*mm.PageSize)}
			if blk, err := virtio.NewBlk(regs, mem); err == nil {
				blkDev = blk
				continue
			}
		}
	}

	// VFS: ext4 rootfs when a virtio-blk device was found, FAT32 over a
	// RAM device otherwise, used only as a fallback when no block device
	// is attached.
	cache := blockcache.New(cfg.BlockCacheLines)
	mounts := vfs.NewMountTable()
	if blkDev != nil {
		cache.Attach(blkRootDevID, blkDev)
		fs, err := ext4.Mount(cache, blkRootDevID)
		if err != nil {
			klog.Error("kernel: ext4 mount failed", "err", err)
			riscv64.Shutdown()
			return
		}
		mounts.Mount("/", fs.OpenRoot)
		klog.Marker("vfs: mounted ext4 rootfs")
	} else {
		ram := blockdev.NewRAMDevice(blockcache.BlockSize, ramDiskBlocks)
		fs, err := fat32.Mount(ram)
		if err != nil {
			// No pre-built image on the RAM device: lay down an empty
			// volume, leaving room for the boot sector and the FAT.
			fs, err = fat32.Format(ram, ramDiskBlocks-8)
		}
		if err != nil {
			klog.Error("kernel: fat32 ramdisk mount failed", "err", err)
			riscv64.Shutdown()
			return
		}
		mounts.Mount("/", fs.OpenRoot)
		klog.Marker("fat32: ok")
	}

	// Network core: no stack is created (net stays nil) if no virtio-net
	// device was found, which is a valid (if silent) boot configuration
	// for filesystem-only smoke tests.
	var net *netstack.Stack
	if netLink != nil {
		net = netstack.New(nil, netLink)
	}

	sockets := socket.NewTable(net)
	tasks := task.NewTable(cfg.MaxTasks)
	sched := task.NewScheduler(tasks)
	sleepQ := &task.SleepQueue{}
	procs := proc.NewTable()
	futex := proc.NewFutexTable()

	kernel := syscall.New(cfg, tasks, sched, sleepQ, procs, futex, mounts, sockets, net, fa, clock)
	theKernel = kernel
	thePLIC = plic

	if err := kernel.SpawnInit("/init", []string{"/init"}, nil); err != nil {
		klog.Error("kernel: failed to spawn /init", "err", err)
		riscv64.Shutdown()
		return
	}

	// Arm the first timer interrupt before dropping into the idle loop;
	// every subsequent re-arm happens inside Clock.Advance, driven by
	// Kernel.TimerTick on each timer trap.
	clock.Advance(uint64(cfg.TickMillis))

	for {
		if sched.Schedule() {
			continue
		}
		if net != nil {
			net.Poll()
		}
		riscv64.WaitForInterrupt()
	}
}

// theKernel and thePLIC are the package-level handles entry.s's trap
// vector reaches through trapEntry -- the vector itself has no way to
// carry Go-level state across the ecall/interrupt boundary, so it calls a
// fixed, zero-argument-beyond-tf entry point instead.
var (
	theKernel *syscall.Kernel
	thePLIC   *riscv64.PLIC
)

// trapEntry is entry.s's sole call into Go: GPRs/CSRs are already saved
// into tf and sp/sscratch already swapped by the time this runs.
func trapEntry(tf *riscv64.TrapFrame) {
	riscv64.HandleTrap(tf, theKernel, thePLIC)
}
