package syscall

import (
	"bytes"
	"debug/elf"

	"github.com/aurora-os/aurora/internal/kerrno"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/usercopy"
)

// loadedImage is what execve needs from the loaded ELF: the entry point
// and the initial program break. The initial stack pointer comes from
// buildInitialStack.
type loadedImage struct {
	entry uint64
	brk   uint64 // first byte past the highest PT_LOAD segment, execve's initial brk
}

// loadELF parses a RISC-V64 ET_EXEC/ET_DYN image and maps each PT_LOAD
// segment into space, using debug/elf for the header/program-header parse
// (the ELF *parsing* itself has no suitable third-party replacement, so it
// uses the standard library's debug/elf exactly as any Go ELF loader
// would -- see DESIGN.md).
func loadELF(space *mm.AddressSpace, fa *mm.FrameAllocator, image []byte) (loadedImage, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return loadedImage{}, kerrno.Wrap("elf.parse", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return loadedImage{}, kerrno.Errorf("elf.parse", "not a RISC-V64 ELF64 image (class=%v machine=%v)", f.Class, f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return loadedImage{}, kerrno.Errorf("elf.parse", "unsupported ELF type %v", f.Type)
	}

	var maxEnd uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return loadedImage{}, kerrno.Wrap("elf.load_segment", err)
		}

		flags := mm.PteU | mm.PteV
		if prog.Flags&elf.PF_R != 0 {
			flags |= mm.PteR
		}
		if prog.Flags&elf.PF_W != 0 {
			flags |= mm.PteW
		}
		if prog.Flags&elf.PF_X != 0 {
			flags |= mm.PteX
		}

		start := mm.VirtAddr(prog.Vaddr).Floor()
		end := mm.VirtAddr(prog.Vaddr + prog.Memsz).Ceil()
		for va := start; va < end; va += mm.PageSize {
			if _, err := space.MapAnon(va.VPN(), flags); err != nil {
				return loadedImage{}, err
			}
		}
		if err := usercopy.CopyToUser(space, mm.VirtAddr(prog.Vaddr), data); err != nil {
			return loadedImage{}, err
		}
		if uint64(end) > maxEnd {
			maxEnd = uint64(end)
		}
	}

	return loadedImage{entry: f.Entry, brk: maxEnd}, nil
}

// buildInitialStack lays out argv/envp the way the RISC-V64 Linux ABI
// expects below stackTop: argc, argv pointers, NULL, envp pointers, NULL,
// then the string bytes themselves, and returns the resulting stack
// pointer. auxv is intentionally empty (carries no dynamic-linker
// non-goal exception -- AT_NULL only).
func buildInitialStack(space *mm.AddressSpace, stackTop mm.VirtAddr, argv, envp []string) (mm.VirtAddr, error) {
	sp := stackTop
	writeStr := func(s string) (mm.VirtAddr, error) {
		b := append([]byte(s), 0)
		sp -= mm.VirtAddr(len(b))
		if err := usercopy.CopyToUser(space, sp, b); err != nil {
			return 0, err
		}
		return sp, nil
	}

	argvPtrs := make([]uint64, len(argv))
	for i, s := range argv {
		addr, err := writeStr(s)
		if err != nil {
			return 0, err
		}
		argvPtrs[i] = uint64(addr)
	}
	envpPtrs := make([]uint64, len(envp))
	for i, s := range envp {
		addr, err := writeStr(s)
		if err != nil {
			return 0, err
		}
		envpPtrs[i] = uint64(addr)
	}

	sp = sp.Floor() // align before the pointer table

	writeU64 := func(v uint64) error {
		sp -= 8
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		return usercopy.CopyToUser(space, sp, buf[:])
	}

	if err := writeU64(0); err != nil { // AT_NULL auxv terminator
		return 0, err
	}
	if err := writeU64(0); err != nil { // envp NULL terminator
		return 0, err
	}
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		if err := writeU64(envpPtrs[i]); err != nil {
			return 0, err
		}
	}
	if err := writeU64(0); err != nil { // argv NULL terminator
		return 0, err
	}
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		if err := writeU64(argvPtrs[i]); err != nil {
			return 0, err
		}
	}
	if err := writeU64(uint64(len(argv))); err != nil { // argc
		return 0, err
	}
	return sp, nil
}
