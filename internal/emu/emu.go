// Package emu implements the RV64I interpreter (C5): fetch/decode/execute,
// register file, ELF loading, argv/stack construction, and the run loop
// that ties it all to the shared Coverage Map. See spec.md §3, §4.5, §6.
package emu

import (
	"fmt"

	"github.com/mellow-hype/rvfuzz/internal/coverage"
	"github.com/mellow-hype/rvfuzz/internal/elfload"
	"github.com/mellow-hype/rvfuzz/internal/mmu"
	"github.com/mellow-hype/rvfuzz/internal/stats"
)

// argMax bounds an individual guest argv string's dedicated page, matching
// the original implementation's ARG_MAX.
const argMax = 4096

// Emulator is one guest instance: its register file, its private MMU, the
// exit/coverage flags the run loop consults, and a reference to the shared
// coverage map (never cloned — coverage is process-wide, per spec.md §4.2).
type Emulator struct {
	Regs        [NumRegs]uint64
	MMU         *mmu.MMU
	StackSize   uint64
	ExitReason  ExitReason
	NewCoverage bool
	Coverage    *coverage.Map
}

// New builds an emulator with a fresh, zeroed guest address space of the
// given size, wired to the shared coverage map.
func New(memSize uint64, stackSize uint64, cov *coverage.Map) *Emulator {
	return &Emulator{
		MMU:       mmu.New(memSize),
		StackSize: stackSize,
		Coverage:  cov,
	}
}

// Fork returns a deep clone of e: a fresh MMU copy and a copy of the
// register file, sharing the same coverage map. Used once at startup to
// hand each worker its own private emulator derived from the snapshot.
func (e *Emulator) Fork() *Emulator {
	clone := &Emulator{
		MMU:       e.MMU.Fork(),
		StackSize: e.StackSize,
		Coverage:  e.Coverage,
	}
	clone.Regs = e.Regs
	return clone
}

// Reset restores e to src's state: the MMU's dirty-block walk plus a full
// register memcpy, and clears the exit/coverage flags. This is the
// per-iteration reset described in spec.md §4.1 "Reset semantics".
func (e *Emulator) Reset(src *Emulator) error {
	if err := e.MMU.Reset(src.MMU); err != nil {
		return fmt.Errorf("emu: reset: %w", err)
	}
	e.Regs = src.Regs
	e.ExitReason = NoExit
	e.NewCoverage = false
	return nil
}

// Run executes instructions until ExitReason is no longer NoExit. If
// maxInstructions is nonzero, a run exceeding it stops with Timeout.
func (e *Emulator) Run(st *stats.Worker, maxInstructions uint64) ExitReason {
	var executed uint64
	for e.ExitReason == NoExit {
		e.Step(st)
		st.ExecutedInstructions++
		executed++
		if e.ExitReason == NoExit && maxInstructions != 0 && executed >= maxInstructions {
			e.ExitReason = Timeout
			st.Timeouts++
			break
		}
	}
	e.reportExit(st)
	return e.ExitReason
}

// RunUntil executes instructions until either ExitReason is no longer
// NoExit or the program counter reaches breakAdr. Used once, by the main
// thread, to advance a fresh emulator to the user's chosen snapshot point.
func (e *Emulator) RunUntil(st *stats.Worker, breakAdr uint64) ExitReason {
	for e.ExitReason == NoExit && e.Regs[RegPC] != breakAdr {
		e.Step(st)
		st.ExecutedInstructions++
	}
	if e.ExitReason != NoExit {
		e.reportExit(st)
	}
	return e.ExitReason
}

func (e *Emulator) reportExit(st *stats.Worker) {
	switch e.ExitReason {
	case SyscallUnsupported:
		st.UnsupportedSyscalls++
	case FstatBadFd:
		st.BadFstatFds++
	case CloseBadFd:
		st.BadCloseFds++
	case Graceful:
		st.GracefulExits++
	}
}

// GetReg/SetReg/GetPC/SetPC/GetSP/SetSP form the small capability surface
// spec.md §9 calls for in place of per-instance function pointers on the
// emulator struct.

func (e *Emulator) GetReg(r int) uint64    { return e.Regs[r] }
func (e *Emulator) SetReg(r int, v uint64) { e.Regs[r] = v }
func (e *Emulator) GetPC() uint64          { return e.Regs[RegPC] }
func (e *Emulator) SetPC(v uint64)         { e.Regs[RegPC] = v }
func (e *Emulator) GetSP() uint64          { return e.Regs[RegSP] }
func (e *Emulator) SetSP(v uint64)         { e.Regs[RegSP] = v }

// StackPush writes b to just below the current stack
// pointer and moves the stack pointer down, matching the original
// implementation's riscv_stack_push.
func (e *Emulator) StackPush(b []byte) error {
	newSP := e.Regs[RegSP] - uint64(len(b))
	if err := e.MMU.Write(mmu.Addr(newSP), b); err != nil {
		e.ExitReason = SegfaultWrite
		return err
	}
	e.Regs[RegSP] = newSP
	return nil
}

// LoadELF materializes every PT_LOAD program header of elfFile into guest
// memory: transiently WRITE to copy file bytes and zero-pad, then restore
// the segment's declared ELF permissions. Also sets the entry point as PC
// and advances the bump allocator past the highest loaded segment, page
// aligned, so the stack can never collide with program headers.
func (e *Emulator) LoadELF(elfFile *elfload.ELF) error {
	if uint64(len(elfFile.Data)) > e.MMU.Size() {
		return fmt.Errorf("emu: load_elf: file larger than guest memory")
	}
	e.SetPC(elfFile.EntryPoint)

	var highWater uint64
	for _, ph := range elfFile.ProgramHeaders {
		if ph.Type != elfload.ProgTypeLoad {
			continue
		}
		if ph.VirtAddr+ph.FileSize > e.MMU.Size() {
			return fmt.Errorf("emu: load_elf: segment at %#x exceeds guest memory", ph.VirtAddr)
		}

		if err := e.MMU.SetPermissions(mmu.Addr(ph.VirtAddr), mmu.PermWrite, ph.MemSize); err != nil {
			return fmt.Errorf("emu: load_elf: %w", err)
		}

		segData := elfFile.Data[ph.Offset : ph.Offset+ph.FileSize]
		if err := e.MMU.Write(mmu.Addr(ph.VirtAddr), segData); err != nil {
			return fmt.Errorf("emu: load_elf: write segment: %w", err)
		}

		if ph.MemSize > ph.FileSize {
			padding := make([]byte, ph.MemSize-ph.FileSize)
			if err := e.MMU.Write(mmu.Addr(ph.VirtAddr+ph.FileSize), padding); err != nil {
				return fmt.Errorf("emu: load_elf: write padding: %w", err)
			}
		}

		perm := elfFlagsToPerm(ph.Flags)
		if err := e.MMU.SetPermissions(mmu.Addr(ph.VirtAddr), perm, ph.MemSize); err != nil {
			return fmt.Errorf("emu: load_elf: %w", err)
		}

		segEnd := (ph.VirtAddr + ph.MemSize + 0xfff) &^ 0xfff
		if segEnd > highWater {
			highWater = segEnd
		}
	}
	e.MMU.SetCurrAlloc(mmu.Addr(highWater))
	return nil
}

func elfFlagsToPerm(f elfload.ProgFlag) mmu.Perm {
	var p mmu.Perm
	if f&elfload.ProgFlagExec != 0 {
		p |= mmu.PermExec
	}
	if f&elfload.ProgFlagWrite != 0 {
		p |= mmu.PermWrite
	}
	if f&elfload.ProgFlagRead != 0 {
		p |= mmu.PermRead
	}
	return p
}

// BuildStack allocates the StackSize-byte guest stack, writes argv to dedicated
// pages, and pushes the argc/argv/envp/auxv layout described in spec.md §6.
func (e *Emulator) BuildStack(argv []string) error {
	stackStart, err := e.MMU.Allocate(e.StackSize)
	if err != nil {
		return fmt.Errorf("emu: build_stack: allocate stack: %w", err)
	}
	e.SetSP(uint64(stackStart) + e.StackSize)

	argAddrs := make([]uint64, len(argv))
	for i, arg := range argv {
		addr, err := e.MMU.Allocate(argMax)
		if err != nil {
			return fmt.Errorf("emu: build_stack: allocate argv[%d]: %w", i, err)
		}
		if err := e.MMU.Write(addr, []byte(arg+"\x00")); err != nil {
			return fmt.Errorf("emu: build_stack: write argv[%d]: %w", i, err)
		}
		if err := e.MMU.SetPermissions(addr, mmu.PermRead|mmu.PermWrite, argMax); err != nil {
			return fmt.Errorf("emu: build_stack: %w", err)
		}
		argAddrs[i] = uint64(addr)
	}

	zero8 := make([]byte, 8)
	if err := e.StackPush(zero8); err != nil { // auxv terminator
		return err
	}
	if err := e.StackPush(zero8); err != nil { // envp terminator
		return err
	}
	if err := e.StackPush(zero8); err != nil { // argv terminator
		return err
	}
	for i := len(argAddrs) - 1; i >= 0; i-- {
		buf := make([]byte, 8)
		leUint64(buf, argAddrs[i])
		if err := e.StackPush(buf); err != nil {
			return err
		}
	}
	argcBuf := make([]byte, 8)
	leUint64(argcBuf, uint64(len(argv)))
	return e.StackPush(argcBuf)
}

func leUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
