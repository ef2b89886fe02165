package emu

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mellow-hype/rvfuzz/internal/coverage"
	"github.com/mellow-hype/rvfuzz/internal/mmu"
	"github.com/mellow-hype/rvfuzz/internal/stats"
)

func newTestEmulator() *Emulator {
	return New(1<<20, 1<<16, coverage.New(1024))
}

func writeCode(t *testing.T, e *Emulator, addr uint64, words []uint32) {
	t.Helper()
	require.NoError(t, e.MMU.SetPermissions(mmu.Addr(addr), mmu.PermWrite, uint64(len(words))*4))
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	require.NoError(t, e.MMU.Write(mmu.Addr(addr), buf))
	require.NoError(t, e.MMU.SetPermissions(mmu.Addr(addr), mmu.PermExec, uint64(len(words))*4))
}

// Seed test 1: ADDI then SD then LD.
func TestScenarioAddiSdLd(t *testing.T) {
	e := newTestEmulator()
	e.Regs[RegPC] = 0x1000

	addi := encodeIType(0x123, 0, 0, 5, OpArithI)       // addi x5, x0, 0x123
	sd := encodeSType(0, 5, 8, 3, OpStore)               // sd x5, 0(x8)
	ld := encodeIType(0, 8, 3, 6, OpLoad)                 // ld x6, 0(x8)
	writeCode(t, e, 0x1000, []uint32{addi, sd, ld})

	e.Regs[8] = 0x2000
	require.NoError(t, e.MMU.SetPermissions(0x2000, mmu.PermRead|mmu.PermWrite, 8))

	st := &stats.Worker{}
	e.Step(st)
	e.Step(st)
	e.Step(st)

	require.Equal(t, NoExit, e.ExitReason)
	require.Equal(t, uint64(0x123), e.Regs[6])
	require.Equal(t, uint64(0x1000+12), e.Regs[RegPC])
	require.Greater(t, e.MMU.DirtyBlockCount(), 0)
}

// Seed test 2: taken BNE records coverage exactly once, across a reset.
func TestScenarioTakenBranchRecordsCoverageOnce(t *testing.T) {
	snapshot := newTestEmulator()
	snapshot.Regs[RegPC] = 0x1000
	bne := encodeBType(8, 0, 1, 1, OpBranch) // bne x0, x1, +8
	writeCode(t, snapshot, 0x1000, []uint32{bne})
	snapshot.Regs[1] = 1

	live := snapshot.Fork()
	st := &stats.Worker{}
	live.Step(st)

	require.True(t, live.NewCoverage)
	require.Equal(t, uint64(0x1008), live.Regs[RegPC])

	require.NoError(t, live.Reset(snapshot))
	require.False(t, live.NewCoverage)

	live.Step(st)
	require.False(t, live.NewCoverage, "re-taking an already-covered edge must not report new coverage")
}

// Seed test 3: read of uninitialized memory faults.
func TestScenarioReadUninitializedFaults(t *testing.T) {
	e := newTestEmulator()
	addr, err := e.MMU.Allocate(8)
	require.NoError(t, err)

	e.Regs[RegPC] = 0x1000
	e.Regs[10] = uint64(addr)
	lw := encodeIType(0, 10, 2, 11, OpLoad) // lw x11, 0(x10)
	writeCode(t, e, 0x1000, []uint32{lw})

	st := &stats.Worker{}
	e.Step(st)
	require.Equal(t, SegfaultRead, e.ExitReason)
	require.Equal(t, uint64(1), st.ReadFaults)
}

// Seed test 4: writing to an executable segment clears RAW/promotes READ
// and the overwritten bytes subsequently execute correctly.
func TestScenarioWriteToExecutableSegment(t *testing.T) {
	e := newTestEmulator()
	nop := encodeIType(0, 0, 0, 0, OpArithI) // addi x0, x0, 0 (nop)
	writeCode(t, e, 0x1000, []uint32{nop})

	addi := encodeIType(7, 0, 0, 5, OpArithI) // addi x5, x0, 7
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, addi)

	require.NoError(t, e.MMU.SetPermissions(0x1000, mmu.PermWrite, 4))
	require.NoError(t, e.MMU.Write(0x1000, buf))
	require.NoError(t, e.MMU.SetPermissions(0x1000, mmu.PermExec, 4))

	e.Regs[RegPC] = 0x1000
	st := &stats.Worker{}
	e.Step(st)
	require.Equal(t, NoExit, e.ExitReason)
	require.Equal(t, uint64(7), e.Regs[5])
}

// Seed test 5: brk round-trip.
func TestScenarioBrkRoundTrip(t *testing.T) {
	e := newTestEmulator()
	p := e.MMU.CurrAlloc()

	e.Regs[RegA0] = 0
	e.Regs[RegA7] = sysBrk
	st := &stats.Worker{}
	e.handleSyscall(st)
	require.Equal(t, uint64(p), e.Regs[RegA0])

	e.Regs[RegA0] = uint64(p) + 4096
	e.handleSyscall(st)
	require.Equal(t, uint64(p)+4096, e.Regs[RegA0])
	require.Equal(t, mmu.Addr(uint64(p)+4096), e.MMU.CurrAlloc())
}

// Seed test 6: dirty-block reset.
func TestScenarioDirtyBlockReset(t *testing.T) {
	snapshot := newTestEmulator()
	require.NoError(t, snapshot.MMU.SetPermissions(0, mmu.PermRead|mmu.PermWrite, 4096))

	live := snapshot.Fork()
	pattern := make([]byte, 17)
	for i := range pattern {
		pattern[i] = byte(i + 1)
	}
	require.NoError(t, live.MMU.Write(100, pattern))

	require.NoError(t, live.Reset(snapshot))
	require.Equal(t, 0, live.MMU.DirtyBlockCount())
	for i := 0; i < 4096; i++ {
		require.Equal(t, snapshot.MMU.ByteAt(mmu.Addr(i)), live.MMU.ByteAt(mmu.Addr(i)))
	}
}

func TestInvalidOpcodeLeavesPCUnchanged(t *testing.T) {
	e := newTestEmulator()
	e.Regs[RegPC] = 0x1000
	// FENCE is always InvalidOpcode, per spec.md §13's Open Question decision.
	writeCode(t, e, 0x1000, []uint32{uint32(OpFence)})

	st := &stats.Worker{}
	e.Step(st)
	require.Equal(t, InvalidOpcode, e.ExitReason)
	require.Equal(t, uint64(0x1000), e.Regs[RegPC])
	require.Equal(t, uint64(1), st.InvalidOpcodes)
}

func TestUnrecognizedOpcodeCountsInvalidOpcodeOnce(t *testing.T) {
	e := newTestEmulator()
	e.Regs[RegPC] = 0x1000
	// 0x7f is a reserved opcode (bits used to flag >32-bit instructions in
	// the real ISA); it matches none of dispatch's cases, exercising the
	// default: branch rather than any single named opcode's own fault path.
	writeCode(t, e, 0x1000, []uint32{0x7f})

	st := &stats.Worker{}
	e.Step(st)
	require.Equal(t, InvalidOpcode, e.ExitReason)
	require.Equal(t, uint64(0x1000), e.Regs[RegPC])
	require.Equal(t, uint64(1), st.InvalidOpcodes, "dispatch's default case must not double-count alongside Step's own increment")
}

func TestZeroRegisterAlwaysReadsZero(t *testing.T) {
	e := newTestEmulator()
	e.Regs[RegPC] = 0x1000
	addi := encodeIType(5, 0, 0, 0, OpArithI) // addi x0, x0, 5 -- write to x0 discarded
	writeCode(t, e, 0x1000, []uint32{addi})

	st := &stats.Worker{}
	e.Step(st)
	require.Equal(t, uint64(0), e.Regs[RegZero])
}

func TestCanonicalSRLISRAIOnly(t *testing.T) {
	e := newTestEmulator()
	e.Regs[RegPC] = 0x1000
	e.Regs[5] = 0x8000000000000000

	// srai x6, x5, 1 via funct7=32 in the I-type immediate's top bits.
	raw := encodeRType(5, 1, 6, 5, 0, OpArithI)
	raw |= (32 << 25) // set funct7=32 (SRAI) in the immediate field position
	writeCode(t, e, 0x1000, []uint32{raw})

	st := &stats.Worker{}
	e.Step(st)
	require.Equal(t, NoExit, e.ExitReason)
	require.Equal(t, uint64(0xc000000000000000), e.Regs[6])

	// A non-canonical funct7 on the same opcode/funct3 is rejected.
	bad := newTestEmulator()
	bad.Regs[RegPC] = 0x1000
	writeCode(t, bad, 0x1000, []uint32{encodeRType(5, 1, 6, 5, 16, OpArithI)})
	bad.Step(st)
	require.Equal(t, InvalidOpcode, bad.ExitReason)
}
