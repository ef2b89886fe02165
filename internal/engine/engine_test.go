package engine

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mellow-hype/rvfuzz/internal/corpus"
	"github.com/mellow-hype/rvfuzz/internal/coverage"
	"github.com/mellow-hype/rvfuzz/internal/emu"
	"github.com/mellow-hype/rvfuzz/internal/errs"
	"github.com/mellow-hype/rvfuzz/internal/mmu"
)

func encodeIType(imm int32, rs1, funct3, rd uint32, opcode uint32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

const (
	opArithI = 0x13
	opEnv    = 0x73
)

func writeInstr(t *testing.T, e *emu.Emulator, addr uint64, words []uint32) {
	t.Helper()
	require.NoError(t, e.MMU.SetPermissions(mmu.Addr(addr), mmu.PermWrite, uint64(len(words))*4))
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	require.NoError(t, e.MMU.Write(mmu.Addr(addr), buf))
	require.NoError(t, e.MMU.SetPermissions(mmu.Addr(addr), mmu.PermExec, uint64(len(words))*4))
}

// gracefulExitSnapshot builds a snapshot whose entire program is
// `addi a7, x0, 93; ecall` (sys_exit), so every run exits Graceful
// regardless of injected bytes.
func gracefulExitSnapshot(t *testing.T) *emu.Emulator {
	t.Helper()
	e := emu.New(1<<16, 1<<12, coverage.New(64))
	e.Regs[emu.RegPC] = 0x1000
	addiA7 := encodeIType(93, 0, 0, 17, opArithI) // addi a7, x0, 93
	ecall := encodeIType(0, 0, 0, 0, opEnv)
	writeInstr(t, e, 0x1000, []uint32{addiA7, ecall})
	require.NoError(t, e.MMU.SetPermissions(0x3000, mmu.PermRead|mmu.PermWrite, 64))
	return e
}

// crashingSnapshot builds a snapshot whose program is a single ebreak,
// which always exits InvalidOpcode.
func crashingSnapshot(t *testing.T) *emu.Emulator {
	t.Helper()
	e := emu.New(1<<16, 1<<12, coverage.New(64))
	e.Regs[emu.RegPC] = 0x1000
	ebreak := encodeIType(1, 0, 0, 0, opEnv)
	writeInstr(t, e, 0x1000, []uint32{ebreak})
	require.NoError(t, e.MMU.SetPermissions(0x3000, mmu.PermRead|mmu.PermWrite, 64))
	return e
}

func seededCorpus(t *testing.T) *corpus.Corpus {
	t.Helper()
	c := corpus.New(100, 64)
	require.NoError(t, c.Add(&corpus.Input{Data: []byte{1, 2, 3, 4}}))
	return c
}

func TestRunIterationEmptyCorpus(t *testing.T) {
	snapshot := gracefulExitSnapshot(t)
	c := corpus.New(10, 64)
	eng := New(0, snapshot, c, 0x3000, 16, t.TempDir())
	err := eng.RunIteration()
	require.ErrorIs(t, err, errs.ErrEmptyCorpus)
}

func TestRunIterationResetsAndAdvancesStats(t *testing.T) {
	snapshot := gracefulExitSnapshot(t)
	c := seededCorpus(t)
	eng := New(0, snapshot, c, 0x3000, 16, t.TempDir())

	require.NoError(t, eng.RunIteration())
	require.Equal(t, uint64(1), eng.Stats().Resets)
	require.Equal(t, uint64(1), eng.Stats().GracefulExits)
	require.Greater(t, eng.Stats().ExecutedInstructions, uint64(0))
}

func TestRunIterationWritesCrashFile(t *testing.T) {
	snapshot := crashingSnapshot(t)
	c := seededCorpus(t)
	crashDir := t.TempDir()
	eng := New(0, snapshot, c, 0x3000, 16, crashDir)

	require.NoError(t, eng.RunIteration())

	entries, err := os.ReadDir(crashDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Name(), "invalid-opcode")
}

func TestInjectRestoresOriginalPermissions(t *testing.T) {
	snapshot := gracefulExitSnapshot(t)
	c := seededCorpus(t)
	eng := New(0, snapshot, c, 0x3000, 4, t.TempDir())

	require.NoError(t, eng.inject([]byte{0xde, 0xad, 0xbe, 0xef}))

	buf := make([]byte, 4)
	require.NoError(t, eng.live.MMU.Read(buf, 0x3000))
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, buf)
	require.Equal(t, mmu.PermRead|mmu.PermWrite, eng.live.MMU.PermAt(0x3000))
}
