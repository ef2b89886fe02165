package emu

import (
	"bytes"
	"encoding/binary"

	"github.com/mellow-hype/rvfuzz/internal/mmu"
	"github.com/mellow-hype/rvfuzz/internal/stats"
	"golang.org/x/sys/unix"
)

// Syscall numbers for the small subset of Linux riscv64 syscalls the guest
// is allowed to make, per spec.md §4.6.
const (
	sysClose = 57
	sysWrite = 64
	sysFstat = 80
	sysExit  = 93
	sysBrk   = 214
)

// handleSyscall dispatches on a7 (the syscall number register), reading
// arguments from a0-a6 and writing a return value to a0 when the call
// doesn't terminate the run. Unknown syscall numbers set ExitReason to
// SyscallUnsupported rather than panicking: an unimplemented syscall is
// an expected, recordable outcome of fuzzing an arbitrary target.
func (e *Emulator) handleSyscall(st *stats.Worker) {
	switch e.Regs[RegA7] {
	case sysClose:
		e.sysClose()
	case sysWrite:
		e.sysWrite(st)
	case sysFstat:
		e.sysFstat(st)
	case sysExit:
		e.ExitReason = Graceful
	case sysBrk:
		e.sysBrk()
	default:
		e.ExitReason = SyscallUnsupported
	}
}

// sysClose accepts fd 0/1/2 and always reports success: the guest never
// actually owns file descriptors under emulation, so there is nothing to
// release. Any other fd is a fatal misuse of the shim, per spec.md §4.6.
func (e *Emulator) sysClose() {
	fd := e.Regs[RegA0]
	if fd > 2 {
		e.ExitReason = CloseBadFd
		return
	}
	e.Regs[RegA0] = 0
}

// sysWrite copies the requested length from guest memory and reports the
// full length written, without forwarding bytes to a real file descriptor.
// Targets write to stdout/stderr purely to produce output the harness can
// ignore; the bytes themselves are irrelevant to fuzzing.
func (e *Emulator) sysWrite(st *stats.Worker) {
	fd := e.Regs[RegA0]
	addr := mmu.Addr(e.Regs[RegA1])
	count := e.Regs[RegA2]

	if fd != 1 && fd != 2 {
		e.Regs[RegA0] = ^uint64(0) // -1: unknown fd, mirrors original's EBADF path.
		return
	}

	buf := make([]byte, count)
	if err := e.MMU.Read(buf, addr); err != nil {
		e.ExitReason = SegfaultRead
		st.ReadFaults++
		return
	}
	e.Regs[RegA0] = count
}

// sysFstat fills the guest's kernel_stat buffer with fixed, plausible values
// for fd 0/1/2 (character devices) and fails any other fd, per spec.md §4.6.
// The layout mirrors golang.org/x/sys/unix.Stat_t, the same struct the
// kernel ABI defines on linux/riscv64.
func (e *Emulator) sysFstat(st *stats.Worker) {
	fd := e.Regs[RegA0]
	addr := mmu.Addr(e.Regs[RegA1])

	if fd > 2 {
		e.ExitReason = FstatBadFd
		return
	}

	var sb unix.Stat_t
	sb.Dev = 0
	sb.Ino = 0
	sb.Mode = unix.S_IFCHR | 0620
	sb.Nlink = 1
	sb.Uid = 0
	sb.Gid = 5
	sb.Rdev = 0x8800 // major 136, matching a pty/tty character device.
	sb.Size = 0
	sb.Blksize = 1024
	sb.Blocks = 0

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &sb); err != nil {
		e.ExitReason = SyscallUnsupported
		return
	}
	if err := e.MMU.Write(addr, buf.Bytes()); err != nil {
		e.ExitReason = SegfaultWrite
		st.WriteFaults++
		return
	}
	e.Regs[RegA0] = 0
}

// sysBrk moves the bump allocator forward by the delta between the
// requested address and the current break, via the ordinary allocate path
// (so the new range gets the standard WRITE|RAW treatment and its dirty
// blocks are marked), and returns the new break. a0 == 0 just queries the
// current break. Shrinking the break (freeing memory) is not supported,
// matching the original implementation's brk().
func (e *Emulator) sysBrk() {
	requested := int64(e.Regs[RegA0])
	curr := int64(e.MMU.CurrAlloc())
	if requested == 0 {
		e.Regs[RegA0] = uint64(curr)
		return
	}

	delta := requested - curr
	if delta < 0 {
		e.ExitReason = SyscallUnsupported
		return
	}

	base, err := e.MMU.Allocate(uint64(delta))
	if err != nil {
		e.ExitReason = SyscallUnsupported
		return
	}
	e.Regs[RegA0] = uint64(base) + uint64(delta)
}
