// Package mmu implements the guest memory subsystem: a flat, byte-permissioned
// address space with dirty-block tracking for sub-millisecond snapshot
// restore. It is the C1 component of the spec: see spec.md §4.1.
package mmu

import (
	"fmt"

	"github.com/mellow-hype/rvfuzz/internal/errs"
)

// Perm is a bitmask of permission flags for a single guest byte.
type Perm uint8

const (
	PermExec Perm = 1 << iota
	PermWrite
	PermRead
	// PermRAW marks a byte as allocated but not yet written; reading it is
	// a fault (detects reads of uninitialized guest memory).
	PermRAW
)

// Addr is a guest virtual address.
type Addr uint64

// DirtyBlockSize is the granularity at which modified memory is tracked for
// reset, per spec.md §3.
const DirtyBlockSize = 64

// MMU is one guest's address space: memory, per-byte permissions, and the
// bookkeeping needed to reset cheaply to a snapshot.
type MMU struct {
	memory      []byte
	permissions []Perm

	// dirtyBlocks is the ordered, duplicate-free sequence of block indices
	// dirtied since the last reset.
	dirtyBlocks []uint32
	// dirtyBitmap is one bit per block, packed 64 per word, mirroring
	// dirtyBlocks for O(1) membership tests.
	dirtyBitmap []uint64

	// currAlloc is the bump-allocator pointer.
	currAlloc Addr
}

// New allocates a zeroed guest address space of the given size. The bump
// pointer starts at zero; callers (the ELF loader, then the stack builder)
// advance it as they lay out the guest.
func New(size uint64) *MMU {
	nblocks := size/DirtyBlockSize + 1
	return &MMU{
		memory:      make([]byte, size),
		permissions: make([]Perm, size),
		dirtyBlocks: make([]uint32, 0, nblocks),
		dirtyBitmap: make([]uint64, nblocks/64+1),
	}
}

// Size returns the total size of the guest address space in bytes.
func (m *MMU) Size() uint64 { return uint64(len(m.memory)) }

// CurrAlloc returns the current bump-allocator pointer (used by brk(2)).
func (m *MMU) CurrAlloc() Addr { return m.currAlloc }

// SetCurrAlloc forcibly moves the bump pointer. Only the ELF loader and
// stack builder should call this directly; regular allocation goes through
// Allocate.
func (m *MMU) SetCurrAlloc(a Addr) { m.currAlloc = a }

// Fork returns a deep copy of the MMU: memory, permissions and the bump
// pointer, but with an empty dirty set (a fresh clone has nothing to reset).
func (m *MMU) Fork() *MMU {
	clone := New(uint64(len(m.memory)))
	copy(clone.memory, m.memory)
	copy(clone.permissions, m.permissions)
	clone.currAlloc = m.currAlloc
	return clone
}

// blockOf returns the dirty-block index containing byte address a.
func blockOf(a Addr) uint32 { return uint32(uint64(a) / DirtyBlockSize) }

// markDirty records block as dirty if it is not already, in O(1).
func (m *MMU) markDirty(block uint32) {
	idx, bit := block/64, block%64
	if int(idx) >= len(m.dirtyBitmap) {
		// Guest grew underneath us (should not happen post-construction);
		// grow defensively rather than panic on a hot path.
		grown := make([]uint64, idx+1)
		copy(grown, m.dirtyBitmap)
		m.dirtyBitmap = grown
	}
	mask := uint64(1) << bit
	if m.dirtyBitmap[idx]&mask != 0 {
		return
	}
	m.dirtyBitmap[idx] |= mask
	m.dirtyBlocks = append(m.dirtyBlocks, block)
}

// markDirtyRange marks every block overlapping [addr, addr+n) dirty,
// endpoints inclusive.
func (m *MMU) markDirtyRange(addr Addr, n uint64) {
	if n == 0 {
		return
	}
	start := blockOf(addr)
	end := blockOf(addr + Addr(n) - 1)
	for b := start; b <= end; b++ {
		m.markDirty(b)
	}
}

// Allocate bumps the allocator by size rounded up to 16 bytes, marking the
// new range WRITE|RAW (unreadable until written). It does not zero memory:
// guest memory starts zeroed and reset restores it to the snapshot's bytes.
func (m *MMU) Allocate(size uint64) (Addr, error) {
	alignedSize := (size + 0xf) &^ 0xf
	base := m.currAlloc

	if uint64(base) >= uint64(len(m.memory)) {
		return 0, errs.ErrMemFull
	}
	if uint64(base)+alignedSize > uint64(len(m.memory)) {
		return 0, errs.ErrWouldOverrun
	}

	m.currAlloc += Addr(alignedSize)
	if err := m.SetPermissions(base, PermRAW|PermWrite, size); err != nil {
		return 0, err
	}
	return base, nil
}

// SetPermissions overwrites the permission byte for every address in
// [addr, addr+size) to perm.
func (m *MMU) SetPermissions(addr Addr, perm Perm, size uint64) error {
	if uint64(addr)+size > uint64(len(m.memory)) {
		return fmt.Errorf("set_permissions [%#x, %#x): %w", addr, uint64(addr)+size, errs.ErrOutOfRange)
	}
	for i := uint64(0); i < size; i++ {
		m.permissions[uint64(addr)+i] = perm
	}
	return nil
}

// Write copies src into guest memory at addr, enforcing WRITE permission on
// every destination byte, marking dirty blocks, and clearing RAW (promoting
// to READ) on any byte that had it set.
func (m *MMU) Write(addr Addr, src []byte) error {
	n := uint64(len(src))
	if uint64(addr)+n > uint64(len(m.memory)) {
		return fmt.Errorf("write [%#x, %#x): %w", addr, uint64(addr)+n, errs.ErrOutOfRange)
	}

	hasRAW := false
	for i := uint64(0); i < n; i++ {
		p := m.permissions[uint64(addr)+i]
		if p&PermRAW != 0 {
			hasRAW = true
		}
		if p&PermWrite == 0 {
			return fmt.Errorf("write at %#x: %w", uint64(addr)+i, errs.ErrNoPerm)
		}
	}

	copy(m.memory[uint64(addr):uint64(addr)+n], src)
	m.markDirtyRange(addr, n)

	if hasRAW {
		for i := uint64(0); i < n; i++ {
			p := &m.permissions[uint64(addr)+i]
			if *p&PermRAW != 0 {
				*p = (*p &^ PermRAW) | PermRead
			}
		}
	}
	return nil
}

// Read copies len(dst) bytes from addr into dst, enforcing READ permission
// on every source byte. It never alters permissions or dirty state.
func (m *MMU) Read(dst []byte, addr Addr) error {
	return m.readWithPerm(dst, addr, PermRead)
}

// readWithPerm is Read generalized over the required permission bit, so the
// interpreter's fetch stage (ReadExec) can read EXEC-only ranges without
// needing READ set (mirrors the teacher's read_into_perms).
func (m *MMU) readWithPerm(dst []byte, addr Addr, want Perm) error {
	n := uint64(len(dst))
	if uint64(addr)+n > uint64(len(m.memory)) {
		return fmt.Errorf("read [%#x, %#x): %w", addr, uint64(addr)+n, errs.ErrOutOfRange)
	}
	for i := uint64(0); i < n; i++ {
		if m.permissions[uint64(addr)+i]&want == 0 {
			return fmt.Errorf("read at %#x: %w", uint64(addr)+i, errs.ErrNoPerm)
		}
	}
	copy(dst, m.memory[uint64(addr):uint64(addr)+n])
	return nil
}

// ReadExec fetches n bytes requiring only PermExec, used by the interpreter
// fetch stage (memory loaded by the ELF loader as X need not also be
// readable by the guest's own load instructions to be fetched as code).
func (m *MMU) ReadExec(dst []byte, addr Addr) error {
	return m.readWithPerm(dst, addr, PermExec)
}

// Search linearly scans memory at the given width (1, 2, 4 or 8 bytes,
// little-endian) for needle, returning every matching address. Debug-only,
// per spec.md §4.1.
func (m *MMU) Search(needle uint64, width int) []Addr {
	var pat []byte
	switch width {
	case 1:
		pat = []byte{byte(needle)}
	case 2:
		pat = []byte{byte(needle), byte(needle >> 8)}
	case 4:
		pat = []byte{byte(needle), byte(needle >> 8), byte(needle >> 16), byte(needle >> 24)}
	case 8:
		pat = []byte{
			byte(needle), byte(needle >> 8), byte(needle >> 16), byte(needle >> 24),
			byte(needle >> 32), byte(needle >> 40), byte(needle >> 48), byte(needle >> 56),
		}
	default:
		return nil
	}

	var hits []Addr
	for i := 0; i+len(pat) <= len(m.memory); i++ {
		match := true
		for j, b := range pat {
			if m.memory[i+j] != b {
				match = false
				break
			}
		}
		if match {
			hits = append(hits, Addr(i))
		}
	}
	return hits
}

// Reset restores every dirtied block from src, then clears the dirty set
// and restores the bump pointer. Only blocks dirtied since the last reset
// are touched, so cost is proportional to the working set, not guest size.
func (m *MMU) Reset(src *MMU) error {
	if len(m.memory) != len(src.memory) {
		return fmt.Errorf("mmu: reset: size mismatch (dst %d, src %d)", len(m.memory), len(src.memory))
	}
	for _, block := range m.dirtyBlocks {
		start := uint64(block) * DirtyBlockSize
		end := start + DirtyBlockSize
		if end > uint64(len(m.memory)) {
			end = uint64(len(m.memory))
		}
		copy(m.memory[start:end], src.memory[start:end])
		copy(m.permissions[start:end], src.permissions[start:end])
		m.dirtyBitmap[block/64] = 0
	}
	m.dirtyBlocks = m.dirtyBlocks[:0]
	m.currAlloc = src.currAlloc
	return nil
}

// DirtyBlockCount reports how many blocks are currently dirty (for stats /
// tests; not in the hot path).
func (m *MMU) DirtyBlockCount() int { return len(m.dirtyBlocks) }

// PermAt returns the permission byte at addr, for tests and debug tooling.
func (m *MMU) PermAt(addr Addr) Perm { return m.permissions[addr] }

// ByteAt returns the raw memory byte at addr, for tests and debug tooling.
func (m *MMU) ByteAt(addr Addr) byte { return m.memory[addr] }
