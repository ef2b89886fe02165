// Package coverage implements the at-most-once branch-edge recorder (C2):
// see spec.md §4.2. It is the sole cross-run memory of which control-flow
// edges have ever been taken, shared read/write across every worker.
package coverage

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

// Map is a fixed-size hash table of CAS-updated coverage flags. Size must be
// a power of two; callers get this from config.Config.CoverageSize.
type Map struct {
	cells []uint32 // 0 = uncovered, 1 = covered; CAS'd as uint32 for atomic ops
	mask  uint32
}

// New builds a coverage map with the given number of cells (rounded down to
// the nearest power of two if not already one).
func New(size uint32) *Map {
	if size == 0 {
		size = 1
	}
	// Round down to a power of two.
	p := uint32(1)
	for p*2 <= size {
		p *= 2
	}
	return &Map{
		cells: make([]uint32, p),
		mask:  p - 1,
	}
}

// key packs (from, to) as two little-endian 64-bit words, matching the
// original implementation's coverage_hash_key_t layout.
func key(from, to uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], from)
	binary.LittleEndian.PutUint64(buf[8:16], to)
	return buf
}

// OnBranch hashes the edge (from, to) with MurmurHash3-32 (seed 0), reduces
// it modulo the map size, and CASes that cell from 0 to 1. It returns true
// iff this call performed the transition — i.e. this edge is newly covered.
// Safe for concurrent callers across every worker goroutine.
func (m *Map) OnBranch(from, to uint64) bool {
	h := murmur3.Sum32WithSeed(key(from, to), 0)
	idx := h & m.mask
	return atomic.CompareAndSwapUint32(&m.cells[idx], 0, 1)
}

// Len returns the number of cells in the map.
func (m *Map) Len() int { return len(m.cells) }

// CoveredCount returns how many cells are currently marked covered. Used by
// the stats reporter; not on the hot path.
func (m *Map) CoveredCount() int {
	n := 0
	for i := range m.cells {
		if atomic.LoadUint32(&m.cells[i]) != 0 {
			n++
		}
	}
	return n
}
