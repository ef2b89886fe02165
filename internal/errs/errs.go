// Package errs holds the sentinel errors shared across the guest memory,
// corpus, and snapshot engine packages.
package errs

import "errors"

var (
	// ErrOutOfRange is returned when an MMU read or write falls outside the
	// guest address space.
	ErrOutOfRange = errors.New("mmu: address range out of bounds")

	// ErrNoPerm is returned when a read or write touches a byte lacking the
	// required permission bit.
	ErrNoPerm = errors.New("mmu: permission denied")

	// ErrMemFull is returned by allocate when the bump pointer has already
	// reached the end of the guest address space.
	ErrMemFull = errors.New("mmu: guest memory exhausted")

	// ErrWouldOverrun is returned by allocate when the aligned allocation
	// size would push the bump pointer past the end of guest memory.
	ErrWouldOverrun = errors.New("mmu: allocation would overrun guest memory")

	// ErrEmptyCorpus is a fatal engine invariant: a worker cannot fuzz from
	// an empty corpus.
	ErrEmptyCorpus = errors.New("engine: corpus is empty")

	// ErrZeroLenInput is a fatal engine invariant: the effective length of
	// the chosen input (after clamping to the fuzz buffer) was zero.
	ErrZeroLenInput = errors.New("engine: effective input length is zero")

	// ErrCorpusFull is returned when Corpus.Add is called at capacity.
	ErrCorpusFull = errors.New("corpus: capacity exhausted")
)
