// Package corpus implements the shared, thread-safe growing set of fuzzer
// inputs plus the shared coverage map (C3): see spec.md §4.3.
package corpus

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/mellow-hype/rvfuzz/internal/coverage"
	"github.com/mellow-hype/rvfuzz/internal/errs"
)

// Input is an owned byte-string living in the corpus.
type Input struct {
	Data []byte
}

// Clone returns a private, independently-mutable copy of the input, used by
// the engine so it can mutate without disturbing the shared corpus entry
// and still write the exact mutated bytes to disk on a crash.
func (i *Input) Clone() *Input {
	c := make([]byte, len(i.Data))
	copy(c, i.Data)
	return &Input{Data: c}
}

// Corpus is the shared, append-only set of inputs plus the shared coverage
// map. Len is lock-free (backed by an atomic counter); Get still takes mu,
// since reading the inputs slice header concurrently with Add's append
// would otherwise race even though individual *Input entries never move.
type Corpus struct {
	mu       sync.Mutex
	inputs   []*Input
	len      atomic.Int64
	Coverage *coverage.Map
	cap      int
}

// New builds an empty corpus bounded at capacity entries, backed by a
// coverage map with the given number of cells.
func New(capacity int, coverageSize uint32) *Corpus {
	return &Corpus{
		Coverage: coverage.New(coverageSize),
		cap:      capacity,
	}
}

// Add appends input to the corpus under the mutex. Returns ErrCorpusFull if
// already at capacity.
func (c *Corpus) Add(input *Input) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inputs) >= c.cap {
		return errs.ErrCorpusFull
	}
	c.inputs = append(c.inputs, input)
	c.len.Store(int64(len(c.inputs)))
	return nil
}

// Len returns the current number of entries without taking the lock.
func (c *Corpus) Len() int {
	return int(c.len.Load())
}

// Get returns the entry at index i, taking mu for the duration of the read
// so it never observes a torn slice header mid-append.
func (c *Corpus) Get(i int) *Input {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs[i]
}

// LoadDir recursively walks dir, ingesting every file as an input. Matches
// spec.md §6's "Corpus on disk" contract.
func LoadDir(c *Corpus, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("corpus: load %s: %w", path, err)
		}
		if err := c.Add(&Input{Data: data}); err != nil {
			return fmt.Errorf("corpus: load %s: %w", path, err)
		}
		slog.Debug("loaded corpus input", "path", path, "bytes", len(data))
		return nil
	})
}
