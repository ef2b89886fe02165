// Package engine implements the per-worker Snapshot Engine (C7): pick an
// input from the corpus, mutate it, inject it into a forked guest, run to
// completion, record coverage and crashes, then reset. See spec.md §4.7.
package engine

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/mellow-hype/rvfuzz/internal/corpus"
	"github.com/mellow-hype/rvfuzz/internal/emu"
	"github.com/mellow-hype/rvfuzz/internal/errs"
	"github.com/mellow-hype/rvfuzz/internal/mmu"
	"github.com/mellow-hype/rvfuzz/internal/stats"
)

// Engine is one worker's fuzzing loop: a private emulator forked from the
// immutable snapshot, a borrowed pointer back to that snapshot for resets,
// the shared corpus, and this worker's own stats and RNG.
type Engine struct {
	id       int
	snapshot *emu.Emulator
	live     *emu.Emulator
	corpus   *corpus.Corpus
	stats    *stats.Worker

	fuzzBufAdr  uint64
	fuzzBufSize uint64
	crashesDir  string

	rng *rand.Rand
}

// New builds a worker engine: live is a fresh Fork() of snapshot, seeded
// with a worker-specific RNG so concurrent workers never share mutation
// streams.
func New(id int, snapshot *emu.Emulator, c *corpus.Corpus, fuzzBufAdr, fuzzBufSize uint64, crashesDir string) *Engine {
	return &Engine{
		id:          id,
		snapshot:    snapshot,
		live:        snapshot.Fork(),
		corpus:      c,
		stats:       &stats.Worker{},
		fuzzBufAdr:  fuzzBufAdr,
		fuzzBufSize: fuzzBufSize,
		crashesDir:  crashesDir,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// Stats returns the worker's private counters, for the reporter to merge.
func (e *Engine) Stats() *stats.Worker { return e.stats }

// RunIteration executes exactly one fuzz iteration: pick, mutate, inject,
// run, record, reset. It is the loop body callers should invoke in a tight
// loop for the lifetime of the worker.
func (e *Engine) RunIteration() error {
	if e.corpus.Len() == 0 {
		return errs.ErrEmptyCorpus
	}

	idx := e.rng.Intn(e.corpus.Len())
	input := e.corpus.Get(idx)

	effectiveLen := len(input.Data)
	if uint64(effectiveLen) > e.fuzzBufSize {
		effectiveLen = int(e.fuzzBufSize)
	}
	if effectiveLen == 0 {
		return errs.ErrZeroLenInput
	}

	private := input.Clone()
	private.Data = private.Data[:effectiveLen]

	e.mutate(private.Data)

	if err := e.inject(private.Data); err != nil {
		return fmt.Errorf("engine: worker %d: inject: %w", e.id, err)
	}

	reason := e.live.Run(e.stats, 0)
	slog.Debug("run exited", "worker", e.id, "reason", reason.String())

	if reason.IsCrash() {
		if err := e.writeCrash(reason, private.Data); err != nil {
			slog.Error("failed to write crash file", "worker", e.id, "err", err)
		}
	}

	if e.live.NewCoverage {
		if err := e.corpus.Add(private.Clone()); err != nil {
			slog.Debug("corpus full, dropping new-coverage input", "worker", e.id)
		}
	}

	if err := e.live.Reset(e.snapshot); err != nil {
		return fmt.Errorf("engine: worker %d: reset: %w", e.id, err)
	}
	e.stats.Resets++
	return nil
}

// mutate performs the "bit-flip-style" byte mutation from spec.md §4.7
// step 6: a random count of independent, uniformly random byte overwrites.
func (e *Engine) mutate(buf []byte) {
	nb := e.rng.Intn(len(buf)) + 1
	for i := 0; i < nb; i++ {
		idx := e.rng.Intn(len(buf))
		buf[idx] = byte(e.rng.Intn(256))
	}
}

// inject temporarily grants WRITE over the injection buffer, writes the
// mutated bytes (which marks the dirty blocks reset depends on), then
// restores the snapshot's original permission bytes for that range.
func (e *Engine) inject(data []byte) error {
	adr := mmu.Addr(e.fuzzBufAdr)

	savedPerms := make([]mmu.Perm, len(data))
	for i := range savedPerms {
		savedPerms[i] = e.snapshot.MMU.PermAt(adr + mmu.Addr(i))
	}

	if err := e.live.MMU.SetPermissions(adr, mmu.PermWrite, uint64(len(data))); err != nil {
		return err
	}
	if err := e.live.MMU.Write(adr, data); err != nil {
		return err
	}
	for i, p := range savedPerms {
		if err := e.live.MMU.SetPermissions(adr+mmu.Addr(i), p, 1); err != nil {
			return err
		}
	}
	return nil
}

// writeCrash persists data to a file named <reason>-<timestamp>:<nanos>.crash
// under the crashes directory, per spec.md §6 "Crash output".
func (e *Engine) writeCrash(reason emu.ExitReason, data []byte) error {
	if err := os.MkdirAll(e.crashesDir, 0o755); err != nil {
		return fmt.Errorf("engine: crashes dir: %w", err)
	}
	now := time.Now()
	name := fmt.Sprintf("%s-%s:%d.crash", reason.String(), now.Format("2006-01-02-15:04:05"), now.Nanosecond())
	path := filepath.Join(e.crashesDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("engine: write crash file: %w", err)
	}
	slog.Info("crash recorded", "worker", e.id, "reason", reason.String(), "path", path)
	return nil
}
