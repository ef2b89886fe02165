// Package stats implements the per-worker counters and the periodic
// global aggregate (C4): see spec.md §4.4.
package stats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Worker holds one worker's lock-free counters. Only the owning goroutine
// ever writes these; the reporter only reads them (with relaxed semantics —
// a torn read of a counter during a reporting tick is acceptable, it will
// simply be folded in on the next tick).
type Worker struct {
	ExecutedInstructions uint64
	Resets               uint64
	GracefulExits        uint64
	UnsupportedSyscalls  uint64
	BadFstatFds          uint64
	BadCloseFds          uint64
	ReadFaults           uint64
	WriteFaults          uint64
	InvalidOpcodes       uint64
	Timeouts             uint64
}

// Snapshot is an immutable copy of a Worker's counters, safe to pass around
// and diff across ticks.
type Snapshot struct {
	ExecutedInstructions uint64
	Resets               uint64
	GracefulExits        uint64
	UnsupportedSyscalls  uint64
	BadFstatFds          uint64
	BadCloseFds          uint64
	ReadFaults           uint64
	WriteFaults          uint64
	InvalidOpcodes       uint64
	Timeouts             uint64
}

func (w *Worker) snapshot() Snapshot {
	return Snapshot{
		ExecutedInstructions: w.ExecutedInstructions,
		Resets:               w.Resets,
		GracefulExits:        w.GracefulExits,
		UnsupportedSyscalls:  w.UnsupportedSyscalls,
		BadFstatFds:          w.BadFstatFds,
		BadCloseFds:          w.BadCloseFds,
		ReadFaults:           w.ReadFaults,
		WriteFaults:          w.WriteFaults,
		InvalidOpcodes:       w.InvalidOpcodes,
		Timeouts:             w.Timeouts,
	}
}

func (s *Snapshot) add(o Snapshot) {
	s.ExecutedInstructions += o.ExecutedInstructions
	s.Resets += o.Resets
	s.GracefulExits += o.GracefulExits
	s.UnsupportedSyscalls += o.UnsupportedSyscalls
	s.BadFstatFds += o.BadFstatFds
	s.BadCloseFds += o.BadCloseFds
	s.ReadFaults += o.ReadFaults
	s.WriteFaults += o.WriteFaults
	s.InvalidOpcodes += o.InvalidOpcodes
	s.Timeouts += o.Timeouts
}

// Aggregate is the mutex-protected, process-wide total folded from every
// worker once per reporting tick. Worker counters are monotonically
// increasing for the worker's whole lifetime, so each tick recomputes the
// total from scratch rather than accumulating deltas — summing twice is
// the failure mode an add-in-place Merge would invite.
type Aggregate struct {
	mu    sync.Mutex
	total Snapshot
	prev  Snapshot
	last  time.Time
}

// NewAggregate builds an empty global aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{last: time.Time{}}
}

// merge folds worker's current counters into the aggregate's running total
// for this tick.
func (a *Aggregate) merge(w *Worker) {
	a.total.add(w.snapshot())
}

// Rates is the two derived rate fields from spec.md §3.
type Rates struct {
	InstPerSec   float64
	ResetsPerSec float64
}

// Tick recomputes the total from every worker's current snapshot, derives
// the rates since the previous Tick call, and returns both. The first call
// has no previous tick and reports zero rates.
func (a *Aggregate) Tick(workers []*Worker) (Snapshot, Rates) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total = Snapshot{}
	for _, w := range workers {
		a.merge(w)
	}

	now := time.Now()
	var rates Rates
	if !a.last.IsZero() {
		dt := now.Sub(a.last).Seconds()
		if dt > 0 {
			rates.InstPerSec = float64(a.total.ExecutedInstructions-a.prev.ExecutedInstructions) / dt
			rates.ResetsPerSec = float64(a.total.Resets-a.prev.Resets) / dt
		}
	}
	a.prev = a.total
	a.last = now
	return a.total, rates
}

// Reporter periodically merges every worker's stats into the aggregate and
// logs a one-line summary, matching spec.md §7's "User-visible behavior".
type Reporter struct {
	aggregate *Aggregate
	workers   []*Worker
	interval  time.Duration
	logger    *slog.Logger
}

// NewReporter builds a reporter that will merge the given workers' stats
// into agg every interval.
func NewReporter(agg *Aggregate, workers []*Worker, interval time.Duration, logger *slog.Logger) *Reporter {
	return &Reporter{aggregate: agg, workers: workers, interval: interval, logger: logger}
}

// Run blocks, ticking until stop is closed.
func (r *Reporter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reporter) tick() {
	total, rates := r.aggregate.Tick(r.workers)
	line := fmt.Sprintf(
		"exec insts: %d | syscall-unsupported: %d | fstat-bad: %d | close-bad: %d | graceful: %d | unknown: %d | resets: %d | inst/sec: %.1f | resets/sec: %.1f",
		total.ExecutedInstructions, total.UnsupportedSyscalls, total.BadFstatFds, total.BadCloseFds, total.GracefulExits,
		total.InvalidOpcodes, total.Resets, rates.InstPerSec, rates.ResetsPerSec,
	)
	if r.logger != nil {
		r.logger.Info(line)
	} else {
		fmt.Println(line)
	}
}
