package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTickSumsAllWorkers(t *testing.T) {
	agg := NewAggregate()
	w1 := &Worker{ExecutedInstructions: 100, Resets: 2}
	w2 := &Worker{ExecutedInstructions: 50, Resets: 1}

	total, _ := agg.Tick([]*Worker{w1, w2})
	require.Equal(t, uint64(150), total.ExecutedInstructions)
	require.Equal(t, uint64(3), total.Resets)
}

func TestTickDoesNotDoubleCountAcrossCalls(t *testing.T) {
	agg := NewAggregate()
	w := &Worker{ExecutedInstructions: 10}

	first, _ := agg.Tick([]*Worker{w})
	require.Equal(t, uint64(10), first.ExecutedInstructions)

	// Worker counters are monotonic; a second tick with no progress must
	// report the same total, not double it.
	second, _ := agg.Tick([]*Worker{w})
	require.Equal(t, uint64(10), second.ExecutedInstructions)
}

func TestTickComputesRates(t *testing.T) {
	agg := NewAggregate()
	w := &Worker{ExecutedInstructions: 0}
	agg.Tick([]*Worker{w})

	time.Sleep(10 * time.Millisecond)
	w.ExecutedInstructions = 1000
	_, rates := agg.Tick([]*Worker{w})
	require.Greater(t, rates.InstPerSec, 0.0)
}
