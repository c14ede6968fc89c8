package metrics

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	t.Parallel()

	hundred := make([]float64, 100)
	for i := range hundred {
		hundred[i] = float64(i + 1)
	}

	tests := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 0.5, 0},
		{"single sample", []float64{7}, 0.5, 7},
		{"small window p50 uses index", []float64{1, 2, 3, 4, 5}, 0.5, 3},
		{"small window p95 falls back to max", []float64{1, 2, 3, 4, 5}, 0.95, 5},
		{"small window p99 falls back to max", []float64{1, 2, 3, 4, 5}, 0.99, 5},
		{"p50 of 100", hundred, 0.50, 51},
		{"p95 of 100", hundred, 0.95, 96},
		{"p99 of 100", hundred, 0.99, 100},
		{"p100 clamps", hundred, 1.0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, percentile(tt.sorted, tt.p))
		})
	}
}

func TestPercentile_Monotonic(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 500; run++ {
		n := 1 + rng.Intn(300)
		values := make([]float64, n)
		for i := range values {
			values[i] = rng.ExpFloat64() * 100
		}
		sort.Float64s(values)

		p50 := percentile(values, 0.50)
		p95 := percentile(values, 0.95)
		p99 := percentile(values, 0.99)
		require.LessOrEqual(t, p50, p95, "n=%d", n)
		require.LessOrEqual(t, p95, p99, "n=%d", n)
	}
}

func TestWindow_Ring(t *testing.T) {
	t.Parallel()

	w := newWindow(3)
	now := time.Now()
	w.add(MetricSample{DurationMillis: 10, Success: false, Timestamp: now})
	w.add(MetricSample{DurationMillis: 20, Success: true, Timestamp: now})
	assert.Equal(t, 2, w.len())
	assert.Equal(t, 1, w.errors)

	w.add(MetricSample{DurationMillis: 30, Success: true, Timestamp: now})
	w.add(MetricSample{DurationMillis: 40, Success: true, Timestamp: now})

	assert.Equal(t, 3, w.len())
	assert.Equal(t, 0, w.errors, "the overwritten failure leaves the window")
	assert.ElementsMatch(t, []float64{20, 30, 40}, w.durations())

	recent := w.recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, 40.0, recent[0].DurationMillis)
	assert.Equal(t, 30.0, recent[1].DurationMillis)
	assert.Len(t, w.recent(0), 3)
}
