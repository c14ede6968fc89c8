package metrics

import (
	"math"
	"time"
)

// smallWindow is the sample count below which high percentiles report the
// window maximum instead of an index into a sparse distribution.
const smallWindow = 20

// MetricSample is one completed operation.
type MetricSample struct {
	Category       string    `json:"category"`
	DurationMillis float64   `json:"duration_ms"`
	Success        bool      `json:"success"`
	Timestamp      time.Time `json:"timestamp"`
}

// window is a fixed-capacity ring of the most recent samples of a category.
// It is not safe for concurrent use; the owning category serializes access.
type window struct {
	samples []MetricSample
	next    int
	full    bool
	errors  int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 1
	}
	return &window{samples: make([]MetricSample, size)}
}

func (w *window) add(s MetricSample) {
	if w.full && !w.samples[w.next].Success {
		w.errors--
	}
	w.samples[w.next] = s
	if !s.Success {
		w.errors++
	}
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// durations returns a copy of the retained durations in ring order.
func (w *window) durations() []float64 {
	n := w.len()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = w.samples[i].DurationMillis
	}
	return out
}

// recent returns up to n samples, newest first.
func (w *window) recent(n int) []MetricSample {
	size := w.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]MetricSample, 0, n)
	idx := w.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(w.samples) - 1
		}
		out = append(out, w.samples[idx])
	}
	return out
}

// percentile reads the sample at index floor(n*p), clamped to n-1, from a
// sorted slice. Windows under smallWindow samples answer p >= 0.9 with the
// maximum.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n < smallWindow && p >= 0.9 {
		return sorted[n-1]
	}
	idx := int(math.Floor(float64(n) * p))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
