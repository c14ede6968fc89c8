package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()

	collector, err := NewCollector(&Config{
		Enabled:   true,
		Namespace: "test",
		Labels:    map[string]string{"service": "scalecore"},
	})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return collector
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		collector := newTestCollector(t)
		if collector.Registry() == nil {
			t.Error("collector registry is nil")
		}
		if !collector.Enabled() {
			t.Error("collector should be enabled")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Namespace != "scalecore" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "scalecore")
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.Registry() != nil {
			t.Error("disabled collector should not have registry")
		}
		// every recorder is a no-op
		collector.ObserveSample("api", 10, true)
		collector.RecordRejection("db", "open")
		collector.SetInstances(1, 1, 2)
	})

	t.Run("with runtime metrics", func(t *testing.T) {
		_, err := NewCollector(&Config{Enabled: true, Namespace: "rt", RuntimeMetrics: true})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
	})
}

func TestCollector_NilReceiver(t *testing.T) {
	t.Parallel()

	var collector *Collector
	collector.ObserveSample("api", 1, true)
	collector.RecordScaleAction("scale_up")
	if collector.Enabled() {
		t.Error("nil collector reports enabled")
	}
}

func TestCollector_ObserveSample(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.ObserveSample("api", 90, true)
	collector.ObserveSample("api", 400, false)
	collector.ObserveSample("api", 80, true)

	if got := testutil.ToFloat64(collector.requestCounter.WithLabelValues("api", "success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.requestCounter.WithLabelValues("api", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(collector.requestDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestCollector_ForgetCategory(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.ObserveSample("tenant-a", 1, true)
	collector.ObserveSample("tenant-a", 1, false)
	collector.ObserveSample("tenant-b", 1, true)
	collector.SetCategoryHealth("tenant-a", 1)

	collector.ForgetCategory("tenant-a")

	if got := testutil.CollectAndCount(collector.requestCounter); got != 1 {
		t.Errorf("counter series after forget = %d, want 1", got)
	}
	if got := testutil.CollectAndCount(collector.categoryHealth); got != 0 {
		t.Errorf("health series after forget = %d, want 0", got)
	}
	if got := testutil.ToFloat64(collector.evictions); got != 1 {
		t.Errorf("evictions = %v, want 1", got)
	}
}

func TestCollector_CircuitAndScaling(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.RecordStateChange("payments", "closed", "open", 1)
	collector.RecordRejection("payments", "open")
	collector.RecordRejection("payments", "open")
	collector.SetInstances(4, 2, 10)
	collector.RecordScaleAction("scale_up")

	if got := testutil.ToFloat64(collector.circuitState.WithLabelValues("payments")); got != 1 {
		t.Errorf("circuit state = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.circuitRejections.WithLabelValues("payments", "open")); got != 2 {
		t.Errorf("rejections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.instances); got != 4 {
		t.Errorf("instances = %v, want 4", got)
	}
	if got := testutil.ToFloat64(collector.instanceBounds.WithLabelValues("max")); got != 10 {
		t.Errorf("max bound = %v, want 10", got)
	}
	if got := testutil.ToFloat64(collector.scaleActions.WithLabelValues("scale_up")); got != 1 {
		t.Errorf("scale actions = %v, want 1", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	collector.ObserveSample("api", 12, true)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `test_operations_total{category="api",service="scalecore",status="success"} 1`) {
		t.Errorf("exposition missing operations counter:\n%s", body)
	}

	disabled, _ := NewCollector(&Config{Enabled: false})
	rec = httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestMonitor_FeedsCollector(t *testing.T) {
	t.Parallel()

	collector := newTestCollector(t)
	m := NewMonitor(MonitorConfig{
		DefaultBudget: Budget{CriticalErrorRate: 0.5},
	}, nil, collector)

	m.Record("checkout", 5, false)
	m.Record("checkout", 5, false)
	_ = m.Snapshot()

	if got := testutil.ToFloat64(collector.requestCounter.WithLabelValues("checkout", "error")); got != 2 {
		t.Errorf("error count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.categoryHealth.WithLabelValues("checkout")); got != 2 {
		t.Errorf("health gauge = %v, want 2 (critical)", got)
	}
}
