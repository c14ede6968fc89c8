package scalability

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dealvault/scalecore/internal/metrics"
	"github.com/dealvault/scalecore/internal/scaling"
	"github.com/dealvault/scalecore/pkg/errors"
)

// Middleware records the latency of every request under category. Responses
// with a status below 500 count as successes.
func (m *Manager) Middleware(category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := m.clock.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				m.monitor.RecordDuration(category, m.clock.Now().Sub(start), status < http.StatusInternalServerError)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// StatusHandler serves Status as JSON.
func (m *Manager) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.writeJSON(w, http.StatusOK, m.Status(r.Context()))
	})
}

// HealthHandler answers 200 while the manager runs and is not critical, and
// 503 otherwise.
func (m *Manager) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := m.monitor.Health()
		if m.breakers.HealthCheck() != nil {
			health = health.Worse(metrics.HealthWarning)
		}

		running := m.Running()
		code := http.StatusOK
		if !running || health == metrics.HealthCritical {
			code = http.StatusServiceUnavailable
		}
		m.writeJSON(w, code, map[string]interface{}{
			"status":  health,
			"running": running,
		})
	})
}

// MetricsHandler serves the Prometheus registry.
func (m *Manager) MetricsHandler() http.Handler {
	return m.collector.Handler()
}

// Routes mounts the operational endpoints on a new router. Requests to the
// /v1 admin endpoints are themselves monitored under the "admin" category.
func (m *Manager) Routes() chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/healthz", m.HealthHandler())
	r.Method(http.MethodGet, "/status", m.StatusHandler())
	r.Method(http.MethodGet, m.metricsPath(), m.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(m.Middleware("admin"))
		r.Post("/evaluate", m.handleEvaluate)
		r.Get("/decisions", m.handleDecisions)
		r.Post("/circuits/{name}/reset", m.handleResetCircuit)
	})
	return r
}

func (m *Manager) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var load scaling.LoadMetrics
	if err := json.NewDecoder(r.Body).Decode(&load); err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}

	d, err := m.Evaluate(r.Context(), load)
	switch {
	case errors.Is(err, scaling.ErrInvalidLoad):
		m.writeError(w, http.StatusBadRequest, err)
	case err != nil:
		m.writeError(w, http.StatusBadGateway, err)
	default:
		m.writeJSON(w, http.StatusOK, d)
	}
}

func (m *Manager) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			m.writeError(w, http.StatusBadRequest, errors.Newf(errors.ErrCodeInvalidConfig, "invalid limit %q", raw))
			return
		}
		limit = n
	}
	m.writeJSON(w, http.StatusOK, m.scaler.History(limit))
}

func (m *Manager) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !m.breakers.Reset(name) {
		m.writeError(w, http.StatusNotFound, errors.Newf(errors.ErrCodeOperationFailed, "unknown circuit %q", name))
		return
	}
	m.logger.Info("circuit reset", zap.String("dependency", name))
	m.writeJSON(w, http.StatusOK, m.breakers.Breaker(name).Stats())
}

func (m *Manager) metricsPath() string {
	if p := m.config.Metrics.Path; p != "" {
		return p
	}
	return "/metrics"
}

func (m *Manager) writeError(w http.ResponseWriter, code int, err error) {
	m.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (m *Manager) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Debug("failed to write response", zap.Error(err))
	}
}
