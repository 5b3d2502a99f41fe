package health

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// Reporter produces health reports; *Service implements it.
type Reporter interface {
	Check(ctx context.Context) Report
	QuickCheck(ctx context.Context) bool
}

// Handler provides HTTP endpoint for health checks
type Handler struct {
	reporter Reporter
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(reporter Reporter, timeout time.Duration) *Handler {
	return &Handler{
		reporter: reporter,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.reporter.Check(ctx)

	// Degraded still serves 200.
	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	body, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// ReadinessHandler reports ready while the connection answers a ping
func ReadinessHandler(reporter Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if !reporter.QuickCheck(ctx) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler provides a simple liveness check
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}

// Mount registers /health, /health/ready and /health/live on mux.
func Mount(mux *http.ServeMux, reporter Reporter, timeout time.Duration) {
	mux.Handle("/health", NewHandler(reporter, timeout))
	mux.Handle("/health/ready", ReadinessHandler(reporter))
	mux.Handle("/health/live", LivenessHandler())
}
