package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports whether a dependency can serve traffic.
type ReadinessChecker interface {
	CheckReady(ctx context.Context) error
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) error

func (f ReadinessFunc) CheckReady(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	checks      map[string]ReadinessChecker
	promHandler http.Handler
	started     time.Time
}

// NewHealthHandler takes named readiness checks; nil checkers are skipped.
func NewHealthHandler(checks map[string]ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		checks:      checks,
		promHandler: promhttp.Handler(),
		started:     time.Now(),
	}
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Service   string                 `json:"service"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
}

func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   "receiptsd",
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Ready answers 503 when any check fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   "receiptsd",
		Checks:    make(map[string]checkResult, len(h.checks)),
	}
	status := http.StatusOK
	for name, c := range h.checks {
		if c == nil {
			continue
		}
		if err := c.CheckReady(ctx); err != nil {
			resp.Checks[name] = checkResult{Status: "fail", Message: err.Error()}
			resp.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = checkResult{Status: "ok"}
	}
	writeJSON(w, status, resp)
}

func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.promHandler.ServeHTTP(w, r)
}
