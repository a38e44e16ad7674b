// Package health provides the call server's liveness and readiness probes.
//
//   - /healthz — liveness; always 200 for a process that can serve HTTP.
//   - /readyz  — readiness; 503 only when a critical dependency is down.
//
// Readiness distinguishes critical dependencies from degrading ones. The
// datastore is critical: without it webhooks cannot be resolved to calls and
// no state can be served. The carrier control API is not: webhooks must keep
// flowing so in-flight calls can still be finalized, and taking the instance
// out of rotation would not bring the carrier back. A failing non-critical
// check is reported as "degraded" with a 200.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe.
type Checker struct {
	// Name keys the check in the JSON response (e.g. "database", "carrier").
	Name string

	// Critical marks checks whose failure makes the server unable to do its
	// job. Only critical failures return 503.
	Critical bool

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for both probes.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

const (
	statusOK          = "ok"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
)

// Handler serves the probe endpoints. The checker list is fixed at
// construction time; the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: statusOK})
}

// Readyz evaluates every checker. A critical failure yields 503 and status
// "unavailable"; failures of non-critical checks yield 200 with status
// "degraded" so operators see them without the instance leaving rotation.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	status := statusOK
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err == nil {
			checks[c.Name] = statusOK
			continue
		}
		checks[c.Name] = "fail: " + err.Error()
		if c.Critical {
			status = statusUnavailable
			code = http.StatusServiceUnavailable
		} else if status == statusOK {
			status = statusDegraded
		}
	}

	writeJSON(w, code, result{Status: status, Checks: checks})
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
