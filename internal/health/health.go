// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Check] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map reporting each named check with its probe duration.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness check.
const probeTimeout = 5 * time.Second

// Check is a named readiness probe. Probe returns nil when the dependency is
// usable and an error describing the failure otherwise. It must respect
// context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// checkResult is one entry in the readiness report.
type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// report is the JSON response body for both endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The check list is fixed at
// construction; the handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a [Handler] evaluating the given checks, in order, on each
// /readyz request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Healthz always returns 200. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz returns 200 only when every check passes. Each check runs under a
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]checkResult, len(h.checks))
	status := http.StatusOK

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := c.Probe(ctx)
		elapsed := time.Since(start)
		cancel()

		res := checkResult{Status: "ok", Elapsed: elapsed.Round(time.Microsecond).String()}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
		results[c.Name] = res
	}

	rep := report{Status: "ok", Checks: results}
	if status != http.StatusOK {
		rep.Status = "fail"
	}
	writeJSON(w, status, rep)
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
		fmt.Fprintln(w, `{"status":"error"}`)
	}
}
