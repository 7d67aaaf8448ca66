// Package health serves the gateway's probe endpoints.
//
// /healthz is the liveness probe and answers 200 while the process can
// serve HTTP at all. /readyz is the readiness probe: it runs every
// registered dependency check (backend providers, the memory store) and
// answers 200 only when all of them pass, listing each outcome so an
// operator can see which dependency holds readiness back.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one readiness probe.
const checkTimeout = 5 * time.Second

// Checker probes a single gateway dependency. Check returns nil when the
// dependency can serve traffic; the error message is surfaced verbatim in
// the /readyz response.
type Checker struct {
	// Name keys the check in the JSON response ("postgres",
	// "backend:openai").
	Name string

	// Check probes the dependency. It must respect ctx cancellation.
	Check func(ctx context.Context) error
}

// probeResult is the JSON body of both probe endpoints.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// set is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given dependency checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Healthz always answers 200; a process that reached this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz probes all checkers concurrently, each under its own timeout, and
// answers 503 when any dependency fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	failures := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			failures[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := probeResult{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if err := failures[i]; err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}
	writeJSON(w, status, res)
}

// Register mounts the probe routes on mux.
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
