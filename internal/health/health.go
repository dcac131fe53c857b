// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz — liveness; a process that can serve HTTP answers 200.
//   - /readyz  — readiness; 200 only while every registered [Checker]
//     passes, 503 otherwise.
//
// The response body is JSON: a top-level "status" ("ok" or "fail") and a
// "checks" map with one entry per checker, including the probe duration.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// defaultCheckTimeout bounds a single readiness probe.
const defaultCheckTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil while the dependency is
// usable and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "history").
	Name string

	Check func(ctx context.Context) error
}

// checkResult is one entry in the readiness response.
type checkResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// report is the JSON body served by both endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the health endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides the per-probe deadline.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a [Handler] evaluating the given checkers on each /readyz
// request. Probes run concurrently, each under its own deadline.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz answers the liveness probe. Always 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers the readiness probe: 200 when every checker passes, 503
// when any fails. A slow dependency fails its check at the deadline rather
// than stalling the whole probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]checkResult, len(h.checkers))
		failed bool
		wg     sync.WaitGroup
	)

	for _, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{
				Status:   "ok",
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			if err != nil {
				failed = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	rep := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		rep.Status = "fail"
		status = http.StatusServiceUnavailable
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
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
