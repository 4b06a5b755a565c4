// Package health serves the liveness and readiness probes of a roomscribe
// server.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Check] concurrently and answers with one of four states:
//
//   - "ok": every check passed.
//   - "degraded": only advisory checks failed; still 200.
//   - "fail": a critical check failed; 503.
//   - "draining": the server is shutting down; 503 without running checks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/roomscribe/internal/resilience"
)

// probeTimeout bounds a single check.
const probeTimeout = 5 * time.Second

// Readiness states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Check is one named readiness probe. Probe returns nil when healthy and must
// respect ctx.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error

	// Advisory checks are reported but never make the server unready.
	Advisory bool
}

// CheckResult is the per-check part of a /readyz response.
type CheckResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. Checks may be added while serving.
type Handler struct {
	started  time.Time
	draining atomic.Bool

	mu     sync.RWMutex
	checks []Check
}

// New returns a Handler running checks on every /readyz request.
func New(checks ...Check) *Handler {
	return &Handler{
		started: time.Now(),
		checks:  append([]Check(nil), checks...),
	}
}

// Add registers another check.
func (h *Handler) Add(c Check) {
	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// SetDraining flips readiness to "draining" so load balancers stop sending
// new clients during shutdown.
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers with the current [Report].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail || rep.Status == StatusDraining {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs all checks and folds them into a Report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	if h.draining.Load() {
		return Report{Status: StatusDraining}
	}

	h.mu.RLock()
	checks := append([]Check(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{
		Status: StatusOK,
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		res := results[i]
		rep.Checks[c.Name] = res
		switch {
		case res.Status == StatusOK:
		case c.Advisory:
			if rep.Status == StatusOK {
				rep.Status = StatusDegraded
			}
		default:
			rep.Status = StatusFail
		}
	}
	return rep
}

func run(ctx context.Context, c Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := c.Probe(ctx)
	res := CheckResult{Status: StatusOK, Latency: time.Since(start).String()}
	if err != nil {
		res.Status = StatusFail
		if c.Advisory {
			res.Status = StatusDegraded
		}
		res.Error = err.Error()
	}
	return res
}

// BreakerCheck is a critical check that fails while cb is open, that is while
// new transcriptions are refused without contacting the provider.
func BreakerCheck(name string, cb *resilience.CircuitBreaker) Check {
	return Check{
		Name: name,
		Probe: func(context.Context) error {
			if s := cb.State(); s == resilience.StateOpen {
				return fmt.Errorf("circuit %s: %w", s, resilience.ErrCircuitOpen)
			}
			return nil
		},
	}
}

// ErrorCheck is an advisory check reporting whatever current returns, such as
// a config file that was rejected on reload.
func ErrorCheck(name string, current func() error) Check {
	return Check{
		Name:     name,
		Advisory: true,
		Probe:    func(context.Context) error { return current() },
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
