// Package health serves the liveness and readiness probes of the API.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/backend-resto/internal/common"
)

// Probe checks one dependency.
type Probe struct {
	Name    string
	Timeout time.Duration
	// Optional probes are reported but never fail readiness. Carts fall back
	// to process memory when Redis is away, orders cannot.
	Optional bool
	Check    func(context.Context) error
}

// Report is the readiness document.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
	StatusDraining    = "draining"
)

var draining atomic.Bool

// SetReady toggles readiness. The API clears it when shutdown begins so load
// balancers stop routing new checkouts before in-flight orders finish.
func SetReady(ready bool) {
	draining.Store(!ready)
}

// Handler exposes the health endpoints.
type Handler struct {
	Probes []Probe
}

// Live reports that the process serves HTTP.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and answers 503 when a required one
// fails or the server is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: StatusDraining})
		return
	}
	report := h.Run(r.Context())
	status := http.StatusOK
	if report.Status == StatusUnavailable {
		status = http.StatusServiceUnavailable
	}
	common.JSON(w, status, report)
}

// Run executes the probes.
func (h Handler) Run(ctx context.Context) Report {
	report := Report{Status: StatusOK, Checks: make(map[string]string, len(h.Probes))}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range h.Probes {
		g.Go(func() error {
			result := StatusOK
			if err := p.run(gctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			report.Checks[p.Name] = result
			switch {
			case result == StatusOK:
			case p.Optional:
				if report.Status == StatusOK {
					report.Status = StatusDegraded
				}
			default:
				report.Status = StatusUnavailable
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (p Probe) run(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Check(ctx)
}
