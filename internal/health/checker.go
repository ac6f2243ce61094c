// Package health aggregates readiness checks of the service dependencies.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status values reported by Run.
const (
	StatusOK   = "ok"
	StatusFail = "unavailable"
)

// DefaultTimeout bounds a single check when NewChecker is given zero.
const DefaultTimeout = 2 * time.Second

// CheckFunc reports nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker runs named checks concurrently, each bounded by a timeout.
type Checker struct {
	timeout time.Duration
	mu      sync.RWMutex
	checks  []namedCheck
}

// NewChecker returns an empty Checker; with no checks registered it reports healthy.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{timeout: timeout}
}

// Add registers a check under name.
func (c *Checker) Add(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// Report is the outcome of one Run.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == StatusOK }

// Run executes all checks and returns the per-check outcome. Failures carry the error text.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]string, len(checks))
	var g errgroup.Group
	for i, chk := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := chk.fn(cctx); err != nil {
				results[i] = StatusFail + ": " + err.Error()
				return nil
			}
			results[i] = StatusOK
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]string, len(checks))}
	for i, chk := range checks {
		rep.Checks[chk.name] = results[i]
		if results[i] != StatusOK {
			rep.Status = StatusFail
		}
	}
	return rep
}
