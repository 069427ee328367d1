// Package health runs the readiness checks behind /readyz.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status of one dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) Status

// Report is the outcome of a full run.
type Report struct {
	Ready  bool              `json:"ready"`
	Checks map[string]Status `json:"checks"`
}

// Checker runs named checks concurrently.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a checker whose checks each get five seconds.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run executes every check. Degraded dependencies still count as ready.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	report := Report{Ready: true, Checks: make(map[string]Status, len(checks))}
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)

			mu.Lock()
			report.Checks[n] = s
			if s == StatusDown {
				report.Ready = false
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	for n, s := range report.Checks {
		if s != StatusOK {
			c.logger.Warn().Str("check", n).Str("status", string(s)).Msg("health check not ok")
		}
	}
	return report
}

// Pinger is anything with a liveness probe, such as the SQLite store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports down when p cannot be pinged.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// MinimumCheck reports degraded while count() is below min.
func MinimumCheck(count func() int, min int) CheckFunc {
	return func(context.Context) Status {
		if count() < min {
			return StatusDegraded
		}
		return StatusOK
	}
}
