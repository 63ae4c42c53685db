// Package health reports whether the daemon is making progress, for the
// /healthz endpoint served next to the metrics.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/firewall"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) Check

// Checker runs the registered checks and caches the report briefly.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
	ttl    time.Duration
	clock  clock.Clock
}

// NewChecker creates a checker with no checks registered.
func NewChecker(clk clock.Clock) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		ttl:    5 * time.Second,
		clock:  clock.OrDefault(clk),
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cache = nil
}

// Check runs all health checks and returns a report.
func (c *Checker) Check(ctx context.Context) Report {
	now := c.clock.Now()
	c.mu.RLock()
	if c.cache != nil && now.Sub(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	checkFuncs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checkFuncs[name] = fn
	}
	c.mu.RUnlock()

	checks := make(map[string]Check, len(checkFuncs))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, fn := range checkFuncs {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			start := c.clock.Now()
			check := fn(ctx)
			check.Name = name
			check.LastChecked = start
			check.Duration = c.clock.Since(start)

			mu.Lock()
			checks[name] = check
			if check.Status == StatusUnhealthy {
				overallStatus = StatusUnhealthy
			} else if check.Status == StatusDegraded && overallStatus != StatusUnhealthy {
				overallStatus = StatusDegraded
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	report := Report{
		Status:    overallStatus,
		Checks:    checks,
		Timestamp: now,
	}

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()
	return report
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		report := c.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// CycleCheck is unhealthy when no cycle has completed within maxAge.
// last returns the zero time before the first cycle.
func CycleCheck(last func() time.Time, maxAge time.Duration, clk clock.Clock) CheckFunc {
	clk = clock.OrDefault(clk)
	return func(ctx context.Context) Check {
		t := last()
		if t.IsZero() {
			return Check{Status: StatusDegraded, Message: "no cycle completed yet"}
		}
		age := clk.Since(t)
		if age > maxAge {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("last cycle %s ago", age.Round(time.Second))}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("last cycle %s ago", age.Round(time.Second))}
	}
}

// WritableCheck verifies a file can be created in dir.
func WritableCheck(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		f, err := os.CreateTemp(dir, ".health-")
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("%s not writable: %v", filepath.Clean(dir), err)}
		}
		name := f.Name()
		f.Close()
		os.Remove(name)
		return Check{Status: StatusHealthy, Message: "writable"}
	}
}

// ListCheck is degraded when the chains backing list are missing.
func ListCheck(fw firewall.Firewall, list firewall.List) CheckFunc {
	return func(ctx context.Context) Check {
		ok, err := fw.HasList(ctx, list)
		switch {
		case err != nil:
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		case !ok:
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("%s chains missing", list)}
		}
		return Check{Status: StatusHealthy, Message: fmt.Sprintf("%s chains present", list)}
	}
}
