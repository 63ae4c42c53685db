// Package clock provides a mockable time source.
//
// Event timestamps, trigger windows and file bookkeeping all work in whole
// Unix seconds, so the interface exposes that directly. Tests inject MockClock
// to drive sliding windows without sleeping.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the interface for time operations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Unix returns the current time in whole seconds.
	Unix() int64
}

// RealClock provides the actual system time.
type RealClock struct{}

func (c *RealClock) Now() time.Time { return time.Now() }
func (c *RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (c *RealClock) Unix() int64 { return time.Now().Unix() }

// MockClock is a test clock with controllable time.
type MockClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewMockClock creates a mock clock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{current: t}
}

// NewMockClockUnix creates a mock clock set to the given Unix second.
func NewMockClockUnix(sec int64) *MockClock {
	return &MockClock{current: time.Unix(sec, 0).UTC()}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Unix returns the mock time in seconds.
func (c *MockClock) Unix() int64 {
	return c.Now().Unix()
}

// Set sets the mock time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Advance advances the mock time by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Default is the clock used when none is injected.
var Default Clock = &RealClock{}

// OrDefault returns c, or Default when c is nil.
func OrDefault(c Clock) Clock {
	if c == nil {
		return Default
	}
	return c
}

// Sleep waits for d or until ctx is done. It returns ctx.Err() when
// interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
