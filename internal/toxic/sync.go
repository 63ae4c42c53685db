// Package toxic keeps the firewall's toxic list in step with a third-party
// feed of abusive networks.
package toxic

import (
	"context"
	"time"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/firewall"
	"github.com/zesk/ipban/internal/iplist"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/metrics"
)

// Markers records when the list was last fetched.
type Markers interface {
	Due(name string, now time.Time, every time.Duration) (bool, error)
}

// Options configures a Syncer.
type Options struct {
	Fetcher  *Fetcher
	Firewall firewall.Firewall // nil when no firewall is configured
	// Whitelist returns the addresses that must never be listed.
	Whitelist func() *iplist.Matcher
	Markers   Markers
	Marker    string
	Interval  time.Duration
	Clock     clock.Clock
	Logger    *logging.Logger
}

// Syncer downloads the toxic list and applies it to the firewall.
type Syncer struct {
	opts   Options
	clock  clock.Clock
	logger *logging.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("toxic")
	}
	if opts.Marker == "" {
		opts.Marker = "toxic_fetch"
	}
	return &Syncer{opts: opts, clock: clock.OrDefault(opts.Clock), logger: opts.Logger}
}

// Due reports whether the fetch interval has passed, recording the time
// when it has.
func (s *Syncer) Due() bool {
	if s.opts.Markers == nil {
		return true
	}
	due, err := s.opts.Markers.Due(s.opts.Marker, s.clock.Now(), s.opts.Interval)
	if err != nil {
		s.logger.Warn("Failed to read toxic fetch marker", "error", err)
		return true
	}
	return due
}

// Sync fetches the list and, when it changed or force is set, loads the
// local file and replaces the firewall's toxic list with it. A failed
// download still applies the local file when forced.
func (s *Syncer) Sync(ctx context.Context, force bool) (firewall.Changes, error) {
	var changes firewall.Changes
	result := ResultSkipped
	if s.opts.Fetcher != nil {
		var err error
		result, err = s.opts.Fetcher.Fetch(ctx)
		if err != nil {
			if !force {
				return changes, err
			}
			s.logger.Warn("Toxic list download failed, applying local copy", "error", err)
		}
	}
	if result != ResultChanged && !force {
		return changes, nil
	}
	return s.Apply(ctx)
}

// Apply loads the local file and replaces the firewall's toxic list.
func (s *Syncer) Apply(ctx context.Context) (firewall.Changes, error) {
	var changes firewall.Changes
	if s.opts.Fetcher == nil {
		return changes, nil
	}
	set, err := iplist.LoadFile(s.opts.Fetcher.Path, "toxic")
	if err != nil {
		return changes, err
	}
	if s.opts.Whitelist != nil {
		if m := s.opts.Whitelist(); m != nil {
			before := set.Len()
			set = m.Filter(set)
			if removed := before - set.Len(); removed > 0 {
				s.logger.Info("Removed whitelisted entries from toxic list", "count", removed)
			}
		}
	}
	if s.opts.Firewall == nil {
		return changes, nil
	}
	changes, err = s.opts.Firewall.SetIPs(ctx, firewall.ListToxic, set)
	if err != nil {
		return changes, err
	}
	metrics.Get().FirewallListSize.WithLabelValues(string(firewall.ListToxic)).Set(float64(set.Len()))
	s.logger.Info("Applied toxic list", "count", set.Len(), "dropped", changes.Dropped, "allowed", changes.Allowed)
	return changes, nil
}
