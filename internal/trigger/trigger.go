// Package trigger implements sliding-window rate limits over stored events.
//
// A Trigger asks a CountSource how many events of one tag type each address
// produced inside its window, keeps the addresses at or over the threshold,
// and merges them into time buckets so that only the growth since the last
// evaluation in the same bucket is reported.
package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/severity"
)

// MinimumSegment is the shortest bucket length, in seconds.
const MinimumSegment = 60

// CountQuery selects events for aggregation. Since and Until are inclusive
// unix times; both are zero for an unbounded window.
type CountQuery struct {
	Type    string
	Since   int64
	Until   int64
	Method  string
	Minimum int
}

// CountSource aggregates stored events per address.
type CountSource interface {
	CountByIP(ctx context.Context, q CountQuery) (map[string]int, error)
}

// Definition is an immutable trigger configuration.
type Definition struct {
	Codename    string
	Type        string
	Count       int
	Duration    int64 // seconds; 0 means all time
	Segments    int
	Segment     int64 // bucket length; 0 when Duration is 0
	CountMethod string
	Severity    severity.Level
}

// Trigger is a Definition plus its bucket state.
type Trigger struct {
	Definition
	buckets map[int64]map[string]int
	logger  *logging.Logger
}

// New validates cfg and builds a trigger. Missing count or type is a
// configuration error.
func New(cfg config.TriggerConfig, logger *logging.Logger) (*Trigger, error) {
	if cfg.Count == nil || cfg.Type == nil || *cfg.Type == "" {
		return nil, errors.Errorf(errors.KindConfiguration,
			"invalid trigger definition %s: missing one of count, type", cfg.Codename)
	}
	if *cfg.Count < 0 {
		return nil, errors.Errorf(errors.KindConfiguration, "trigger %s: count must not be negative", cfg.Codename)
	}
	sev, err := severity.Parse(cfg.Severity)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfiguration, "trigger %s", cfg.Codename)
	}
	method := cfg.CountMethod
	switch method {
	case "":
		method = config.CountMethodEvents
	case config.CountMethodEvents, config.CountMethodTypes:
	default:
		return nil, errors.Errorf(errors.KindConfiguration, "trigger %s: unknown count_method %q", cfg.Codename, method)
	}

	d := Definition{
		Codename:    cfg.Codename,
		Type:        strings.ToLower(*cfg.Type),
		Count:       *cfg.Count,
		Segments:    cfg.Segments,
		CountMethod: method,
		Severity:    sev,
	}
	if d.Segments <= 0 {
		d.Segments = config.DefaultSegments
	}
	if cfg.Duration != nil && *cfg.Duration > 0 {
		d.Duration = int64(*cfg.Duration)
		d.Segment = max(d.Duration/int64(d.Segments), MinimumSegment)
	}

	if logger == nil {
		logger = logging.WithComponent("trigger")
	}
	return &Trigger{
		Definition: d,
		buckets:    make(map[int64]map[string]int),
		logger:     logger.WithFields(map[string]any{"trigger": d.Codename}),
	}, nil
}

// Description renders the trigger for logs.
func (t *Trigger) Description() string {
	s := fmt.Sprintf("severity %s - more than %d events of type %s", t.Severity, t.Count, t.Type)
	if t.Duration == 0 {
		return s + " ever."
	}
	return fmt.Sprintf("%s every %d seconds.", s, t.Duration)
}

// Evaluate returns the addresses whose count within the window ending at
// maxTimestamp reaches the threshold.
func (t *Trigger) Evaluate(ctx context.Context, src CountSource, maxTimestamp int64) (map[string]int, error) {
	q := CountQuery{
		Type:    t.Type,
		Method:  t.CountMethod,
		Minimum: t.Count,
	}
	if t.Duration > 0 {
		q.Since = maxTimestamp - t.Duration
		q.Until = maxTimestamp
	}
	counts, err := src.CountByIP(ctx, q)
	if err != nil {
		return nil, err
	}
	for ip, n := range counts {
		if n < t.Count {
			delete(counts, ip)
		}
	}
	t.logger.Debug("Evaluated", "max_timestamp", maxTimestamp, "matches", len(counts))
	return counts, nil
}

// BucketKey returns the bucket that now falls into.
func (t *Trigger) BucketKey(now int64) int64 {
	if t.Segment == 0 {
		return 0
	}
	return (now / t.Segment) * t.Segment
}

// Merge records counts in the bucket for now and returns the increase per
// address: the full count for an address new to the bucket, the positive
// difference for one seen before with a lower count, and nothing otherwise.
// Buckets that start before now-Duration are dropped first; with no
// Duration the single bucket lives forever.
func (t *Trigger) Merge(counts map[string]int, now int64) map[string]int {
	key := t.BucketKey(now)
	if t.Duration > 0 {
		t.cull(now - t.Duration)
	}

	bucket, ok := t.buckets[key]
	if !ok {
		t.logger.Debug("Adding bucket", "bucket", key, "addresses", len(counts))
		bucket = make(map[string]int, len(counts))
		t.buckets[key] = bucket
	}

	result := make(map[string]int)
	for ip, n := range counts {
		prev, seen := bucket[ip]
		switch {
		case !seen:
			if n > 0 {
				result[ip] = n
			}
			bucket[ip] = n
		case n > prev:
			t.logger.Debug("Bump address", "ip", ip, "old_count", prev, "count", n, "bucket", key)
			result[ip] = n - prev
			bucket[ip] = n
		}
	}
	return result
}

func (t *Trigger) cull(before int64) {
	for key := range t.buckets {
		if key < before {
			t.logger.Debug("Removing bucket", "bucket", time.Unix(key, 0).UTC().Format(time.DateTime))
			delete(t.buckets, key)
		}
	}
}

// Buckets returns the current bucket keys, oldest first.
func (t *Trigger) Buckets() []int64 {
	keys := make([]int64, 0, len(t.buckets))
	for k := range t.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Stored returns the count held for ip in the bucket covering now.
func (t *Trigger) Stored(ip string, now int64) (int, bool) {
	n, ok := t.buckets[t.BucketKey(now)][ip]
	return n, ok
}

// Run evaluates the trigger and merges the result.
func (t *Trigger) Run(ctx context.Context, src CountSource, maxTimestamp int64) (map[string]int, error) {
	counts, err := t.Evaluate(ctx, src, maxTimestamp)
	if err != nil {
		return nil, err
	}
	return t.Merge(counts, maxTimestamp), nil
}
