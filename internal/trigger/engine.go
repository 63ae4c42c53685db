package trigger

import (
	"context"
	"time"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/severity"
)

// Result is the output of one trigger run: the count increase per address.
type Result struct {
	Codename string
	Severity severity.Level
	Counts   map[string]int
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Parser string
	// Interval is the minimum time between runs.
	Interval time.Duration
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Engine runs the triggers configured for one parser. Triggers are built
// on first use; a definition that fails to build is logged once and then
// ignored.
type Engine struct {
	opts     EngineOptions
	configs  []config.TriggerConfig
	triggers map[string]*Trigger
	clock    clock.Clock
	logger   *logging.Logger
	lastRun  time.Time
}

// NewEngine returns an engine for the given trigger configurations.
func NewEngine(configs []config.TriggerConfig, opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("trigger")
	}
	return &Engine{
		opts:     opts,
		configs:  configs,
		triggers: make(map[string]*Trigger),
		clock:    clock.OrDefault(opts.Clock),
		logger:   opts.Logger.WithFields(map[string]any{"parser": opts.Parser}),
	}
}

// Trigger returns the trigger for codename, creating it if needed. It
// returns nil for a definition that failed to build.
func (e *Engine) Trigger(codename string) *Trigger {
	if t, ok := e.triggers[codename]; ok {
		return t
	}
	for _, cfg := range e.configs {
		if cfg.Codename != codename {
			continue
		}
		t, err := New(cfg, e.logger)
		if err != nil {
			e.logger.Error("Invalid trigger", "codename", codename, "error", err)
			e.triggers[codename] = nil
			return nil
		}
		e.logger.Info("Loading trigger", "codename", codename, "desc", t.Description())
		e.triggers[codename] = t
		return t
	}
	return nil
}

// Due reports whether Interval has passed since the last run.
func (e *Engine) Due() bool {
	if e.lastRun.IsZero() {
		return true
	}
	return !e.clock.Now().Before(e.lastRun.Add(e.opts.Interval))
}

// Run evaluates every trigger against src for the window ending at
// maxTimestamp. It does nothing when the interval has not passed or when no
// record was read (maxTimestamp is 0). Query errors are returned with the
// results gathered so far.
func (e *Engine) Run(ctx context.Context, src CountSource, maxTimestamp int64) ([]Result, error) {
	if !e.Due() {
		e.logger.Debug("Skipping triggers", "wait", e.lastRun.Add(e.opts.Interval).Sub(e.clock.Now()).String())
		return nil, nil
	}
	e.lastRun = e.clock.Now()
	if len(e.configs) == 0 {
		return nil, nil
	}
	if maxTimestamp == 0 {
		e.logger.Debug("Max timestamp is zero")
		return nil, nil
	}

	var results []Result
	for _, cfg := range e.configs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		t := e.Trigger(cfg.Codename)
		if t == nil {
			continue
		}
		counts, err := t.Run(ctx, src, maxTimestamp)
		if err != nil {
			return results, errors.Wrapf(err, errors.KindIO, "trigger %s", cfg.Codename)
		}
		if len(counts) == 0 {
			continue
		}
		results = append(results, Result{Codename: t.Codename, Severity: t.Severity, Counts: counts})
	}
	return results, nil
}
