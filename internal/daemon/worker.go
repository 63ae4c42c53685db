package daemon

import (
	"context"
	"time"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/complaint"
	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/metrics"
	"github.com/zesk/ipban/internal/state"
	"github.com/zesk/ipban/internal/tailer"
	"github.com/zesk/ipban/internal/trigger"
)

// ComplaintMessage is the text recorded for a trigger delta.
const ComplaintMessage = "{count} occurrences of trigger {codename}"

// worker tails one parser's files, records the events and runs the
// parser's triggers.
type worker struct {
	name      string
	tailer    *tailer.Tailer
	engine    *trigger.Engine
	positions *state.TailerBucket
	logger    *logging.Logger

	// pending is the newest record time not yet seen by the triggers.
	pending int64
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func newWorker(p config.ParserConfig, cfg *config.Config, positions *state.TailerBucket, clk clock.Clock) (*worker, error) {
	handler, err := tailer.NewHandler(p, clk)
	if err != nil {
		return nil, err
	}
	logger := logging.WithComponent("tailer").WithFields(map[string]any{"parser": p.Name})
	t, err := tailer.New(tailer.Options{
		Name:               p.Name,
		Pattern:            p.File,
		Handler:            handler,
		MaximumAge:         seconds(p.MaximumAge),
		UpdateFrequency:    seconds(p.UpdateFileListFrequency),
		CheckDoneFrequency: seconds(p.CheckDoneFileFrequency),
		DebugSyntax:        p.DebugSyntax,
		Clock:              clk,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	w := &worker{
		name:   p.Name,
		tailer: t,
		engine: trigger.NewEngine(p.Triggers, trigger.EngineOptions{
			Parser:   p.Name,
			Interval: seconds(cfg.TriggerInterval),
			Clock:    clk,
		}),
		positions: positions,
		logger:    logger,
	}
	if positions != nil {
		files, err := positions.Load(p.Name)
		if err != nil {
			logger.Warn("Could not load saved positions", "error", err)
		} else if files != nil {
			t.Restore(files)
			logger.Debug("Restored positions", "files", len(files))
		}
	}
	return w, nil
}

// run tails for up to budget, stores each record as an event, saves the
// positions and raises complaints for any trigger deltas.
func (w *worker) run(ctx context.Context, budget time.Duration, events *complaint.Store) (tailer.DrainResult, error) {
	if err := w.tailer.RefreshFileList(); err != nil {
		return tailer.DrainResult{}, err
	}
	w.tailer.ReopenStale()

	res, err := w.tailer.Drain(ctx, budget, func(rec tailer.Record) error {
		return events.AddEvent(ctx, w.name, rec)
	})
	if w.positions != nil {
		if serr := w.positions.Save(w.name, w.tailer.Snapshot()); serr != nil {
			w.logger.Warn("Could not save positions", "error", serr)
		}
	}
	if err != nil {
		return res, err
	}
	if res.MaxTimestamp > w.pending {
		w.pending = res.MaxTimestamp
	}

	if w.pending == 0 || !w.engine.Due() {
		return res, nil
	}
	results, err := w.engine.Run(ctx, events, w.pending)
	w.pending = 0
	for _, r := range results {
		for ip, count := range r.Counts {
			values := map[string]any{"count": count, "codename": r.Codename}
			if _, cerr := events.Complain(ctx, ip, r.Severity, ComplaintMessage, values); cerr != nil {
				return res, cerr
			}
			metrics.Get().Complaints.WithLabelValues(r.Codename).Inc()
		}
	}
	return res, err
}

func (w *worker) close() {
	w.tailer.Close()
}
