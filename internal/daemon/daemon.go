// Package daemon drives the reconciliation cycle: tail the logs, record
// events, run triggers, then bring the firewall's lists in line with the
// complaint store and the local black and white lists.
package daemon

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zesk/ipban/internal/brand"
	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/complaint"
	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/ctlchan"
	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/firewall"
	"github.com/zesk/ipban/internal/health"
	"github.com/zesk/ipban/internal/iplist"
	"github.com/zesk/ipban/internal/ipcache"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/metrics"
	"github.com/zesk/ipban/internal/severity"
	"github.com/zesk/ipban/internal/state"
	"github.com/zesk/ipban/internal/toxic"
)

const (
	cullInterval       = time.Hour
	cacheCleanInterval = 24 * time.Hour
	// staleCycle is the minimum age at which /healthz reports a stuck loop.
	staleCycle = 5 * time.Minute
)

// Options supplies collaborators that tests replace.
type Options struct {
	// Runner executes iptables; nil uses the real command.
	Runner  firewall.CommandRunner
	Clock   clock.Clock
	Version string
}

// Daemon owns every component of a running ipban.
type Daemon struct {
	cfg    *config.Config
	clock  clock.Clock
	logger *logging.Logger

	store      *state.SQLiteStore
	markers    *state.MarkerBucket
	complaints *complaint.Store
	firewall   firewall.Firewall
	toxic      *toxic.Syncer
	whitelist  *iplist.File
	blacklist  *iplist.File
	watcher    *iplist.Watcher
	control    *ctlchan.Listener
	cache      *ipcache.Cache
	workers    []*worker

	started     bool
	lastCheck   time.Time
	lastRefresh time.Time
	// matcher is rebuilt when the whitelist changes.
	matcher *iplist.Matcher

	// mu serializes cycles with health probes that read the firewall.
	mu        sync.Mutex
	lastCycle atomic.Int64
	health    *health.Checker
}

// New opens the state database and builds every component. Nothing touches
// the firewall until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	clk := clock.OrDefault(opts.Clock)
	d := &Daemon{
		cfg:    cfg,
		clock:  clk,
		logger: logging.WithComponent("daemon"),
	}

	banSeverity, err := severity.Parse(cfg.BanSeverity)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "ban_severity")
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "create state directory %s", cfg.StateDir)
	}
	storeOpts := state.DefaultOptions(cfg.DatabasePath())
	storeOpts.Clock = clk
	d.store, err = state.NewSQLiteStore(storeOpts)
	if err != nil {
		return nil, err
	}
	if d.markers, err = state.NewMarkerBucket(d.store); err != nil {
		d.Close()
		return nil, err
	}
	positions, err := state.NewTailerBucket(d.store)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.complaints, err = complaint.New(d.store.DB(), complaint.Options{
		BanSeverity: banSeverity,
		BanDuration: seconds(cfg.BanDuration),
		Clock:       clk,
	})
	if err != nil {
		d.Close()
		return nil, err
	}

	if d.firewall, err = firewall.New(cfg.Firewall, opts.Runner); err != nil {
		d.Close()
		return nil, err
	}

	d.whitelist = iplist.NewFile(cfg.WhitelistPath, "whitelist")
	d.blacklist = iplist.NewFile(cfg.BlacklistPath, "blacklist")

	if cfg.ToxicEnabled() {
		fetcher := toxic.NewFetcher(cfg.Toxic.URL, cfg.Toxic.Path, brand.UserAgent(opts.Version))
		d.toxic = toxic.NewSyncer(toxic.Options{
			Fetcher:   fetcher,
			Firewall:  d.firewall,
			Whitelist: func() *iplist.Matcher { return d.matcher },
			Markers:   d.markers,
			Marker:    state.MarkerToxicFetch,
			Interval:  seconds(cfg.Toxic.Interval),
			Clock:     clk,
		})
	}

	if cfg.IPCache != nil && cfg.IPCache.Enabled {
		if d.cache, err = ipcache.New(cfg.IPCache.Path, clk); err != nil {
			d.Close()
			return nil, err
		}
	}

	names := make([]string, 0, len(cfg.Parsers))
	for _, p := range cfg.Parsers {
		names = append(names, p.Name)
	}
	if removed, err := positions.Prune(names); err != nil {
		d.logger.Warn("Could not prune saved positions", "error", err)
	} else if len(removed) > 0 {
		d.logger.Info("Forgot positions of removed parsers", "parsers", removed)
	}

	for _, p := range cfg.Parsers {
		w, err := newWorker(p, cfg, positions, clk)
		if err != nil {
			d.Close()
			return nil, errors.Attr(err, "parser", p.Name)
		}
		d.workers = append(d.workers, w)
	}
	return d, nil
}

// Complaints exposes the complaint store.
func (d *Daemon) Complaints() *complaint.Store {
	return d.complaints
}

// Firewall returns the configured backend, or nil for type "none".
func (d *Daemon) Firewall() firewall.Firewall {
	return d.firewall
}

// Start runs the one-time startup sequence: privilege check, chain
// bootstrap, forced toxic sync, list loading and the initial ban. Errors
// are fatal.
func (d *Daemon) Start(ctx context.Context) error {
	if d.firewall != nil {
		if err := d.firewall.CheckInstalled(ctx); err != nil {
			return err
		}
		if err := d.firewall.Bootstrap(ctx); err != nil {
			return err
		}
	}

	if _, err := d.refreshLists(); err != nil {
		return err
	}
	if w, err := iplist.NewWatcher(d.whitelist, d.blacklist); err != nil {
		d.logger.Warn("List files will be polled", "error", err)
	} else {
		d.watcher = w
		go w.Run(ctx)
	}

	if d.toxic != nil {
		if _, err := d.toxic.Sync(ctx, true); err != nil {
			d.logger.Error("Toxic list sync failed", "error", err)
		}
	}

	now := d.clock.Now()
	if err := d.reconcileBan(ctx); err != nil {
		return err
	}
	d.lastCheck = now
	d.lastRefresh = now

	if d.cfg.ControlEnabled() {
		mode, err := d.cfg.Control.FileMode()
		if err != nil {
			return errors.Wrap(err, errors.KindConfiguration, "control mode")
		}
		l, err := ctlchan.Listen(d.cfg.Control.Path, mode, time.Duration(d.cfg.Control.TimeoutMS)*time.Millisecond)
		if err != nil {
			return err
		}
		d.control = l
	}

	if d.cfg.MetricsListen != "" {
		d.health = d.newHealthChecker()
		go func() {
			if err := metrics.Serve(ctx, d.cfg.MetricsListen, d.health.Handler()); err != nil {
				d.logger.Error("Metrics listener failed", "error", err)
			}
		}()
	}

	if err := d.markers.Set(state.MarkerStarted, now); err != nil {
		d.logger.Warn("Could not record start time", "error", err)
	}
	d.started = true
	d.logger.Info("Started", "parsers", len(d.workers), "firewall", d.cfg.Firewall.Type)
	return nil
}

// LastCycle is when the most recent cycle finished, or the zero time.
func (d *Daemon) LastCycle() time.Time {
	n := d.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (d *Daemon) newHealthChecker() *health.Checker {
	maxAge := 3 * (seconds(d.cfg.LoopSleep) + seconds(d.cfg.WorkerTime)*time.Duration(len(d.workers)))
	if maxAge < staleCycle {
		maxAge = staleCycle
	}
	c := health.NewChecker(d.clock)
	c.Register("cycle", health.CycleCheck(d.LastCycle, maxAge, d.clock))
	c.Register("state_dir", health.WritableCheck(d.cfg.StateDir))
	if d.firewall != nil {
		banList := health.ListCheck(d.firewall, firewall.ListBan)
		c.Register("ban_list", func(ctx context.Context) health.Check {
			if !d.mu.TryLock() {
				return health.Check{Status: health.StatusHealthy, Message: "cycle in progress"}
			}
			defer d.mu.Unlock()
			return banList(ctx)
		})
	}
	return c
}

// Run starts the daemon and cycles until ctx is done. A cycle that read
// lines is followed immediately by the next; otherwise the loop sleeps.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.started {
		if err := d.Start(ctx); err != nil {
			return err
		}
	}
	d.logger.Debug("Entering main loop")
	sleep := seconds(d.cfg.LoopSleep)
	for {
		progress := d.RunCycle(ctx)
		if ctx.Err() != nil {
			break
		}
		if progress {
			continue
		}
		if err := clock.Sleep(ctx, sleep); err != nil {
			break
		}
	}
	d.logger.Info("Stopping")
	return nil
}

// Close releases every resource. It is safe to call more than once.
func (d *Daemon) Close() error {
	for _, w := range d.workers {
		w.close()
	}
	d.workers = nil
	if d.watcher != nil {
		d.watcher.Close()
		d.watcher = nil
	}
	if d.control != nil {
		d.control.Close()
		d.control = nil
	}
	if d.store != nil {
		err := d.store.Close()
		d.store = nil
		return err
	}
	return nil
}
