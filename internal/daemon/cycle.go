package daemon

import (
	"context"
	"time"

	"github.com/zesk/ipban/internal/complaint"
	"github.com/zesk/ipban/internal/ctlchan"
	"github.com/zesk/ipban/internal/firewall"
	"github.com/zesk/ipban/internal/iplist"
	"github.com/zesk/ipban/internal/metrics"
	"github.com/zesk/ipban/internal/state"
)

// Cycle phases, used in logs and the cycle error metric.
const (
	PhaseControl  = "control"
	PhaseTail     = "tail"
	PhaseLists    = "lists"
	PhaseBan      = "ban"
	PhaseToxic    = "toxic"
	PhaseCull     = "cull"
	PhaseIPCache  = "ip_cache"
	PhaseFirewall = "firewall"
)

// RunCycle runs one reconciliation cycle. Errors are logged and counted
// per phase; the remaining phases still run. It reports whether any log
// line was read.
func (d *Daemon) RunCycle(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		d.lastCycle.Store(d.clock.Now().UnixNano())
		metrics.Get().Cycles.Inc()
	}()

	d.fail(PhaseControl, d.handleControl(ctx))

	progress := false
	budget := seconds(d.cfg.WorkerTime)
	for _, w := range d.workers {
		if ctx.Err() != nil {
			return progress
		}
		res, err := w.run(ctx, budget, d.complaints)
		if res.Progress() {
			progress = true
			metrics.Get().Lines.WithLabelValues(w.name).Add(float64(res.Lines))
		}
		d.fail(PhaseTail, err, "parser", w.name)
	}
	if ctx.Err() != nil {
		return progress
	}

	d.refreshFirewall()
	d.fail(PhaseLists, d.handleLists(ctx))
	d.fail(PhaseBan, d.handleDB(ctx))

	if d.toxic != nil && d.toxic.Due() {
		_, err := d.toxic.Sync(ctx, false)
		d.fail(PhaseToxic, err)
	}
	d.fail(PhaseCull, d.cull(ctx))
	d.fail(PhaseIPCache, d.cleanCache())
	return progress
}

func (d *Daemon) fail(phase string, err error, kv ...any) {
	if err == nil {
		return
	}
	metrics.Get().RecordCycleError(phase)
	d.logger.Error("Cycle phase failed", append([]any{"phase", phase, "error", err}, kv...)...)
}

func (d *Daemon) handleControl(ctx context.Context) error {
	if d.control == nil {
		return nil
	}
	msgs, err := d.control.Receive(ctx)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		switch m.Command {
		case ctlchan.CommandBan:
			err = d.complaints.AddIP(ctx, m.IP, complaint.StatusBlacklist)
		case ctlchan.CommandAllow:
			err = d.complaints.AddIP(ctx, m.IP, complaint.StatusWhitelist)
		case ctlchan.CommandStatus:
			d.logStatus(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) logStatus(ctx context.Context) {
	st, err := d.complaints.Stats(ctx)
	if err != nil {
		d.logger.Warn("Could not read stats", "error", err)
		return
	}
	d.logger.Info("Status",
		"events", st.Events, "complaints", st.Complaints,
		"blacklist", st.Blacklist, "whitelist", st.Whitelist,
		"whitelist_file", d.matcher.Len(), "parsers", len(d.workers))
	for _, w := range d.workers {
		for _, f := range w.tailer.Status() {
			d.logger.Info("File status", "parser", w.name, "file", f.Name, "offset", f.Offset, "size", f.Size, "percent", f.Percent)
		}
	}
}

// refreshFirewall drops the cached chain listing every refresh_interval so
// changes made outside ipban are noticed.
func (d *Daemon) refreshFirewall() {
	if d.firewall == nil {
		return
	}
	now := d.clock.Now()
	if now.Sub(d.lastRefresh) < seconds(d.cfg.Firewall.RefreshInterval) {
		return
	}
	d.lastRefresh = now
	d.firewall.Invalidate()
	d.logger.Debug("Invalidated firewall state")
}

// refreshLists reloads the list files and reports whether either changed.
func (d *Daemon) refreshLists() (bool, error) {
	wChanged, err := d.whitelist.Refresh()
	if err != nil {
		return false, err
	}
	if wChanged || d.matcher == nil {
		d.matcher = iplist.NewMatcher(d.whitelist.Set())
	}
	bChanged, err := d.blacklist.Refresh()
	if err != nil {
		return false, err
	}
	return wChanged || bChanged, nil
}

func (d *Daemon) handleLists(ctx context.Context) error {
	changed, err := d.refreshLists()
	if err != nil || !changed {
		return err
	}
	d.logger.Info("List files changed, reconciling")
	if d.toxic != nil {
		if _, err := d.toxic.Apply(ctx); err != nil {
			return err
		}
	}
	return d.reconcileBan(ctx)
}

// desiredBan is every address that should be in the ban list: all active
// ban-level complaints and blacklist entries, less anything whitelisted.
func (d *Daemon) desiredBan(ctx context.Context) (iplist.Set, error) {
	banned, err := d.complaints.BanSince(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	white, err := d.complaints.Whitelist(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	desired, _ := iplist.NormalizeAll(keys(banned), "ban")
	desired.AddAll(d.blacklist.Set())
	for ip := range white {
		desired.Remove(ip)
	}
	return d.matcher.Filter(desired), nil
}

// DesiredBan loads the list files and returns the ban list the next
// reconciliation would install.
func (d *Daemon) DesiredBan(ctx context.Context) (iplist.Set, error) {
	if _, err := d.refreshLists(); err != nil {
		return nil, err
	}
	return d.desiredBan(ctx)
}

// reconcileBan replaces the ban list with the desired set.
func (d *Daemon) reconcileBan(ctx context.Context) error {
	desired, err := d.desiredBan(ctx)
	if err != nil {
		return err
	}
	if d.cache != nil {
		d.cache.Drop(desired.Sorted())
	}
	if d.firewall == nil {
		return nil
	}
	changes, err := d.firewall.SetIPs(ctx, firewall.ListBan, desired)
	if err != nil {
		return err
	}
	metrics.Get().FirewallListSize.WithLabelValues(string(firewall.ListBan)).Set(float64(desired.Len()))
	d.logger.Info("Reconciled ban list", "count", desired.Len(), "dropped", changes.Dropped, "allowed", changes.Allowed, "duplicates", changes.Duplicates)
	return nil
}

// handleDB applies bans and allowances recorded since the previous cycle.
func (d *Daemon) handleDB(ctx context.Context) error {
	now := d.clock.Now()
	bannedSince, err := d.complaints.BanSince(ctx, d.lastCheck)
	if err != nil {
		return err
	}
	allowedSince, err := d.complaints.AllowSince(ctx, d.lastCheck)
	if err != nil {
		return err
	}
	d.lastCheck = now

	ban, _ := iplist.NormalizeAll(keys(bannedSince), "ban")
	allow, _ := iplist.NormalizeAll(keys(allowedSince), "allow")
	blacklisted := d.blacklist.Set()
	for ip := range allow {
		if blacklisted.Has(ip) {
			allow.Remove(ip)
		}
	}
	ban.RemoveAll(allow)
	ban = d.matcher.Filter(ban)
	if ban.Len() == 0 && allow.Len() == 0 {
		return nil
	}

	if d.cache != nil {
		d.cache.Drop(ban.Sorted())
		d.cache.Allow(allow.Sorted())
	}
	if d.firewall == nil {
		return nil
	}
	if ban.Len() > 0 {
		n, err := d.firewall.Drop(ctx, firewall.ListBan, ban.Sorted())
		if err != nil {
			return err
		}
		d.logger.Info("Banned addresses", "count", ban.Len(), "rules", n)
	}
	if allow.Len() > 0 {
		n, err := d.firewall.Allow(ctx, firewall.ListBan, allow.Sorted())
		if err != nil {
			return err
		}
		d.logger.Info("Allowed addresses", "count", allow.Len(), "rules", n)
	}
	return nil
}

func (d *Daemon) cull(ctx context.Context) error {
	retention := 0
	if d.cfg.EventRetention != nil {
		retention = *d.cfg.EventRetention
	}
	if retention <= 0 {
		return nil
	}
	now := d.clock.Now()
	due, err := d.markers.Due(state.MarkerEventCull, now, cullInterval)
	if err != nil || !due {
		return err
	}
	_, err = d.complaints.Cull(ctx, now.Add(-seconds(retention)))
	return err
}

func (d *Daemon) cleanCache() error {
	if d.cache == nil {
		return nil
	}
	due, err := d.markers.Due(state.MarkerCacheClean, d.clock.Now(), cacheCleanInterval)
	if err != nil || !due {
		return err
	}
	_, err = d.cache.CleanEmpties()
	return err
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
