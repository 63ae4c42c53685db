// Package metrics holds the Prometheus series exported by the daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all ipban metrics.
type Registry struct {
	Cycles      prometheus.Counter
	CycleErrors *prometheus.CounterVec

	// Tailer
	Lines        *prometheus.CounterVec
	SyntaxErrors *prometheus.CounterVec
	TailerFiles  *prometheus.GaugeVec

	// Triggers and complaints
	Complaints *prometheus.CounterVec

	// Firewall
	FirewallCommands *prometheus.CounterVec
	FirewallListSize *prometheus.GaugeVec

	ToxicDownloads  *prometheus.CounterVec
	ControlMessages *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

func newRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.Cycles = f.NewCounter(prometheus.CounterOpts{
		Name: "ipban_cycles_total",
		Help: "Reconciliation cycles completed",
	})
	r.CycleErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ipban_cycle_errors_total",
		Help: "Errors caught at the cycle boundary, by phase",
	}, []string{"phase"})

	r.Lines = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ipban_lines_total",
		Help: "Log lines consumed",
	}, []string{"parser"})
	r.SyntaxErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ipban_syntax_errors_total",
		Help: "Log lines skipped because they did not parse",
	}, []string{"parser"})
	r.TailerFiles = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipban_tailer_files",
		Help: "Files currently tracked",
	}, []string{"parser"})

	r.Complaints = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ipban_complaints_total",
		Help: "Complaints raised by triggers",
	}, []string{"trigger"})

	r.FirewallCommands = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ipban_firewall_commands_total",
		Help: "Packet filter commands executed, by operation",
	}, []string{"op"})
	r.FirewallListSize = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipban_firewall_list_size",
		Help: "Addresses in each managed list after the last reconcile",
	}, []string{"list"})

	r.ToxicDownloads = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ipban_toxic_downloads_total",
		Help: "Toxic list download attempts, by result",
	}, []string{"result"})
	r.ControlMessages = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ipban_control_messages_total",
		Help: "Control channel messages received, by command",
	}, []string{"command"})

	return r
}

// RecordFirewallCommand counts one packet filter invocation.
func (r *Registry) RecordFirewallCommand(op string) {
	r.FirewallCommands.WithLabelValues(op).Inc()
}

// RecordCycleError counts an error caught at the cycle boundary.
func (r *Registry) RecordCycleError(phase string) {
	r.CycleErrors.WithLabelValues(phase).Inc()
}
