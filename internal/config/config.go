package config

import (
	"path/filepath"

	"github.com/zesk/ipban/internal/brand"
)

// Config is the top-level ipban configuration.
type Config struct {
	Debug    bool   `hcl:"debug,optional" json:"debug,omitempty" yaml:"debug,omitempty"`
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty" yaml:"state_dir,omitempty"`

	// Loop timing, in seconds.
	LoopSleep       int `hcl:"loop_sleep,optional" json:"loop_sleep,omitempty" yaml:"loop_sleep,omitempty"`
	WorkerTime      int `hcl:"worker_time,optional" json:"worker_time,omitempty" yaml:"worker_time,omitempty"`
	TriggerInterval int `hcl:"trigger_interval,optional" json:"trigger_interval,omitempty" yaml:"trigger_interval,omitempty"`

	// EventRetention is how long events are kept; 0 keeps them forever.
	EventRetention *int   `hcl:"event_retention,optional" json:"event_retention,omitempty" yaml:"event_retention,omitempty"`
	BanSeverity    string `hcl:"ban_severity,optional" json:"ban_severity,omitempty" yaml:"ban_severity,omitempty"`
	// BanDuration is how long a complaint keeps an address banned; 0 is forever.
	BanDuration   int    `hcl:"ban_duration,optional" json:"ban_duration,omitempty" yaml:"ban_duration,omitempty"`
	WhitelistPath string `hcl:"whitelist_path,optional" json:"whitelist_path,omitempty" yaml:"whitelist_path,omitempty"`
	BlacklistPath string `hcl:"blacklist_path,optional" json:"blacklist_path,omitempty" yaml:"blacklist_path,omitempty"`
	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty"`

	Log      *LogConfig      `hcl:"log,block" json:"log,omitempty" yaml:"log,omitempty"`
	Firewall *FirewallConfig `hcl:"firewall,block" json:"firewall,omitempty" yaml:"firewall,omitempty"`
	Toxic    *ToxicConfig    `hcl:"toxic,block" json:"toxic,omitempty" yaml:"toxic,omitempty"`
	Control  *ControlConfig  `hcl:"control,block" json:"control,omitempty" yaml:"control,omitempty"`
	IPCache  *IPCacheConfig  `hcl:"ip_cache,block" json:"ip_cache,omitempty" yaml:"ip_cache,omitempty"`
	Parsers  []ParserConfig  `hcl:"parser,block" json:"parsers,omitempty" yaml:"parsers,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	JSON       bool   `hcl:"json,optional" json:"json,omitempty" yaml:"json,omitempty"`
	File       string `hcl:"file,optional" json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `hcl:"max_size_mb,optional" json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `hcl:"max_backups,optional" json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `hcl:"max_age_days,optional" json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	Compress   bool   `hcl:"compress,optional" json:"compress,omitempty" yaml:"compress,omitempty"`
}

// FirewallConfig selects and tunes the packet-filter backend.
type FirewallConfig struct {
	Type            string `hcl:"type,optional" json:"type,omitempty" yaml:"type,omitempty"`
	ChainPrefix     string `hcl:"chain_prefix,optional" json:"chain_prefix,omitempty" yaml:"chain_prefix,omitempty"`
	Command         string `hcl:"command,optional" json:"command,omitempty" yaml:"command,omitempty"`
	RefreshInterval int    `hcl:"refresh_interval,optional" json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty"`
}

// ToxicConfig configures the third-party toxic address feed.
type ToxicConfig struct {
	Enabled  *bool  `hcl:"enabled,optional" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL      string `hcl:"url,optional" json:"url,omitempty" yaml:"url,omitempty"`
	Path     string `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
	Interval int    `hcl:"interval,optional" json:"interval,omitempty" yaml:"interval,omitempty"`
}

// ControlConfig configures the named pipe used by "ipban ban|allow".
type ControlConfig struct {
	Enabled   *bool  `hcl:"enabled,optional" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path      string `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
	Mode      string `hcl:"mode,optional" json:"mode,omitempty" yaml:"mode,omitempty"`
	TimeoutMS int    `hcl:"timeout_ms,optional" json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
}

// IPCacheConfig configures the directory-tree address cache.
type IPCacheConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
}

// ParserConfig is one tailed log glob with its record handler and triggers.
type ParserConfig struct {
	Name    string `hcl:"name,label" json:"name" yaml:"name"`
	File    string `hcl:"file,optional" json:"file,omitempty" yaml:"file,omitempty"`
	Handler string `hcl:"handler,optional" json:"handler,omitempty" yaml:"handler,omitempty"`

	MaximumAge              int  `hcl:"maximum_age,optional" json:"maximum_age,omitempty" yaml:"maximum_age,omitempty"`
	UpdateFileListFrequency int  `hcl:"update_file_list_frequency,optional" json:"update_file_list_frequency,omitempty" yaml:"update_file_list_frequency,omitempty"`
	CheckDoneFileFrequency  int  `hcl:"check_done_file_frequency,optional" json:"check_done_file_frequency,omitempty" yaml:"check_done_file_frequency,omitempty"`
	DebugSyntax             bool `hcl:"debug_syntax,optional" json:"debug_syntax,omitempty" yaml:"debug_syntax,omitempty"`

	// Regex handler only.
	Pattern    string `hcl:"pattern,optional" json:"pattern,omitempty" yaml:"pattern,omitempty"`
	TimeLayout string `hcl:"time_layout,optional" json:"time_layout,omitempty" yaml:"time_layout,omitempty"`
	Tag        string `hcl:"tag,optional" json:"tag,omitempty" yaml:"tag,omitempty"`

	// TriggerDuration is used by triggers that do not set a duration.
	TriggerDuration int             `hcl:"trigger_duration,optional" json:"trigger_duration,omitempty" yaml:"trigger_duration,omitempty"`
	Triggers        []TriggerConfig `hcl:"trigger,block" json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// TriggerConfig is a rate-limit rule. Count and Type are pointers so that a
// missing value can be told apart from zero.
type TriggerConfig struct {
	Codename    string  `hcl:"codename,label" json:"codename" yaml:"codename"`
	Count       *int    `hcl:"count,optional" json:"count,omitempty" yaml:"count,omitempty"`
	Type        *string `hcl:"type,optional" json:"type,omitempty" yaml:"type,omitempty"`
	Duration    *int    `hcl:"duration,optional" json:"duration,omitempty" yaml:"duration,omitempty"`
	Segments    int     `hcl:"segments,optional" json:"segments,omitempty" yaml:"segments,omitempty"`
	CountMethod string  `hcl:"count_method,optional" json:"count_method,omitempty" yaml:"count_method,omitempty"`
	Severity    string  `hcl:"severity,optional" json:"severity,omitempty" yaml:"severity,omitempty"`
}

const (
	DefaultLoopSleep        = 1
	DefaultWorkerTime       = 15
	DefaultTriggerInterval  = 15
	DefaultEventRetention   = 7 * 24 * 3600
	DefaultRefreshInterval  = 300
	DefaultToxicURL         = "http://www.stopforumspam.com/downloads/toxic_ip_cidr.txt"
	DefaultToxicInterval    = 24 * 3600
	DefaultControlTimeoutMS = 500
	DefaultUpdateFrequency  = 60
	DefaultCheckDone        = 3600
	DefaultSegments         = 10

	FirewallIPTables = "iptables"
	FirewallNone     = "none"

	CountMethodEvents = "events"
	CountMethodTypes  = "types"

	HandlerCombined = "combined"
	HandlerSSHD     = "sshd"
	HandlerRegex    = "regex"
)

// ApplyDefaults resolves every optional field to an explicit value. It is
// idempotent.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.LoopSleep == 0 {
		c.LoopSleep = DefaultLoopSleep
	}
	if c.WorkerTime == 0 {
		c.WorkerTime = DefaultWorkerTime
	}
	if c.TriggerInterval == 0 {
		c.TriggerInterval = DefaultTriggerInterval
	}
	if c.EventRetention == nil {
		v := DefaultEventRetention
		c.EventRetention = &v
	}
	if c.BanSeverity == "" {
		c.BanSeverity = "notice"
	}
	if c.WhitelistPath == "" {
		c.WhitelistPath = filepath.Join(brand.GetConfigDir(), "whitelist")
	}
	if c.BlacklistPath == "" {
		c.BlacklistPath = filepath.Join(brand.GetConfigDir(), "blacklist")
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Debug {
		c.Log.Level = "debug"
	}

	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	if c.Firewall.Type == "" {
		c.Firewall.Type = FirewallIPTables
	}
	if c.Firewall.ChainPrefix == "" {
		c.Firewall.ChainPrefix = brand.ChainPrefix
	}
	if c.Firewall.Command == "" {
		c.Firewall.Command = "iptables"
	}
	if c.Firewall.RefreshInterval == 0 {
		c.Firewall.RefreshInterval = DefaultRefreshInterval
	}

	if c.Toxic == nil {
		c.Toxic = &ToxicConfig{}
	}
	if c.Toxic.Enabled == nil {
		c.Toxic.Enabled = boolPtr(true)
	}
	if c.Toxic.URL == "" {
		c.Toxic.URL = DefaultToxicURL
	}
	if c.Toxic.Path == "" {
		c.Toxic.Path = filepath.Join(brand.GetConfigDir(), "toxic_ip")
	}
	if c.Toxic.Interval == 0 {
		c.Toxic.Interval = DefaultToxicInterval
	}

	if c.Control == nil {
		c.Control = &ControlConfig{}
	}
	if c.Control.Enabled == nil {
		c.Control.Enabled = boolPtr(true)
	}
	if c.Control.Path == "" {
		c.Control.Path = filepath.Join(c.StateDir, brand.FIFOName)
	}
	if c.Control.Mode == "" {
		c.Control.Mode = "0666"
	}
	if c.Control.TimeoutMS == 0 {
		c.Control.TimeoutMS = DefaultControlTimeoutMS
	}

	if c.IPCache == nil {
		c.IPCache = &IPCacheConfig{}
	}
	if c.IPCache.Path == "" {
		c.IPCache.Path = filepath.Join(c.StateDir, "ips")
	}

	for i := range c.Parsers {
		p := &c.Parsers[i]
		if p.UpdateFileListFrequency == 0 {
			p.UpdateFileListFrequency = DefaultUpdateFrequency
		}
		if p.CheckDoneFileFrequency == 0 {
			p.CheckDoneFileFrequency = DefaultCheckDone
		}
		for j := range p.Triggers {
			t := &p.Triggers[j]
			if t.Duration == nil {
				d := p.TriggerDuration
				t.Duration = &d
			}
			if t.Segments == 0 {
				t.Segments = DefaultSegments
			}
			if t.CountMethod == "" {
				t.CountMethod = CountMethodEvents
			}
			if t.Severity == "" {
				t.Severity = "notice"
			}
		}
	}
}

// DatabasePath is the SQLite file holding tailer state and complaints.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, brand.DatabaseName)
}

// ToxicEnabled reports whether the toxic feed is downloaded and applied.
func (c *Config) ToxicEnabled() bool {
	return c.Toxic != nil && (c.Toxic.Enabled == nil || *c.Toxic.Enabled)
}

// ControlEnabled reports whether the control pipe is read each cycle.
func (c *Config) ControlEnabled() bool {
	return c.Control != nil && (c.Control.Enabled == nil || *c.Control.Enabled)
}

// Parser returns the named parser block.
func (c *Config) Parser(name string) (*ParserConfig, bool) {
	for i := range c.Parsers {
		if c.Parsers[i].Name == name {
			return &c.Parsers[i], true
		}
	}
	return nil, false
}

func boolPtr(b bool) *bool { return &b }
