package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/severity"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a defaulted configuration. The returned error is a
// configuration error wrapping ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	for name, v := range map[string]int{
		"loop_sleep":       c.LoopSleep,
		"worker_time":      c.WorkerTime,
		"trigger_interval": c.TriggerInterval,
		"ban_duration":     c.BanDuration,
	} {
		if v < 0 {
			errs.add(name, "must not be negative")
		}
	}
	if c.EventRetention != nil && *c.EventRetention < 0 {
		errs.add("event_retention", "must not be negative")
	}
	if _, err := severity.Parse(c.BanSeverity); err != nil {
		errs.add("ban_severity", "%v", err)
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			errs.add("metrics_listen", "%v", err)
		}
	}

	if c.Log != nil {
		if _, err := logging.ParseLevel(c.Log.Level); err != nil {
			errs.add("log.level", "%v", err)
		}
	}

	if c.Firewall != nil {
		switch c.Firewall.Type {
		case FirewallIPTables, FirewallNone:
		default:
			errs.add("firewall.type", "unsupported firewall type %q", c.Firewall.Type)
		}
		if strings.ContainsAny(c.Firewall.ChainPrefix, " \t") {
			errs.add("firewall.chain_prefix", "must not contain whitespace")
		}
		if c.Firewall.RefreshInterval < 0 {
			errs.add("firewall.refresh_interval", "must not be negative")
		}
	}

	if c.Control != nil && c.Control.Mode != "" {
		if _, err := c.Control.FileMode(); err != nil {
			errs.add("control.mode", "%v", err)
		}
	}

	seen := make(map[string]bool)
	for _, p := range c.Parsers {
		field := "parser." + p.Name
		if seen[p.Name] {
			errs.add(field, "duplicate parser")
		}
		seen[p.Name] = true
		c.validateParser(&p, field, &errs)
	}

	if errs.HasErrors() {
		return errors.Wrap(errs, errors.KindConfiguration, "invalid configuration")
	}
	return nil
}

func (c *Config) validateParser(p *ParserConfig, field string, errs *ValidationErrors) {
	if p.File == "" {
		errs.add(field, "missing file")
	}
	switch p.Handler {
	case "":
		errs.add(field, "missing handler")
	case HandlerCombined, HandlerSSHD:
	case HandlerRegex:
		if p.Pattern == "" {
			errs.add(field+".pattern", "regex handler requires a pattern")
			break
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			errs.add(field+".pattern", "%v", err)
			break
		}
		if re.SubexpIndex("ip") < 0 {
			errs.add(field+".pattern", "pattern must have a named group \"ip\"")
		}
		if re.SubexpIndex("time") >= 0 && p.TimeLayout == "" {
			errs.add(field+".time_layout", "required when pattern captures time")
		}
		if p.Tag == "" {
			errs.add(field+".tag", "regex handler requires a tag")
		}
	default:
		errs.add(field, "unknown handler %q", p.Handler)
	}
	if p.MaximumAge < 0 || p.TriggerDuration < 0 {
		errs.add(field, "durations must not be negative")
	}

	for _, t := range p.Triggers {
		tf := field + ".trigger." + t.Codename
		if t.Count == nil {
			errs.add(tf, "missing count")
		} else if *t.Count < 1 {
			errs.add(tf, "count must be positive")
		}
		if t.Type == nil || *t.Type == "" {
			errs.add(tf, "missing type")
		}
		if t.Duration != nil && *t.Duration < 0 {
			errs.add(tf, "duration must not be negative")
		}
		if t.Segments < 0 {
			errs.add(tf, "segments must not be negative")
		}
		switch t.CountMethod {
		case "", CountMethodEvents, CountMethodTypes:
		default:
			errs.add(tf, "unknown count_method %q", t.CountMethod)
		}
		if _, err := severity.Parse(t.Severity); err != nil {
			errs.add(tf, "%v", err)
		}
	}
}

// FileMode parses the octal pipe mode.
func (c *ControlConfig) FileMode() (os.FileMode, error) {
	if c.Mode == "" {
		return 0o666, nil
	}
	m, err := strconv.ParseUint(c.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", c.Mode)
	}
	return os.FileMode(m) & os.ModePerm, nil
}
