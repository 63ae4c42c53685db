package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zesk/ipban/internal/errors"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func validConfig() *Config {
	cfg := &Config{
		Parsers: []ParserConfig{{
			Name:    "nginx",
			File:    "/var/log/nginx/access.log",
			Handler: HandlerCombined,
			Triggers: []TriggerConfig{{
				Codename: "http404",
				Count:    intPtr(20),
				Type:     strPtr("http-404"),
			}},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing file", func(c *Config) { c.Parsers[0].File = "" }, "missing file"},
		{"missing handler", func(c *Config) { c.Parsers[0].Handler = "" }, "missing handler"},
		{"unknown handler", func(c *Config) { c.Parsers[0].Handler = "Apache" }, "unknown handler"},
		{"missing count", func(c *Config) { c.Parsers[0].Triggers[0].Count = nil }, "missing count"},
		{"zero count", func(c *Config) { c.Parsers[0].Triggers[0].Count = intPtr(0) }, "count must be positive"},
		{"missing type", func(c *Config) { c.Parsers[0].Triggers[0].Type = nil }, "missing type"},
		{"bad count method", func(c *Config) { c.Parsers[0].Triggers[0].CountMethod = "bytes" }, "unknown count_method"},
		{"bad severity", func(c *Config) { c.Parsers[0].Triggers[0].Severity = "meh" }, "unknown severity"},
		{"negative duration", func(c *Config) { c.Parsers[0].Triggers[0].Duration = intPtr(-1) }, "duration must not be negative"},
		{"bad firewall", func(c *Config) { c.Firewall.Type = "pf" }, "unsupported firewall type"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "unknown log level"},
		{"bad mode", func(c *Config) { c.Control.Mode = "rw" }, "invalid mode"},
		{"duplicate parser", func(c *Config) { c.Parsers = append(c.Parsers, c.Parsers[0]) }, "duplicate parser"},
		{"regex without pattern", func(c *Config) { c.Parsers[0].Handler = HandlerRegex }, "requires a pattern"},
		{"regex without ip group", func(c *Config) {
			c.Parsers[0].Handler = HandlerRegex
			c.Parsers[0].Pattern = `^(?P<host>\S+)`
			c.Parsers[0].Tag = "x"
		}, `named group "ip"`},
		{"regex time without layout", func(c *Config) {
			c.Parsers[0].Handler = HandlerRegex
			c.Parsers[0].Pattern = `^(?P<time>\S+) (?P<ip>\S+)`
			c.Parsers[0].Tag = "x"
		}, "required when pattern captures time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestControlFileMode(t *testing.T) {
	m, err := (&ControlConfig{Mode: "0640"}).FileMode()
	require.NoError(t, err)
	assert.Equal(t, "-rw-r-----", m.String())
}
