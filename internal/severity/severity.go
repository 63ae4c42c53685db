// Package severity names complaint severities using the syslog scale.
//
// Higher values are more severe, so "at or above the ban severity" is a
// plain integer comparison.
package severity

import (
	"fmt"
	"strings"
)

// Level is a syslog severity, ordered from least to most severe.
type Level int

const (
	Debug Level = iota
	Info
	Notice
	Warning
	Error
	Critical
	Alert
	Emergency
)

var names = [...]string{"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency"}

var aliases = map[string]Level{
	"warn":  Warning,
	"err":   Error,
	"crit":  Critical,
	"emerg": Emergency,
}

func (l Level) String() string {
	if l < Debug || l > Emergency {
		return fmt.Sprintf("severity(%d)", int(l))
	}
	return names[l]
}

// Parse resolves a severity name. An empty name is Notice.
func Parse(name string) (Level, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return Notice, nil
	}
	for i, s := range names {
		if s == n {
			return Level(i), nil
		}
	}
	if l, ok := aliases[n]; ok {
		return l, nil
	}
	return Notice, fmt.Errorf("unknown severity %q", name)
}

// AtLeast reports whether l is as severe as min or more.
func (l Level) AtLeast(min Level) bool {
	return l >= min
}
