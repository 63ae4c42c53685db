package tailer

import (
	"strings"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/errors"
)

// Tag is a typed observation attached to a record, such as
// {Type: "http-404", Value: "/wp-login.php"}.
type Tag struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Record is one parsed log line. Timestamp is always set. IP and Tags may
// be empty for lines that carry no event of interest.
type Record struct {
	Timestamp int64             `json:"timestamp"`
	IP        string            `json:"ip,omitempty"`
	Tags      []Tag             `json:"tags,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// HasEvent reports whether the record should be stored.
func (r Record) HasEvent() bool {
	return r.IP != "" && len(r.Tags) > 0
}

// Handler parses single log lines. A line that does not parse returns an
// error of kind KindSyntax.
type Handler interface {
	Kind() string
	Parse(line string) (Record, error)
}

// NewHandler builds the handler named by cfg.Handler.
func NewHandler(cfg config.ParserConfig, clk clock.Clock) (Handler, error) {
	clk = clock.OrDefault(clk)
	switch strings.ToLower(cfg.Handler) {
	case config.HandlerCombined:
		return &CombinedHandler{}, nil
	case config.HandlerSSHD:
		return &SSHDHandler{clock: clk}, nil
	case config.HandlerRegex:
		return NewRegexHandler(cfg.Pattern, cfg.TimeLayout, cfg.Tag, clk)
	default:
		return nil, errors.Errorf(errors.KindConfiguration, "parser %s: unknown handler %q", cfg.Name, cfg.Handler)
	}
}

func syntaxError(line string, format string, args ...any) error {
	if len(line) > 200 {
		line = line[:200]
	}
	return errors.Attr(errors.Errorf(errors.KindSyntax, format, args...), "line", line)
}
