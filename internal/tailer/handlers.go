package tailer

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/errors"
)

// combinedLogFormat matches the Apache/nginx combined format; the referer
// and user agent are optional so the common format parses as well.
var combinedLogFormat = regexp.MustCompile(`^(\S+) \S+ (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+)(?: "([^"]*)" "([^"]*)")?`)

const combinedTimeLayout = "02/Jan/2006:15:04:05 -0700"

// CombinedHandler parses web server access logs. Responses with a status of
// 400 or above are tagged "http-<status>" with the request path as value.
type CombinedHandler struct{}

func (h *CombinedHandler) Kind() string { return "combined" }

func (h *CombinedHandler) Parse(line string) (Record, error) {
	m := combinedLogFormat.FindStringSubmatch(line)
	if m == nil {
		return Record{}, syntaxError(line, "not a combined log line")
	}
	ip, err := parseAddr(m[1])
	if err != nil {
		return Record{}, syntaxError(line, "bad client address %q", m[1])
	}
	ts, err := time.Parse(combinedTimeLayout, m[3])
	if err != nil {
		return Record{}, syntaxError(line, "bad time %q", m[3])
	}

	method, path := "", ""
	if parts := strings.Fields(m[4]); len(parts) >= 2 {
		method, path = parts[0], parts[1]
	} else if len(parts) == 1 {
		path = parts[0]
	}

	rec := Record{
		Timestamp: ts.Unix(),
		IP:        ip,
		Fields: map[string]string{
			"user":       m[2],
			"request":    m[4],
			"method":     method,
			"path":       path,
			"status":     m[5],
			"bytes":      m[6],
			"referer":    m[7],
			"user_agent": m[8],
		},
	}
	if status, _ := strconv.Atoi(m[5]); status >= 400 {
		rec.Tags = []Tag{{Type: "http-" + m[5], Value: path}}
	}
	return rec, nil
}

var (
	syslogLine = regexp.MustCompile(`^([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}|\d{4}-\d{2}-\d{2}T\S+) (\S+) ([^\s\[:]+)(?:\[\d+\])?: (.*)$`)

	sshdRules = []struct {
		tag     string
		re      *regexp.Regexp
		ipGroup int
		value   int
	}{
		{"ssh-invalid-user", regexp.MustCompile(`^Failed \S+ for invalid user (\S*) from (\S+)`), 2, 1},
		{"ssh-failed-password", regexp.MustCompile(`^Failed \S+ for (\S+) from (\S+)`), 2, 1},
		{"ssh-invalid-user", regexp.MustCompile(`^Invalid user (\S*) from (\S+)`), 2, 1},
		{"ssh-auth-failure", regexp.MustCompile(`authentication failure;.* rhost=(\S+)(?:\s+user=(\S+))?`), 1, 2},
		{"ssh-no-identification", regexp.MustCompile(`^Did not receive identification string from (\S+)`), 1, 0},
		{"ssh-preauth-closed", regexp.MustCompile(`^Connection (?:closed|reset) by (?:authenticating|invalid) user (\S*) (\S+) port \d+ \[preauth\]`), 2, 1},
		{"ssh-max-auth", regexp.MustCompile(`^error: maximum authentication attempts exceeded for (?:invalid user )?(\S*) from (\S+)`), 2, 1},
	}
)

// SSHDHandler parses syslog lines and tags sshd authentication failures.
// Lines from other programs parse with no tags.
type SSHDHandler struct {
	clock clock.Clock
}

func (h *SSHDHandler) Kind() string { return "sshd" }

func (h *SSHDHandler) Parse(line string) (Record, error) {
	m := syslogLine.FindStringSubmatch(line)
	if m == nil {
		return Record{}, syntaxError(line, "not a syslog line")
	}
	ts, err := parseSyslogTime(m[1], clock.OrDefault(h.clock).Now())
	if err != nil {
		return Record{}, syntaxError(line, "bad time %q", m[1])
	}
	rec := Record{
		Timestamp: ts.Unix(),
		Fields: map[string]string{
			"host":    m[2],
			"program": m[3],
			"message": m[4],
		},
	}
	if m[3] != "sshd" {
		return rec, nil
	}
	for _, rule := range sshdRules {
		sm := rule.re.FindStringSubmatch(m[4])
		if sm == nil {
			continue
		}
		ip, err := parseAddr(sm[rule.ipGroup])
		if err != nil {
			return Record{}, syntaxError(line, "bad remote address %q", sm[rule.ipGroup])
		}
		value := ""
		if rule.value > 0 {
			value = sm[rule.value]
		}
		rec.IP = ip
		rec.Tags = []Tag{{Type: rule.tag, Value: value}}
		break
	}
	return rec, nil
}

// parseSyslogTime handles both the traditional year-less stamp and RFC 3339.
// A year-less stamp more than a day in the future belongs to last year.
func parseSyslogTime(s string, now time.Time) (time.Time, error) {
	if strings.Contains(s, "T") {
		return time.Parse(time.RFC3339Nano, s)
	}
	t, err := time.ParseInLocation(time.Stamp, s, now.Location())
	if err != nil {
		return t, err
	}
	t = t.AddDate(now.Year(), 0, 0)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}

// RegexHandler applies a user pattern with named groups "ip" (required),
// "time" and "value". Every match is tagged with a fixed type.
type RegexHandler struct {
	re      *regexp.Regexp
	layout  string
	tag     string
	clock   clock.Clock
	ipIdx   int
	timeIdx int
	valIdx  int
}

// NewRegexHandler compiles a regex handler.
func NewRegexHandler(pattern, layout, tag string, clk clock.Clock) (*RegexHandler, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfiguration, "invalid pattern %q", pattern)
	}
	h := &RegexHandler{
		re:      re,
		layout:  layout,
		tag:     strings.ToLower(tag),
		clock:   clock.OrDefault(clk),
		ipIdx:   re.SubexpIndex("ip"),
		timeIdx: re.SubexpIndex("time"),
		valIdx:  re.SubexpIndex("value"),
	}
	if h.ipIdx < 0 {
		return nil, errors.Errorf(errors.KindConfiguration, "pattern %q has no ip group", pattern)
	}
	if h.tag == "" {
		h.tag = "regex"
	}
	return h, nil
}

func (h *RegexHandler) Kind() string { return "regex" }

func (h *RegexHandler) Parse(line string) (Record, error) {
	m := h.re.FindStringSubmatch(line)
	if m == nil {
		return Record{}, syntaxError(line, "no match")
	}
	ip, err := parseAddr(m[h.ipIdx])
	if err != nil {
		return Record{}, syntaxError(line, "bad address %q", m[h.ipIdx])
	}

	ts := h.clock.Now()
	if h.timeIdx >= 0 && m[h.timeIdx] != "" {
		ts, err = h.parseTime(m[h.timeIdx])
		if err != nil {
			return Record{}, syntaxError(line, "bad time %q", m[h.timeIdx])
		}
	}

	rec := Record{Timestamp: ts.Unix(), IP: ip, Fields: make(map[string]string)}
	for i, name := range h.re.SubexpNames() {
		if name != "" {
			rec.Fields[name] = m[i]
		}
	}
	value := ""
	if h.valIdx >= 0 {
		value = m[h.valIdx]
	}
	rec.Tags = []Tag{{Type: h.tag, Value: value}}
	return rec, nil
}

func (h *RegexHandler) parseTime(s string) (time.Time, error) {
	if h.layout == "" {
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(sec, 0), nil
		}
		return time.Parse(time.RFC3339, s)
	}
	return time.ParseInLocation(h.layout, s, time.Local)
}

func parseAddr(s string) (string, error) {
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return "", err
	}
	return addr.Unmap().String(), nil
}
