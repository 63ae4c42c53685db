// Package ctlchan is the daemon's inbound control channel: a named pipe in
// the state directory carrying one JSON message per line. "ipban ban" and
// "ipban allow" write to it; the daemon polls it once per cycle with a short
// read timeout.
package ctlchan

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/iplist"
)

// Command names.
const (
	CommandBan    = "ban"
	CommandAllow  = "allow"
	CommandStatus = "status"
)

// Message is one control request.
type Message struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	IP      string `json:"ip,omitempty"`
	Sent    int64  `json:"sent,omitempty"`
}

// NewMessage builds a message with a fresh ID.
func NewMessage(command, ip string) Message {
	return Message{
		ID:      uuid.New().String(),
		Command: command,
		IP:      ip,
		Sent:    time.Now().Unix(),
	}
}

// Validate checks the command and normalizes the address.
func (m *Message) Validate() error {
	switch m.Command {
	case CommandBan, CommandAllow:
		ip, err := iplist.Normalize(m.IP)
		if err != nil {
			return errors.Attr(errors.Wrapf(err, errors.KindSyntax, "invalid address for %s", m.Command), "ip", m.IP)
		}
		m.IP = ip
	case CommandStatus:
	default:
		return errors.Errorf(errors.KindSyntax, "unknown command %q", m.Command)
	}
	return nil
}

// Decode parses and validates one line.
func Decode(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return m, errors.Wrap(err, errors.KindSyntax, "malformed control message")
	}
	return m, m.Validate()
}

// Encode renders m as a single line.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
