package ctlchan

import (
	"bytes"
	"context"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/metrics"
)

const (
	DefaultTimeout = 500 * time.Millisecond
	maxPending     = 64 << 10
)

// Listener reads messages from a named pipe.
type Listener struct {
	path    string
	timeout time.Duration
	f       *os.File
	pending []byte
	logger  *logging.Logger
}

// Listen creates the pipe at path with the given permissions if it does
// not exist, then opens it for reading. The pipe is opened read-write so
// that it never reports end of file when a writer goes away.
func Listen(path string, mode os.FileMode, timeout time.Duration) (*Listener, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	st, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := unix.Mkfifo(path, uint32(mode.Perm())); err != nil {
			return nil, errors.Wrapf(err, errors.KindConfiguration, "create control pipe %s", path)
		}
	case err != nil:
		return nil, errors.Wrapf(err, errors.KindIO, "stat control pipe %s", path)
	case st.Mode()&os.ModeNamedPipe == 0:
		return nil, errors.Errorf(errors.KindConfiguration, "%s exists and is not a named pipe", path)
	}
	// Mkfifo is subject to the umask
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "chmod control pipe %s", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "open control pipe %s", path)
	}
	logger := logging.WithComponent("ctlchan")
	logger.Debug("Opened control pipe", "path", path)
	return &Listener{path: path, timeout: timeout, f: f, logger: logger}, nil
}

// Path returns the pipe location.
func (l *Listener) Path() string {
	return l.path
}

// Receive waits up to the read timeout for data and returns the complete
// messages read. Malformed lines are logged and dropped; a partial line is
// kept for the next call.
func (l *Listener) Receive(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(l.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.f.SetReadDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "set control pipe deadline")
	}

	buf := make([]byte, 4096)
	n, err := l.f.Read(buf)
	if n > 0 {
		l.pending = append(l.pending, buf[:n]...)
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, errors.Wrap(err, errors.KindIO, "read control pipe")
	}
	return l.drain(), nil
}

func (l *Listener) drain() []Message {
	var out []Message
	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(l.pending[:idx])
		l.pending = l.pending[idx+1:]
		if len(line) == 0 {
			continue
		}
		m, err := Decode(line)
		if err != nil {
			l.logger.Warn("Dropped control message", "error", err, "line", string(line))
			metrics.Get().ControlMessages.WithLabelValues("invalid").Inc()
			continue
		}
		metrics.Get().ControlMessages.WithLabelValues(m.Command).Inc()
		l.logger.Info("Received control message", "command", m.Command, "ip", m.IP, "id", m.ID)
		out = append(out, m)
	}
	if len(l.pending) > maxPending {
		l.logger.Warn("Discarding oversized control input", "bytes", len(l.pending))
		l.pending = nil
	}
	if len(l.pending) == 0 {
		l.pending = nil
	}
	return out
}

// Close closes the pipe. The pipe file is left in place.
func (l *Listener) Close() error {
	return l.f.Close()
}

// Send writes m to the pipe at path. It fails when no daemon has the pipe
// open.
func Send(path string, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := Encode(m)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode control message")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, syscall.ENXIO) {
			return errors.Errorf(errors.KindIO, "no daemon is reading %s", path)
		}
		return errors.Wrapf(err, errors.KindIO, "open control pipe %s", path)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.Wrapf(err, errors.KindIO, "write control pipe %s", path)
	}
	return nil
}
