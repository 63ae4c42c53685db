package firewall

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/zesk/ipban/internal/errors"
)

// Run executes a command without capturing output.
func (r *RealCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return commandError(err, name, args, out)
	}
	return nil
}

// Output executes a command and returns its output.
func (r *RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, commandError(err, name, args, stderr.Bytes())
	}
	return out, nil
}

// LookPath resolves name through PATH.
func (r *RealCommandRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func commandError(err error, name string, args []string, out []byte) error {
	cmdline := name + " " + strings.Join(args, " ")
	e := errors.Wrapf(err, errors.KindCommand, "command %s failed: %s", cmdline, strings.TrimSpace(string(out)))
	return errors.Attr(e, "command", cmdline)
}
