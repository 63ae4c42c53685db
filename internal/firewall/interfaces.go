package firewall

import (
	"context"
)

// CommandRunner abstracts external command execution so the packet filter
// can be replaced in tests.
type CommandRunner interface {
	// Run executes a command, discarding its output.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and returns its standard output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// LookPath resolves a command through PATH.
	LookPath(name string) (string, error)
}

// RealCommandRunner executes actual commands.
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}
