package firewall

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockCommandRunner is a mock implementation of CommandRunner for testing.
// Expectations are set on the command name and arguments; the context is
// not part of the match.
type MockCommandRunner struct {
	mock.Mock
}

func callArgs(name string, args []string) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, name)
	for _, a := range args {
		out = append(out, a)
	}
	return out
}

func (m *MockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	result := m.Called(callArgs(name, args)...)
	return result.Error(0)
}

func (m *MockCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	result := m.Called(callArgs(name, args)...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockCommandRunner) LookPath(name string) (string, error) {
	result := m.Called(name)
	return result.String(0), result.Error(1)
}
