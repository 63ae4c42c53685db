package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/config"
	ierrors "github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/severity"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) CountByIP(ctx context.Context, q CountQuery) (map[string]int, error) {
	args := m.Called(q)
	if v := args.Get(0); v != nil {
		// Return a copy so callers may modify it
		src := v.(map[string]int)
		out := make(map[string]int, len(src))
		for k, n := range src {
			out[k] = n
		}
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func mustTrigger(t *testing.T, cfg config.TriggerConfig) *Trigger {
	t.Helper()
	tr, err := New(cfg, nil)
	require.NoError(t, err)
	return tr
}

func TestNew(t *testing.T) {
	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(5), Type: strp("HTTP-404"), Duration: intp(3600)})
	assert.Equal(t, "http-404", tr.Type)
	assert.Equal(t, 10, tr.Segments)
	assert.Equal(t, int64(360), tr.Segment)
	assert.Equal(t, config.CountMethodEvents, tr.CountMethod)
	assert.Equal(t, severity.Notice, tr.Severity)

	short := mustTrigger(t, config.TriggerConfig{Codename: "b", Count: intp(1), Type: strp("x"), Duration: intp(120), Segments: 10})
	assert.Equal(t, int64(MinimumSegment), short.Segment)

	forever := mustTrigger(t, config.TriggerConfig{Codename: "c", Count: intp(1), Type: strp("x")})
	assert.Zero(t, forever.Duration)
	assert.Zero(t, forever.Segment)
}

func TestNew_MissingFields(t *testing.T) {
	_, err := New(config.TriggerConfig{Codename: "a", Type: strp("x")}, nil)
	assert.True(t, ierrors.IsConfiguration(err))

	_, err = New(config.TriggerConfig{Codename: "a", Count: intp(1)}, nil)
	assert.True(t, ierrors.IsConfiguration(err))

	_, err = New(config.TriggerConfig{Codename: "a", Count: intp(1), Type: strp("x"), CountMethod: "bytes"}, nil)
	assert.True(t, ierrors.IsConfiguration(err))

	_, err = New(config.TriggerConfig{Codename: "a", Count: intp(1), Type: strp("x"), Severity: "loud"}, nil)
	assert.True(t, ierrors.IsConfiguration(err))
}

func TestDescription(t *testing.T) {
	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(5), Type: strp("ssh"), Duration: intp(600), Severity: "warning"})
	assert.Equal(t, "severity warning - more than 5 events of type ssh every 600 seconds.", tr.Description())

	tr = mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(3), Type: strp("ssh")})
	assert.Equal(t, "severity notice - more than 3 events of type ssh ever.", tr.Description())
}

func TestMerge_DeltaLaw(t *testing.T) {
	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(5), Type: strp("x"), Duration: intp(3600), Segments: 10})
	now := int64(1_700_000_000)

	assert.Equal(t, map[string]int{"A": 3}, tr.Merge(map[string]int{"A": 3}, now))
	assert.Equal(t, map[string]int{"A": 4}, tr.Merge(map[string]int{"A": 7}, now+1))
	n, ok := tr.Stored("A", now)
	require.True(t, ok)
	assert.Equal(t, 7, n)

	// Lower or equal counts emit nothing; new addresses emit in full
	got := tr.Merge(map[string]int{"A": 6, "B": 2}, now+2)
	assert.Equal(t, map[string]int{"B": 2}, got)
	n, _ = tr.Stored("A", now)
	assert.Equal(t, 7, n)

	// Addresses only in the bucket produce nothing
	assert.Empty(t, tr.Merge(map[string]int{}, now+3))
}

func TestMerge_NewBucketEmitsVerbatim(t *testing.T) {
	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(1), Type: strp("x"), Duration: intp(600), Segments: 10})
	now := int64(6000)

	tr.Merge(map[string]int{"A": 5}, now)
	// 60 second segments: the next bucket starts over
	assert.Equal(t, map[string]int{"A": 5}, tr.Merge(map[string]int{"A": 5}, now+60))
	assert.Equal(t, []int64{6000, 6060}, tr.Buckets())
}

func TestMerge_Culling(t *testing.T) {
	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(1), Type: strp("x"), Duration: intp(600), Segments: 10})

	tr.Merge(map[string]int{"A": 1}, 6000)
	tr.Merge(map[string]int{"A": 1}, 6300)
	assert.Equal(t, []int64{6000, 6300}, tr.Buckets())

	// 6000 < 6601-600
	tr.Merge(map[string]int{"A": 1}, 6601)
	assert.Equal(t, []int64{6300, 6600}, tr.Buckets())
}

func TestMerge_Unbounded(t *testing.T) {
	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(2), Type: strp("x")})

	assert.Equal(t, map[string]int{"A": 2}, tr.Merge(map[string]int{"A": 2}, 100))
	assert.Empty(t, tr.Merge(map[string]int{"A": 2}, 10_000_000))
	assert.Equal(t, map[string]int{"A": 1}, tr.Merge(map[string]int{"A": 3}, 99_000_000))
	assert.Equal(t, []int64{0}, tr.Buckets())
}

func TestMerge_NeverEmitsZero(t *testing.T) {
	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(0), Type: strp("x")})
	got := tr.Merge(map[string]int{"A": 0}, 10)
	assert.Empty(t, got)
}

func TestEvaluate(t *testing.T) {
	src := &mockSource{}
	src.On("CountByIP", CountQuery{Type: "x", Since: 1000 - 600, Until: 1000, Method: "events", Minimum: 3}).
		Return(map[string]int{"A": 5, "B": 2, "C": 3}, nil)

	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(3), Type: strp("x"), Duration: intp(600)})
	got, err := tr.Evaluate(context.Background(), src, 1000)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 5, "C": 3}, got)
	src.AssertExpectations(t)
}

func TestEvaluate_UnboundedWindow(t *testing.T) {
	src := &mockSource{}
	src.On("CountByIP", CountQuery{Type: "x", Method: "types", Minimum: 1}).Return(map[string]int{"A": 1}, nil)

	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(1), Type: strp("x"), CountMethod: "types"})
	got, err := tr.Evaluate(context.Background(), src, 1000)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 1}, got)
}

func TestEvaluate_Error(t *testing.T) {
	src := &mockSource{}
	src.On("CountByIP", mock.Anything).Return(nil, errors.New("database is locked"))

	tr := mustTrigger(t, config.TriggerConfig{Codename: "a", Count: intp(1), Type: strp("x")})
	_, err := tr.Run(context.Background(), src, 1000)
	assert.EqualError(t, err, "database is locked")
}

func TestEngine_Run(t *testing.T) {
	clk := clock.NewMockClockUnix(10_000)
	src := &mockSource{}
	src.On("CountByIP", mock.MatchedBy(func(q CountQuery) bool { return q.Type == "ssh" })).
		Return(map[string]int{"198.51.100.1": 6}, nil)

	eng := NewEngine([]config.TriggerConfig{
		{Codename: "ssh", Count: intp(5), Type: strp("ssh"), Duration: intp(600), Severity: "warning"},
		{Codename: "broken", Type: strp("ssh")},
	}, EngineOptions{Parser: "auth", Interval: 15 * time.Second, Clock: clk})

	results, err := eng.Run(context.Background(), src, 9_990)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ssh", results[0].Codename)
	assert.Equal(t, severity.Warning, results[0].Severity)
	assert.Equal(t, map[string]int{"198.51.100.1": 6}, results[0].Counts)
	assert.Nil(t, eng.Trigger("broken"))

	// Within the interval nothing runs
	results, err = eng.Run(context.Background(), src, 9_995)
	require.NoError(t, err)
	assert.Empty(t, results)
	src.AssertNumberOfCalls(t, "CountByIP", 1)

	// Same bucket, same count: no delta
	clk.Advance(15 * time.Second)
	results, err = eng.Run(context.Background(), src, 9_999)
	require.NoError(t, err)
	assert.Empty(t, results)
	src.AssertNumberOfCalls(t, "CountByIP", 2)
}

func TestEngine_SkipsWithoutRecords(t *testing.T) {
	src := &mockSource{}
	eng := NewEngine([]config.TriggerConfig{
		{Codename: "ssh", Count: intp(5), Type: strp("ssh")},
	}, EngineOptions{Parser: "auth", Clock: clock.NewMockClockUnix(1)})

	results, err := eng.Run(context.Background(), src, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
	src.AssertNotCalled(t, "CountByIP", mock.Anything)
}

func TestEngine_QueryError(t *testing.T) {
	src := &mockSource{}
	src.On("CountByIP", mock.Anything).Return(nil, errors.New("boom"))
	eng := NewEngine([]config.TriggerConfig{
		{Codename: "ssh", Count: intp(5), Type: strp("ssh")},
	}, EngineOptions{Parser: "auth", Clock: clock.NewMockClockUnix(1)})

	_, err := eng.Run(context.Background(), src, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
