package toxic

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestRetry_Success(t *testing.T) {
	count := 0
	res, err := Retry(context.Background(), fastRetry(), func() (int, error) {
		count++
		return 42, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != 42 || count != 1 {
		t.Errorf("expected 42 after 1 attempt, got %d after %d", res, count)
	}
}

func TestRetry_TemporaryThenSuccess(t *testing.T) {
	count := 0
	_, err := Retry(context.Background(), fastRetry(), func() (struct{}, error) {
		count++
		if count < 2 {
			return struct{}{}, WrapTemporary(errors.New("connection reset"))
		}
		return struct{}{}, nil
	})

	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 attempts, got %d", count)
	}
}

func TestRetry_MaxAttempts(t *testing.T) {
	base := errors.New("connection refused")
	count := 0
	_, err := Retry(context.Background(), fastRetry(), func() (int, error) {
		count++
		return 0, WrapTemporary(base)
	})

	if !errors.Is(err, base) {
		t.Errorf("expected error %v, got %v", base, err)
	}
	if count != 3 {
		t.Errorf("expected 3 attempts, got %d", count)
	}
}

func TestRetry_PermanentStops(t *testing.T) {
	count := 0
	_, err := Retry(context.Background(), fastRetry(), func() (int, error) {
		count++
		return 0, errors.New("http status 404")
	})

	if err == nil {
		t.Error("expected error")
	}
	if count != 1 {
		t.Errorf("expected 1 attempt, got %d", count)
	}
}

func TestRetry_ContextCancel(t *testing.T) {
	cfg := fastRetry()
	cfg.InitialDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, cfg, func() (int, error) {
		return 0, WrapTemporary(errors.New("fail"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
}

func TestWrapTemporary(t *testing.T) {
	base := errors.New("foo")
	wrapped := WrapTemporary(base)

	if !errors.Is(wrapped, ErrTemporary) {
		t.Error("should match ErrTemporary")
	}
	if wrapped.Error() != "foo" {
		t.Error("should preserve error message")
	}
	if errors.Unwrap(wrapped) != base {
		t.Error("should unwrap to base")
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2}
	if d := backoff(1, cfg); d != 2*time.Second {
		t.Errorf("expected 2s, got %v", d)
	}
	if d := backoff(10, cfg); d != 5*time.Second {
		t.Errorf("expected cap of 5s, got %v", d)
	}
}
