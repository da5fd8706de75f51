package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := Do(ctx, fastConfig(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("gone")
	calls := 0
	err := Do(ctx, fastConfig(), func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("got %v, want ErrPermanent", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause %v not reachable through %v", cause, err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := Do(ctx, fastConfig(), func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (first try plus three retries)", calls)
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("got %v, want ErrExhausted", err)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("got %T, want *Error", err)
	}
	if re.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", re.Attempts)
	}
}

func TestDoWithResult(t *testing.T) {
	ctx := context.Background()
	calls := 0
	got, err := DoWithResult(ctx, fastConfig(), func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("DoWithResult: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want %q", got, "ok")
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Do(ctx, fastConfig(), func(context.Context) error {
		t.Fatal("function ran with a dead context")
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}

	// Cancellation between attempts reports the last cause too.
	ctx2, cancel2 := context.WithCancel(context.Background())
	cause := errors.New("mid-flight")
	err := Do(ctx2, fastConfig(), func(context.Context) error {
		cancel2()
		return cause
	})
	if !errors.Is(err, ErrInterrupted) {
		t.Errorf("got %v, want ErrInterrupted", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause %v not reachable through %v", cause, err)
	}
}

func TestCustomClassifier(t *testing.T) {
	ctx := context.Background()
	sentinel := errors.New("do not retry")
	cfg := fastConfig()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, sentinel) }

	calls := 0
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return sentinel
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("got %v, want ErrPermanent", err)
	}
}
