package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Params{
	BaseDelay:     time.Millisecond,
	BackoffFactor: 2.0,
	MaxRetries:    3,
	MaxDelay:      10 * time.Millisecond,
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fast, func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("Do = (%d, %v), want (42, nil)", v, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fast, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("Do = (%d, %v), want (7, nil)", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("no point retrying")
	calls := 0
	_, err := Do(context.Background(), fast, func() (int, error) {
		calls++
		return 0, Permanent(sentinel)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapped sentinel", err)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, func() (int, error) {
		calls++
		return 0, errors.New("always failing")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// MaxRetries retries means MaxRetries+1 attempts.
	if calls != int(fast.MaxRetries)+1 {
		t.Errorf("calls = %d, want %d", calls, fast.MaxRetries+1)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Do(ctx, fast, func() (int, error) {
		calls++
		return 0, errors.New("failing")
	})
	if err == nil {
		t.Fatal("expected error with canceled context")
	}
	if calls > 1 {
		t.Errorf("calls = %d, want at most 1", calls)
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error reported permanent")
	}
	if !IsPermanent(Permanent(errors.New("fatal"))) {
		t.Error("marked error not reported permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
