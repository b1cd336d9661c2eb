package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fastConfig keeps test sleeps in the microsecond range.
func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Microsecond,
		MaxDelay:     10 * time.Microsecond,
		Factor:       2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Fatalf("calls = %d, attempts = %d, want 1 and 1", calls, result.Attempts)
	}
}

func TestDo_RetriesTransientFailureUntilSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("connect to llm endpoint: connection refused (attempt %d)", calls)
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("Err = %v, want nil after eventual success", result.Err)
	}
	if result.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestDo_ExhaustsAttemptBudget(t *testing.T) {
	transient := errors.New("llm endpoint returned 503")
	calls := 0
	result := Do(context.Background(), fastConfig(4), func() error {
		calls++
		return transient
	})
	if calls != 4 || result.Attempts != 4 {
		t.Fatalf("calls = %d, attempts = %d, want 4 and 4", calls, result.Attempts)
	}
	if !errors.Is(result.Err, transient) {
		t.Fatalf("Err = %v, want the last transient error", result.Err)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return Permanent(errors.New("llm endpoint returned 401"))
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (permanent errors are never retried)", calls)
	}
	if !IsPermanent(result.Err) {
		t.Fatalf("Err = %v, want a permanent error", result.Err)
	}
}

func TestDo_ObservesCancellationBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	result := Do(ctx, fastConfig(5), func() error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 when the context is already cancelled", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Fatalf("Err = %v, want context.Canceled", result.Err)
	}
}

func TestDo_ObservesCancellationDuringBackoffSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Minute, MaxDelay: time.Minute, Factor: 2.0}

	done := make(chan Result, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			return errors.New("write plan file: transient io error")
		})
	}()

	cancel()
	select {
	case result := <-done:
		if !errors.Is(result.Err, context.Canceled) {
			t.Fatalf("Err = %v, want context.Canceled", result.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not abort its backoff sleep on cancellation")
	}
}

func TestDo_ZeroConfigStillRunsOnce(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Config{}, func() error {
		calls++
		return errors.New("tool transport timeout")
	})
	if calls != 1 || result.Attempts != 1 {
		t.Fatalf("calls = %d, attempts = %d, want one attempt from a zero config", calls, result.Attempts)
	}
}

func TestPermanent_NilIsNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should stay nil")
	}
	if IsPermanent(nil) {
		t.Fatal("IsPermanent(nil) should be false")
	}
}

func TestIsPermanent_SeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("dispatch tool call: %w", Permanent(errors.New("invalid arguments")))
	if !IsPermanent(err) {
		t.Fatalf("IsPermanent(%v) = false, want true through the wrap chain", err)
	}
}
