package retry

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	dserr "github.com/i4g/dossiers/pkg/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		Strategy:    &LinearBackoff{Delay: time.Millisecond, MaxAttempts: attempts},
	}
}

func TestExecuteWithRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	got, err := ExecuteWithRetry(context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", dserr.New(dserr.CodeLeaseConflict, "busy")
		}
		return "ok", nil
	}, fastConfig(3))
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestExecuteWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := ExecuteWithRetry(context.Background(), func() (int, error) {
		calls++
		return 0, dserr.New(dserr.CodeDuplicatePlan, "exists")
	}, fastConfig(5))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !stderrors.Is(err, dserr.ErrDuplicatePlan) {
		t.Errorf("error = %v, want ErrDuplicatePlan", err)
	}
	if strings.Contains(err.Error(), "attempts") {
		t.Errorf("single attempt should not be annotated: %v", err)
	}
}

func TestExecuteWithRetryExhausts(t *testing.T) {
	retries := 0
	cfg := fastConfig(3)
	cfg.OnRetry = func(int, error) { retries++ }
	_, err := ExecuteWithRetry(context.Background(), func() (int, error) {
		return 0, stderrors.New("flaky")
	}, cfg)
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error = %v, want exhaustion after 3 attempts", err)
	}
	if retries != 2 {
		t.Errorf("OnRetry calls = %d, want 2", retries)
	}
}

func TestExecuteWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts: 5,
		Strategy:    &LinearBackoff{Delay: time.Hour, MaxAttempts: 5},
	}
	go cancel()
	_, err := ExecuteWithRetry(ctx, func() (int, error) {
		return 0, stderrors.New("flaky")
	}, cfg)
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	if got := b.NextDelay(0); got != 100*time.Millisecond {
		t.Errorf("NextDelay(0) = %v", got)
	}
	if got := b.NextDelay(10); got != time.Second {
		t.Errorf("NextDelay(10) = %v, want cap", got)
	}
	if b.ShouldRetry(0, context.DeadlineExceeded) {
		t.Error("deadline errors must not be retried")
	}
}
