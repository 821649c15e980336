package timeout

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Manager manages timeout configuration
type Manager struct {
	global    time.Duration
	operation map[string]time.Duration
	mu        sync.RWMutex
}

// NewManager creates a new timeout manager
func NewManager(globalTimeout time.Duration) *Manager {
	return &Manager{
		global:    globalTimeout,
		operation: make(map[string]time.Duration),
	}
}

// SetOperationTimeout sets timeout for specific operation
func (m *Manager) SetOperationTimeout(operation string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operation[operation] = timeout
}

// GetTimeout returns the timeout for operation. An earlier context deadline wins.
func (m *Manager) GetTimeout(ctx context.Context, operation string) time.Duration {
	m.mu.RLock()
	timeout, exists := m.operation[operation]
	if !exists {
		timeout = m.global
	}
	m.mu.RUnlock()

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			return remaining
		}
	}
	return timeout
}

// WithTimeout creates context with timeout
func (m *Manager) WithTimeout(ctx context.Context, operation string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.GetTimeout(ctx, operation))
}

// Call runs fn under the operation's timeout. fn runs in its own goroutine;
// when the deadline passes Call returns a *TimeoutError immediately and the
// goroutine is abandoned with a cancelled context. A panic inside fn is
// returned as a *PanicError.
func Call[T any](ctx context.Context, m *Manager, operation string, fn func(context.Context) (T, error)) (T, error) {
	limit := m.GetTimeout(ctx, operation)
	timeoutCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Operation: operation, Value: r}}
			}
		}()
		v, err := fn(timeoutCtx)
		done <- outcome{value: v, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		return out.value, out.err
	case <-timeoutCtx.Done():
		if stderrors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return zero, &TimeoutError{Operation: operation, Timeout: limit}
		}
		return zero, timeoutCtx.Err()
	}
}

// TimeoutError represents a timeout error
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

// Error implements error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %ss", e.Operation, FormatSeconds(e.Timeout))
}

// PanicError carries a value recovered from a panicking operation
type PanicError struct {
	Operation string
	Value     interface{}
}

// Error implements error interface
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsTimeout checks if error is a timeout
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stderrors.As(err, &te) {
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// FormatSeconds renders d as the shortest decimal number of seconds,
// e.g. 10ms -> "0.01", 30s -> "30".
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
