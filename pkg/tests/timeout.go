package tests

import (
	"context"
	"testing"
	"time"
)

// TestOrTimeout runs fcn and fails the test if it does not finish before the timeout
// given by option.
func TestOrTimeout(t *testing.T, fcn func(T), option timeoutOption) {
	t.Helper()
	timeout := option()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		fcn(t)
	}()

	select {
	case <-time.After(timeout):
		t.Fatalf("Timeout!! at %s: %s", time.Now().Format(time.StampNano), t.Name())
	case <-finished:
	}
}

type timeoutOption func() time.Duration

func WithTimeout(timeout time.Duration) timeoutOption {
	return func() time.Duration {
		return timeout
	}
}

func WithContext(ctx context.Context) timeoutOption {
	return func() time.Duration {
		deadline, ok := ctx.Deadline()
		if !ok {
			return time.Duration(-1)
		}
		return time.Until(deadline)
	}
}
