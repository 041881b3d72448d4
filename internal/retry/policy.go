// Package retry holds the backoff policy callers of the ledger wrap around
// mutations. The ledger itself never retries.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// ErrExhausted matches the error Do returns once the policy gives up.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError keeps the last transient error so callers can still match
// it with errors.Is.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0, 1].
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.5,
	}
}

// Do runs op until it succeeds, fails with a non-transient error, the
// context ends or MaxAttempts is reached.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := op(ctx)
		if err == nil || domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)

	if err != nil && domain.IsTransient(err) {
		return &ExhaustedError{Attempts: attempts, Err: err}
	}
	return err
}
