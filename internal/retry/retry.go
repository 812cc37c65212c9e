package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// ErrExhausted is returned by Poll when every attempt came back not ready.
var ErrExhausted = errors.New("attempts exhausted")

// Policy configures bounded retry and polling.
type Policy struct {
	MaxAttempts  int                                               // total attempts, including the first
	InitialDelay time.Duration                                     // delay before the second attempt
	MaxDelay     time.Duration                                     // delay ceiling
	Multiplier   float64                                           // growth factor between delays
	Jitter       bool                                              // randomize delays
	Retryable    func(err error) bool                              // nil retries every error
	OnRetry      func(attempt int, err error, delay time.Duration) // called before each wait
}

// DefaultPolicy returns a policy of 3 attempts starting at 100ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 1.0
	}
	return p
}

func (p Policy) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    p.InitialDelay,
		Max:    p.MaxDelay,
		Factor: p.Multiplier,
		Jitter: p.Jitter,
	}
}

// Retryer runs functions under a Policy.
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Retryer.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy.normalized(), logger: logger}
}

// Policy returns the normalized policy.
func (r *Retryer) Policy() Policy { return r.policy }

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out.
func (r *Retryer) Do(ctx context.Context, fn func(attempt int) error) error {
	b := r.policy.backoff()
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if r.policy.Retryable != nil && !r.policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		if err := r.wait(ctx, b, attempt, lastErr); err != nil {
			return err
		}
	}

	r.logger.Debug("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed after %d attempts: %w", r.policy.MaxAttempts, lastErr)
}

// wait sleeps before the next attempt. A zero InitialDelay never sleeps:
// backoff.Backoff would substitute its own 100ms minimum.
func (r *Retryer) wait(ctx context.Context, b *backoff.Backoff, attempt int, cause error) error {
	var delay time.Duration
	if r.policy.InitialDelay > 0 {
		delay = b.Duration()
	}
	if r.policy.OnRetry != nil {
		r.policy.OnRetry(attempt, cause, delay)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll calls fn until it reports ready. Errors abort polling immediately.
// After MaxAttempts not-ready results Poll returns the last value together
// with ErrExhausted.
func Poll[T any](ctx context.Context, r *Retryer, fn func(attempt int) (T, bool, error)) (T, error) {
	b := r.policy.backoff()
	var last T

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		v, ready, err := fn(attempt)
		if err != nil {
			return v, err
		}
		if ready {
			return v, nil
		}
		last = v
		if attempt == r.policy.MaxAttempts {
			break
		}
		if err := r.wait(ctx, b, attempt, nil); err != nil {
			return last, err
		}
	}

	return last, ErrExhausted
}
