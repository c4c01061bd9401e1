package store

import (
	"context"
	"time"
)

// RetryPolicy bounds how persistently transient write failures are retried.
// The zero value falls back to the defaults below.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

const (
	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
)

// DefaultRetryPolicy returns the write retry defaults shared by every
// backoff user in the pipeline.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultRetryAttempts,
		BaseDelay:   defaultRetryBaseDelay,
		MaxDelay:    defaultRetryMaxDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultRetryMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff is the retry state machine for one write: the delay doubles from
// BaseDelay, is capped at MaxDelay, and stops after MaxAttempts total
// attempts. State is explicit so tests and diagnostics can inspect where a
// write is in its retry budget. The trace exporter drives the same machine
// for its batch sends.
type Backoff struct {
	policy  RetryPolicy
	attempt int
}

func NewBackoff(policy RetryPolicy) *Backoff {
	return &Backoff{policy: policy.withDefaults()}
}

// Attempt reports how many attempts have been consumed so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Exhausted reports whether the retry budget is spent.
func (b *Backoff) Exhausted() bool {
	return b.attempt >= b.policy.MaxAttempts
}

// Next consumes one attempt and returns the delay to wait before the
// following attempt. ok is false once the budget is exhausted; the first
// call returns a zero delay so the initial attempt runs immediately.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.Exhausted() {
		return 0, false
	}
	if b.attempt == 0 {
		b.attempt++
		return 0, true
	}

	delay = b.policy.BaseDelay << (b.attempt - 1)
	if delay > b.policy.MaxDelay || delay <= 0 {
		delay = b.policy.MaxDelay
	}
	b.attempt++
	return delay, true
}

// Reset returns the machine to its initial state for reuse.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// retryTransient runs op under the policy, sleeping the backoff delay
// between attempts. Only transient failures (connection, timeout,
// contention) are retried; permanent failures and context cancellation
// return immediately. The last error is returned once the budget is spent.
func retryTransient(ctx context.Context, policy RetryPolicy, op func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	state := NewBackoff(policy)
	for {
		delay, ok := state.Next()
		if !ok {
			return err
		}
		if delay > 0 {
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				stopTimer()
				timer.Reset(delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
}
