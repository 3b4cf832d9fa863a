package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// ExponentialRetryPolicy bounds attempts and computes exponential delays.
// It is shared by the fetch layer and the extraction batcher.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      bool
}

// RetryOption customizes an ExponentialRetryPolicy.
type RetryOption func(*ExponentialRetryPolicy)

// WithMaxAttempts sets the attempt ceiling (values < 1 are ignored).
func WithMaxAttempts(n int) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the delay used for the first retry.
func WithBaseDelay(d time.Duration) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if d >= 0 {
			p.baseDelay = d
		}
	}
}

// WithMaxDelay caps individual delays. Zero disables the cap.
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if d >= 0 {
			p.maxDelay = d
		}
	}
}

// WithJitter spreads delays over [d/2, d).
func WithJitter(enabled bool) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		p.jitter = enabled
	}
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy(opts ...RetryOption) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		maxAttempts: 3,
		baseDelay:   time.Second,
		maxDelay:    time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts reports the attempt ceiling.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error is retryable after the given 1-based attempt.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidURL) || errors.Is(err, ErrCredentialsExhausted) {
		return false
	}
	return true
}

// Backoff returns base * 2^attempt, capped by the max delay.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Wait sleeps for Backoff(attempt) or until ctx is done.
func (p *ExponentialRetryPolicy) Wait(ctx context.Context, attempt int) error {
	return Sleep(ctx, p.Backoff(attempt))
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
