package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether err is worth another attempt. Nil retries every error.
	Retryable func(error) bool
	// OnRetry, when set, is called before each wait with the failed attempt number (1-based).
	OnRetry func(attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The delay doubles after every failure, with up to 10% jitter.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	delay := p.BaseDelay
	var err error
	for i := 0; i < p.Attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if i == p.Attempts-1 {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(i+1, err)
		}
		wait := delay + time.Duration(rand.Float64()*0.1*float64(delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	if p.Attempts == 1 {
		return err
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.Attempts, err)
}
