package fault

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig controls Retry's exponential backoff.
type BackoffConfig struct {
	// Attempts is the maximum number of tries (default 4).
	Attempts int
	// Base is the first delay (default 500ms). Each retry doubles it.
	Base time.Duration
	// Max caps a single delay (default 30s).
	Max time.Duration
}

func (c *BackoffConfig) defaults() {
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	if c.Base <= 0 {
		c.Base = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
}

// Delay returns the jittered delay before retry number n (0-based).
// Jitter is uniform in [delay/2, delay) so concurrent retriers spread out.
func (c BackoffConfig) Delay(n int) time.Duration {
	c.defaults()
	d := c.Base << uint(n)
	if d > c.Max || d <= 0 {
		d = c.Max
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)))
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Cancellation is honored between attempts.
func Retry(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	cfg.defaults()

	var err error
	for n := 0; n < cfg.Attempts; n++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if n == cfg.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Wrap(ErrCancelled, ctx.Err())
		case <-time.After(cfg.Delay(n)):
		}
	}
	return err
}
