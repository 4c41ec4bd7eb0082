package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultMultiplier   = 2.0
	maxMultiplier       = 1000
)

// NonRetryableError marks an error that ends a retry loop at once.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable: " + e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so that Do, Until and Forever give up on it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err, or anything it wraps, is non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config describes an exponential backoff. Zero delays and multiplier take
// the defaults; MaxAttempts below one means a single attempt.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	AddJitter    bool // up to 25% extra on every delay
}

// DefaultConfig is three attempts starting at 100ms, capped at 5s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		AddJitter:    true,
	}
}

func (c Config) validate() error {
	switch {
	case c.InitialDelay < 0:
		return errors.New("retry: negative InitialDelay")
	case c.MaxDelay < 0:
		return errors.New("retry: negative MaxDelay")
	case c.Multiplier < 0:
		return errors.New("retry: negative Multiplier")
	case c.MaxDelay > 0 && c.InitialDelay > c.MaxDelay:
		return errors.New("retry: InitialDelay exceeds MaxDelay")
	}
	return nil
}

// backoff yields successive delays of a Config.
type backoff struct {
	next   time.Duration
	max    time.Duration
	factor float64
	jitter bool
}

func (c Config) backoff() *backoff {
	b := &backoff{next: c.InitialDelay, max: c.MaxDelay, factor: min(c.Multiplier, maxMultiplier), jitter: c.AddJitter}
	if b.next <= 0 {
		b.next = defaultInitialDelay
	}
	if b.max <= 0 {
		b.max = defaultMaxDelay
	}
	if b.factor <= 0 {
		b.factor = defaultMultiplier
	}
	return b
}

// Next returns the current delay and advances to the following one.
func (b *backoff) Next() time.Duration {
	d := b.next
	if grown := float64(b.next) * b.factor; grown >= float64(b.max) {
		b.next = b.max
	} else {
		b.next = time.Duration(grown)
	}
	if b.jitter && d >= 4 {
		d += rand.N(d / 4)
	}
	return d
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn up to cfg.MaxAttempts times, backing off between failures.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	attempts := max(cfg.MaxAttempts, 1)
	b := cfg.backoff()
	var err error
	for n := 1; ; n++ {
		if err = fn(); err == nil || IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", n, ctx.Err())
		}
		if n == attempts {
			return fmt.Errorf("retry failed after %d attempts: %w", attempts, err)
		}
		if serr := sleep(ctx, b.Next()); serr != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", n, serr)
		}
	}
}

// Until retries fn with backoff until it succeeds or timeout has passed,
// and returns how many retries followed the first attempt.
func Until(ctx context.Context, cfg Config, timeout time.Duration, fn func() error) (int, error) {
	deadline := time.Now().Add(timeout)
	b := cfg.backoff()
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil || IsNonRetryable(err) {
			return retries, err
		}
		left := time.Until(deadline)
		if left <= 0 {
			return retries, fmt.Errorf("retry timed out after %d attempts: %w", retries+1, err)
		}
		if serr := sleep(ctx, min(b.Next(), left)); serr != nil {
			return retries, fmt.Errorf("retry cancelled after %d attempts: %w", retries+1, serr)
		}
	}
}

// Schedule is a fixed list of delays whose last entry repeats.
type Schedule []time.Duration

// BrokerReconnect is how broker transports pace reconnection.
var BrokerReconnect = Schedule{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
}

// Delay is the wait after failed attempt n, counting from zero.
func (s Schedule) Delay(n int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	return s[min(max(n, 0), len(s)-1)]
}

// Forever runs fn until it succeeds, fails non-retryably or ctx ends.
// onRetry, when set, sees the 1-based attempt number and its error.
func (s Schedule) Forever(ctx context.Context, fn func() error, onRetry func(attempt int, err error)) error {
	for n := 0; ; n++ {
		err := fn()
		if err == nil || IsNonRetryable(err) {
			return err
		}
		if onRetry != nil {
			onRetry(n+1, err)
		}
		if sleep(ctx, s.Delay(n)) != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", n+1, err)
		}
	}
}
