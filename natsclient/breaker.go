package natsclient

import (
	"sync"
	"time"
)

const initialBackoff = time.Second

// breaker stops connection attempts after a run of failures. Once open it
// stays open for a backoff that doubles on every reopening, then lets one
// attempt through.
type breaker struct {
	threshold  int
	maxBackoff time.Duration

	mu      sync.Mutex
	run     int // consecutive failures since the last close or reopening
	total   int
	open    bool
	backoff time.Duration
}

func newBreaker(threshold int, maxBackoff time.Duration) *breaker {
	return &breaker{threshold: threshold, maxBackoff: maxBackoff, backoff: initialBackoff}
}

// allow reports whether an attempt may be made.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// fail records a failure. It returns the wait before the next attempt when
// this failure opened the breaker.
func (b *breaker) fail() (opened bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	b.run++
	if b.run < b.threshold {
		return false, 0
	}
	b.run = 0
	wait = b.backoff
	b.backoff = min(2*b.backoff, b.maxBackoff)
	if b.open {
		return false, 0
	}
	b.open = true
	return true, wait
}

// halfOpen lets the next attempt through without forgetting the backoff.
func (b *breaker) halfOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	was := b.open
	b.open = false
	return was
}

// reset closes the breaker after a success.
func (b *breaker) reset() (wasOpen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen = b.open
	b.run, b.total, b.open, b.backoff = 0, 0, false, initialBackoff
	return wasOpen
}

// failures counts failed attempts since the last success.
func (b *breaker) failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *breaker) nextBackoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}
