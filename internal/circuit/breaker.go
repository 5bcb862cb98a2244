package circuit

import (
	"sync"
	"time"
)

// Breaker opens after a run of consecutive failures and stays open for a
// cooldown. While open, callers skip the guarded backend entirely.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	cooldown      time.Duration
	failures      int
	cooldownUntil time.Time
	now           func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive failures.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether the backend should be tried.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.cooldownUntil)
}

// RecordFailure counts a failure. Returns true when this failure opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.threshold {
		return false
	}
	b.failures = 0
	b.cooldownUntil = b.now().Add(b.cooldown)
	return true
}

// RecordSuccess clears the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// CooldownRemaining returns 0 when closed.
func (b *Breaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.cooldownUntil.Sub(b.now()); remaining > 0 {
		return remaining
	}
	return 0
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.cooldownUntil = time.Time{}
}

func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
