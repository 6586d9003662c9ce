package notify

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 30 * time.Second
	DefaultBackoffJitter = 0.2
)

// Backoff computes reconnect delays. Jitter only ever stretches the
// exponential step and the result is clamped to Max, so delays never shrink
// across consecutive failures.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	return b.delayWithSample(attempt, b.sample())
}

func (b *Backoff) delayWithSample(attempt int, sample float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if base > maxDelay {
		return maxDelay
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	jitter := ClampJitterRatio(b.Jitter)
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	delay = time.Duration(float64(delay) * (1 + jitter*sample))
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (b *Backoff) sample() float64 {
	if ClampJitterRatio(b.Jitter) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b.rng.Float64()
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
