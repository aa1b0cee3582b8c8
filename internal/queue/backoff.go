package queue

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults.
const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = time.Hour
)

// Backoff computes exponential retry delays with bounded upward jitter.
//
// The n-th retry waits min(Base*2^(n-1), Cap) plus up to half of that again,
// never exceeding Cap. Because the jitter is at most 50% and the base doubles,
// successive delays are non-decreasing.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff returns a Backoff. Zero values select the defaults.
func NewBackoff(base, ceiling time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}
	if ceiling < base {
		ceiling = base
	}
	return &Backoff{
		Base: base,
		Cap:  ceiling,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt && delay < b.Cap; i++ {
		delay *= 2
	}
	if delay > b.Cap {
		delay = b.Cap
	}

	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(delay)/2 + 1))
	b.mu.Unlock()

	delay += jitter
	if delay > b.Cap {
		delay = b.Cap
	}
	return delay
}
