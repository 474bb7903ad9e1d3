package engine

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays: min(base * 2^attempts, cap) plus
// proportional jitter. Safe for concurrent use.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay added as random jitter, e.g. 0.2

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a policy with the given base and cap and 20% jitter.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap <= 0 {
		cap = time.Minute
	}
	return &Backoff{
		Base:   base,
		Cap:    cap,
		Jitter: 0.2,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before the attempt following `attempts` failures.
func (b *Backoff) Delay(attempts int) time.Duration {
	d := b.Base
	for i := 0; i < attempts && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		b.mu.Lock()
		d += time.Duration(b.rng.Float64() * b.Jitter * float64(d))
		b.mu.Unlock()
	}
	return d
}
