package supervisor

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff is a jittered exponential backoff: every Next() doubles the base
// delay up to max and adds up to 20% jitter on top.
//
// Safe for concurrent use.
type Backoff struct {
	mu   sync.Mutex
	min  time.Duration
	max  time.Duration
	cur  time.Duration
	rng  *rand.Rand
	seen int
}

func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = 250 * time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Backoff{
		min: min,
		max: max,
		cur: min,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	wait := b.cur
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(b.rng.Int63n(j + 1))
	}
	b.seen++
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return wait
}

// Attempts reports how many delays were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seen
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.cur = b.min
	b.seen = 0
	b.mu.Unlock()
}
