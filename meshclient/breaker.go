package meshclient

import "sync"

const DefaultBreakerThreshold = 3

// Breaker halts further calls against the mesh service after a run of
// consecutive failures within one batch. One Breaker is shared by all units
// of a batch; it is never reused across batches.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
}

func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	return &Breaker{threshold: threshold}
}

// Allow reports whether the next call may go out.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive < b.threshold
}

// Success resets the consecutive failure run.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Failure records one more consecutive failure.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
}
