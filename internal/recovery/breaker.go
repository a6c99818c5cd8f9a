package recovery

import (
	"sync"
	"time"
)

// BreakerSet holds one two-state circuit breaker per target. A tripped
// breaker suppresses retries until the cool-down window elapses, then
// disarms on its own. There is no half-open trial state: the first
// failure after disarming starts a fresh retry sequence.
type BreakerSet struct {
	mu       sync.Mutex
	cooldown time.Duration
	tripped  map[string]time.Time
}

// NewBreakerSet creates a breaker set with the given cool-down window.
func NewBreakerSet(cooldown time.Duration) *BreakerSet {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &BreakerSet{
		cooldown: cooldown,
		tripped:  make(map[string]time.Time),
	}
}

// Trip arms the breaker for a target. Re-tripping restarts the window.
func (b *BreakerSet) Trip(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped[target] = time.Now()
}

// Active reports whether the breaker for a target is armed, disarming
// it if the cool-down has elapsed.
func (b *BreakerSet) Active(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	since, ok := b.tripped[target]
	if !ok {
		return false
	}
	if time.Since(since) >= b.cooldown {
		delete(b.tripped, target)
		return false
	}
	return true
}

// Reset disarms the breaker for a target immediately.
func (b *BreakerSet) Reset(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tripped, target)
}

// ActiveTargets lists targets whose breakers are currently armed.
func (b *BreakerSet) ActiveTargets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	targets := make([]string, 0, len(b.tripped))
	for target, since := range b.tripped {
		if now.Sub(since) < b.cooldown {
			targets = append(targets, target)
		}
	}
	return targets
}
