package healing

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker gates L2 remediation attempts per (hostname, check_type) bucket.
// A check that keeps failing its healing action stops retrying and falls
// through to L3 escalation instead of hammering the same broken fix every
// drift cycle.
type Breaker struct {
	mu      sync.Mutex
	buckets map[string]*gobreaker.CircuitBreaker
	onTrip  func(hostname, checkType string)
}

// NewBreaker creates an empty breaker registry. onTrip, if non-nil, fires
// the first time a given bucket transitions to open.
func NewBreaker(onTrip func(hostname, checkType string)) *Breaker {
	return &Breaker{
		buckets: make(map[string]*gobreaker.CircuitBreaker),
		onTrip:  onTrip,
	}
}

func bucketKey(hostname, checkType string) string {
	return hostname + ":" + checkType
}

func (b *Breaker) bucket(hostname, checkType string) *gobreaker.CircuitBreaker {
	key := bucketKey(hostname, checkType)

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.buckets[key]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: key,
		// Interval clears the counts every hour while the bucket is closed,
		// so ReadyToTrip below counts failures within the current one-hour
		// window rather than gobreaker's default consecutive-failure streak.
		// The window is fixed, not sliding: failures on either side of a
		// reset are not added together.
		Interval: time.Hour,
		// Timeout is the auto-close window: after 2 hours open, a single
		// half-open probe is let through to test recovery.
		Timeout: 2 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && b.onTrip != nil {
				b.onTrip(hostname, checkType)
			}
		},
	})

	b.buckets[key] = cb
	return cb
}

// Allow runs fn through the circuit breaker for (hostname, check_type).
// If the bucket is open, fn is not invoked and gobreaker.ErrOpenState is
// returned so the caller can escalate instead of retrying.
func (b *Breaker) Allow(hostname, checkType string, fn func() error) error {
	cb := b.bucket(hostname, checkType)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State reports the current state of a bucket. Buckets that have never
// seen an attempt report closed.
func (b *Breaker) State(hostname, checkType string) gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.buckets[bucketKey(hostname, checkType)]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
