package engine

import (
	"math/rand"
	"sync"
	"time"
)

// RetryDelay computes the wait before retry attempt n (1-based: n=1 is the
// delay after the first failure).
func RetryDelay(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt < 1 {
		return 0
	}

	var delay time.Duration
	switch policy.Strategy {
	case DelayLinear:
		delay = policy.Delay + policy.Increment*time.Duration(attempt-1)
	case DelayExponential:
		delay = policy.Delay << uint(attempt-1)
		// Shift overflow goes negative; treat as capped.
		if delay < 0 {
			delay = policy.MaxDelay
		}
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay) + 1))
	}
	return delay
}

// BreakerState is a circuit breaker's position.
type BreakerState string

const (
	// BreakerClosed allows invocations and counts consecutive failures.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen rejects invocations until the reset timeout elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen allows probe invocations and counts consecutive
	// successes.
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a circuit breaker guarding one (host, task identity) pairing.
// Safe for concurrent use, though in practice a single worker owns it.
type Breaker struct {
	mu        sync.Mutex
	config    BreakerConfig
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker creates a closed breaker with the given thresholds.
func NewBreaker(config BreakerConfig) *Breaker {
	return &Breaker{
		config: config,
		state:  BreakerClosed,
		now:    time.Now,
	}
}

// Allow reports whether an invocation may proceed. An open breaker whose
// reset timeout has elapsed transitions to half-open and allows a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess notes a successful invocation. It reports whether this
// success closed a half-open breaker.
func (b *Breaker) RecordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			return true
		}
	case BreakerClosed:
		b.failures = 0
	}
	return false
}

// RecordFailure notes a failed invocation. Any half-open failure reopens
// immediately; closed failures open once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// State returns the breaker's current position, applying the open→half-open
// timeout transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

// BreakerSnapshot is a breaker's persistable position, carried in checkpoint
// records so an open breaker stays open across a resume.
type BreakerSnapshot struct {
	// State is the breaker position.
	State BreakerState `json:"state"`

	// Failures is the consecutive-failure count while closed.
	Failures int `json:"failures,omitempty"`

	// Successes is the consecutive-success count while half-open.
	Successes int `json:"successes,omitempty"`

	// OpenedAt is when the breaker last opened.
	OpenedAt time.Time `json:"opened_at,omitzero"`
}

// Snapshot captures the breaker's position.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
		OpenedAt:  b.openedAt,
	}
}

func (b *Breaker) restore(snap BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = snap.State
	b.failures = snap.Failures
	b.successes = snap.Successes
	b.openedAt = snap.OpenedAt
}

// BreakerSet holds the breakers for one host, keyed by task identity.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	restored map[string]BreakerSnapshot
}

// NewBreakerSet creates an empty set.
func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a task identity, creating it from config on
// first use. A restored snapshot for the identity is applied to the new
// breaker. Returns nil when the task has no breaker configured.
func (s *BreakerSet) Get(taskID string, config *BreakerConfig) *Breaker {
	if config == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[taskID]
	if !ok {
		b = NewBreaker(*config)
		if snap, ok := s.restored[taskID]; ok {
			b.restore(snap)
			delete(s.restored, taskID)
		}
		s.breakers[taskID] = b
	}
	return b
}

// Snapshot captures every live breaker's position, keyed by task identity.
// Returns nil when the set holds no breakers.
func (s *BreakerSet) Snapshot() map[string]BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.breakers) == 0 && len(s.restored) == 0 {
		return nil
	}
	snaps := make(map[string]BreakerSnapshot, len(s.breakers)+len(s.restored))
	for taskID, snap := range s.restored {
		snaps[taskID] = snap
	}
	for taskID, b := range s.breakers {
		snaps[taskID] = b.Snapshot()
	}
	return snaps
}

// Restore seeds the set with checkpointed breaker positions. Each snapshot
// takes effect when its task identity is first requested with a config.
func (s *BreakerSet) Restore(snaps map[string]BreakerSnapshot) {
	if len(snaps) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restored == nil {
		s.restored = make(map[string]BreakerSnapshot, len(snaps))
	}
	for taskID, snap := range snaps {
		s.restored[taskID] = snap
	}
}
