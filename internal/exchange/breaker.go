package exchange

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

// BreakerState circuit breaker state name as exposed in status payloads.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 300 * time.Second
)

// ErrBreakerOpen the breaker rejected the call without invoking it.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerSettings configures a Breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	OnStateChange    func(from, to BreakerState)
}

// BreakerSnapshot point-in-time view of a breaker.
type BreakerSnapshot struct {
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime *time.Time   `json:"last_failure_time,omitempty"`
}

// Breaker wraps gobreaker with the exchange semantics: CLOSED trips to OPEN after
// FailureThreshold consecutive failures, OPEN lets exactly one probe through once
// RecoveryTimeout has elapsed, and the probe outcome decides CLOSED or OPEN again.
//
// State changes are queued while gobreaker holds its lock and handed to
// OnStateChange, in order, after the breaker call returns.
type Breaker struct {
	cb            *gobreaker.CircuitBreaker
	onStateChange func(from, to BreakerState)

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	transitions  []transition
	notifying    bool
}

type transition struct {
	from, to BreakerState
}

// NewBreaker creates a breaker; zero settings fall back to threshold 5 and a 300s recovery timeout.
func NewBreaker(s BreakerSettings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = defaultFailureThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = defaultRecoveryTimeout
	}

	threshold := uint32(s.FailureThreshold)
	b := &Breaker{onStateChange: s.OnStateChange}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if b.onStateChange == nil {
				return
			}
			b.mu.Lock()
			b.transitions = append(b.transitions, transition{from: stateName(from), to: stateName(to)})
			b.mu.Unlock()
		},
	})

	return b
}

// Execute runs fn through the breaker. When the breaker refuses the call fn is not
// invoked and the error wraps ErrBreakerOpen.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	defer b.notify()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrap(ErrBreakerOpen, err.Error())
	}

	b.mu.Lock()
	if err != nil {
		b.failureCount++
		b.lastFailure = time.Now()
	} else {
		b.failureCount = 0
	}
	b.mu.Unlock()

	return res, err
}

// State returns the current state; an OPEN breaker whose timeout elapsed reports HALF_OPEN.
func (b *Breaker) State() BreakerState {
	state := stateName(b.cb.State())
	b.notify()
	return state
}

// notify delivers queued state changes. Only one goroutine delivers at a time; the
// others return at once and their transitions go out with the current batch.
func (b *Breaker) notify() {
	b.mu.Lock()
	if b.notifying {
		b.mu.Unlock()
		return
	}
	b.notifying = true
	for len(b.transitions) > 0 {
		batch := b.transitions
		b.transitions = nil
		b.mu.Unlock()
		for _, t := range batch {
			b.onStateChange(t.from, t.to)
		}
		b.mu.Lock()
	}
	b.notifying = false
	b.mu.Unlock()
}

// Snapshot returns state, consecutive failure count and last failure time.
func (b *Breaker) Snapshot() BreakerSnapshot {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{State: state, FailureCount: b.failureCount}
	if !b.lastFailure.IsZero() {
		ts := b.lastFailure
		snap.LastFailureTime = &ts
	}

	return snap
}

func stateName(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// Counts returns the number of consecutive failures since the last success.
func (b *Breaker) Counts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// LastFailure returns the time of the most recent failure, zero if none.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}
