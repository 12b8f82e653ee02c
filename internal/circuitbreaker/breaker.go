// Package circuitbreaker guards calls to external collaborators with a
// per-key closed → open → half-open breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "revolve",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive failures. After
// cooldown one probe is let through; its outcome closes or reopens the key.
type Breaker struct {
	mu        sync.Mutex
	entries   map[string]*entry
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Execute runs fn unless the circuit for key is open. Errors for which
// counts returns false (for example a "not found" answer) are passed
// through without counting as a failure. counts may be nil.
func (b *Breaker) Execute(key string, counts func(error) bool, fn func() error) error {
	if !b.allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (counts == nil || counts(err)) {
		b.recordFailure(key)
	} else {
		b.recordSuccess(key)
	}
	return err
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

func (b *Breaker) allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.openedAt) >= b.cooldown {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.failures = 0
	b.transition(e, key, StateClosed)
}

func (b *Breaker) recordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	if e.state == StateHalfOpen || (e.state == StateClosed && e.failures >= b.threshold) {
		e.openedAt = b.now()
		b.transition(e, key, StateOpen)
	}
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}
