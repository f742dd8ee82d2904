// Package breaker implements a circuit breaker used to guard calls to
// external dependencies. It is a plain state machine with no knowledge of
// what it wraps; the cache layer applies it around every call to the remote
// alert store.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is open and the call was not
// attempted against the dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State identifies the breaker position.
type State int

const (
	// StateClosed is the normal state: calls pass through.
	StateClosed State = iota
	// StateOpen fails all calls fast without touching the dependency.
	StateOpen
	// StateHalfOpen admits a single trial call after the reset timeout.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before admitting a
	// trial call.
	ResetTimeout time.Duration
	// OnStateChange, if set, is invoked after every state transition, outside
	// the breaker lock. Used to feed the metrics collector.
	OnStateChange func(State)
}

// Breaker is a mutex-guarded circuit breaker. One instance exists per
// external dependency; contention is low relative to request volume, so a
// single mutex is sufficient.
type Breaker struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	now func() time.Time // swapped in tests
}

// New creates a closed breaker. A non-positive threshold defaults to 5 and
// a non-positive reset timeout to 60s.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// State reports the current state, promoting open to half-open when the
// reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Failures reports the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Call executes op through the breaker. When the breaker is open (and the
// reset timeout has not elapsed) the call fails immediately with
// ErrCircuitOpen and op is never invoked. In half-open, exactly one trial
// call is admitted; concurrent callers fail fast until the trial settles.
func (b *Breaker) Call(op func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op()
	b.afterCall(err == nil)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	var changed *State

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		// Reset timeout elapsed: move to half-open and admit this call as
		// the trial.
		b.state = StateHalfOpen
		b.trialInFlight = true
		changed = ptr(StateHalfOpen)

	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trialInFlight = true
	}

	b.mu.Unlock()
	b.notify(changed)
	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	var changed *State

	if success {
		b.failures = 0
		b.trialInFlight = false
		if b.state != StateClosed {
			b.state = StateClosed
			changed = ptr(StateClosed)
		}
	} else {
		switch b.state {
		case StateHalfOpen:
			// Trial failed: reopen and restart the timer.
			b.trialInFlight = false
			b.openedAt = b.now()
			b.state = StateOpen
			changed = ptr(StateOpen)

		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.openedAt = b.now()
				b.state = StateOpen
				changed = ptr(StateOpen)
			}
		}
	}

	b.mu.Unlock()
	b.notify(changed)
}

func (b *Breaker) notify(s *State) {
	if s != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(*s)
	}
}

func ptr(s State) *State { return &s }
