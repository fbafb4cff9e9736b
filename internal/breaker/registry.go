package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/mesh-control/internal/models"
)

// closeSuccessThreshold is the fixed number of trial successes that closes
// a half-open breaker.
const closeSuccessThreshold = 5

type entry struct {
	mu sync.Mutex

	state        models.CircuitState
	failures     atomic.Int64
	successes    atomic.Int64
	lastFailure  time.Time
	nextAttempt  time.Time
	baseEjection time.Duration
}

// Registry keeps one circuit breaker per policy rule. Counters are atomic so
// the traffic-observability collaborator can record outcomes without taking
// the transition lock; state flips happen under the per-entry mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[models.RuleName]*entry

	defaultBaseEjection time.Duration
	trips               atomic.Uint64

	now func() time.Time
	log zerolog.Logger
}

func NewRegistry(defaultBaseEjection time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		entries:             make(map[models.RuleName]*entry, 64),
		defaultBaseEjection: defaultBaseEjection,
		now:                 time.Now,
		log:                 logger.With().Str("component", "breaker-registry").Logger(),
	}
}

// Init creates (or re-creates) the breaker for a rule in CLOSED with zeroed
// counters. Called by the policy store together with policy creation.
func (r *Registry) Init(name models.RuleName, baseEjection time.Duration) {
	if baseEjection <= 0 {
		baseEjection = r.defaultBaseEjection
	}
	e := &entry{
		state:        models.CircuitClosed,
		baseEjection: baseEjection,
	}
	r.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()
}

func (r *Registry) Remove(name models.RuleName) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

func (r *Registry) get(name models.RuleName) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &models.NotFoundError{Kind: "circuit breaker", Name: name.String()}
	}
	return e, nil
}

// SetBaseEjection updates the open-interval for a rule without touching its
// state, used when the rule's outlier settings change.
func (r *Registry) SetBaseEjection(name models.RuleName, d time.Duration) error {
	e, err := r.get(name)
	if err != nil {
		return err
	}
	if d <= 0 {
		d = r.defaultBaseEjection
	}
	e.mu.Lock()
	e.baseEjection = d
	e.mu.Unlock()
	return nil
}

// Trip forces the breaker OPEN regardless of its current state.
func (r *Registry) Trip(name models.RuleName) error {
	e, err := r.get(name)
	if err != nil {
		return err
	}
	now := r.now()

	e.mu.Lock()
	e.state = models.CircuitOpen
	e.lastFailure = now
	e.nextAttempt = now.Add(e.baseEjection)
	e.mu.Unlock()

	r.trips.Add(1)
	r.log.Warn().Str("rule", name.String()).Msg("circuit breaker tripped manually")
	return nil
}

// Reset forces CLOSED, zeroes both counters and clears timers.
func (r *Registry) Reset(name models.RuleName) error {
	e, err := r.get(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state = models.CircuitClosed
	e.failures.Store(0)
	e.successes.Store(0)
	e.lastFailure = time.Time{}
	e.nextAttempt = time.Time{}
	e.mu.Unlock()

	r.log.Info().Str("rule", name.String()).Msg("circuit breaker reset")
	return nil
}

// RecordSuccess records one successful call outcome. While HALF_OPEN the
// breaker closes as soon as the trial-success threshold is reached; while
// OPEN a success is not a legal observation.
func (r *Registry) RecordSuccess(name models.RuleName) error {
	e, err := r.get(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case models.CircuitClosed:
		e.successes.Add(1)
	case models.CircuitHalfOpen:
		if e.successes.Add(1) >= closeSuccessThreshold {
			r.close(name, e)
		}
	case models.CircuitOpen:
		return models.ErrIllegalTransition
	}
	return nil
}

// RecordFailure records one failed call outcome. While HALF_OPEN any failure
// reopens the breaker with a freshly computed next attempt time.
func (r *Registry) RecordFailure(name models.RuleName) error {
	e, err := r.get(name)
	if err != nil {
		return err
	}
	now := r.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case models.CircuitClosed:
		e.failures.Add(1)
		e.lastFailure = now
	case models.CircuitHalfOpen:
		e.failures.Add(1)
		r.reopen(name, e, now)
	case models.CircuitOpen:
		return models.ErrIllegalTransition
	}
	return nil
}

// Sweep applies the time-driven transitions: OPEN moves to HALF_OPEN once
// the next attempt time has passed, and HALF_OPEN entries whose counters
// already crossed a threshold are settled. Called by the monitor only.
func (r *Registry) Sweep(now time.Time) {
	r.mu.RLock()
	snapshot := make(map[models.RuleName]*entry, len(r.entries))
	for name, e := range r.entries {
		snapshot[name] = e
	}
	r.mu.RUnlock()

	for name, e := range snapshot {
		e.mu.Lock()
		switch e.state {
		case models.CircuitOpen:
			if !e.nextAttempt.IsZero() && !now.Before(e.nextAttempt) {
				e.state = models.CircuitHalfOpen
				e.failures.Store(0)
				e.successes.Store(0)
				r.log.Info().Str("rule", name.String()).Msg("circuit breaker transitioned to HALF_OPEN")
			}
		case models.CircuitHalfOpen:
			if e.successes.Load() >= closeSuccessThreshold {
				r.close(name, e)
			} else if e.failures.Load() > 0 {
				r.reopen(name, e, now)
			}
		case models.CircuitClosed:
		}
		e.mu.Unlock()
	}
}

// close and reopen expect e.mu held.

func (r *Registry) close(name models.RuleName, e *entry) {
	e.state = models.CircuitClosed
	e.failures.Store(0)
	e.successes.Store(0)
	e.nextAttempt = time.Time{}
	r.log.Info().Str("rule", name.String()).Msg("circuit breaker closed")
}

func (r *Registry) reopen(name models.RuleName, e *entry, now time.Time) {
	e.state = models.CircuitOpen
	e.lastFailure = now
	e.nextAttempt = now.Add(e.baseEjection)
	r.trips.Add(1)
	r.log.Warn().Str("rule", name.String()).Msg("circuit breaker reopened")
}

// Status returns a snapshot of one breaker, nil for unknown names.
func (r *Registry) Status(name models.RuleName) *models.CircuitBreakerStatus {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return &models.CircuitBreakerStatus{
		RuleName:        name,
		State:           e.state,
		FailureCount:    e.failures.Load(),
		SuccessCount:    e.successes.Load(),
		LastFailureTime: e.lastFailure,
		NextAttemptTime: e.nextAttempt,
	}
}

// Trips reports the total number of trips since start, for the metrics tick.
func (r *Registry) Trips() uint64 {
	return r.trips.Load()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
