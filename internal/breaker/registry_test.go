package breaker_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/mesh-control/internal/breaker"
	"github.com/Sh00ty/mesh-control/internal/models"
)

const baseEjection = 30 * time.Second

func newRegistry(t *testing.T, rules ...models.RuleName) *breaker.Registry {
	t.Helper()
	r := breaker.NewRegistry(baseEjection, zerolog.Nop())
	for _, rule := range rules {
		r.Init(rule, 0)
	}
	return r
}

func TestInit_StartsClosedWithZeroCounters(t *testing.T) {
	r := newRegistry(t, "orders")

	st := r.Status("orders")
	require.NotNil(t, st)
	assert.Equal(t, models.CircuitClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.SuccessCount)
	assert.True(t, st.LastFailureTime.IsZero())
	assert.True(t, st.NextAttemptTime.IsZero())
}

func TestStatus_UnknownRuleReturnsNil(t *testing.T) {
	r := newRegistry(t)
	assert.Nil(t, r.Status("ghost"))
}

func TestTrip_OpensAndSchedulesNextAttempt(t *testing.T) {
	r := newRegistry(t, "orders")
	before := time.Now()

	require.NoError(t, r.Trip("orders"))

	st := r.Status("orders")
	assert.Equal(t, models.CircuitOpen, st.State)
	assert.False(t, st.LastFailureTime.Before(before))
	assert.WithinDuration(t, st.LastFailureTime.Add(baseEjection), st.NextAttemptTime, time.Second)
	assert.EqualValues(t, 1, r.Trips())
}

func TestTrip_UnknownRuleReturnsNotFound(t *testing.T) {
	r := newRegistry(t)
	err := r.Trip("ghost")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestReset_ForcesClosedFromAnyState(t *testing.T) {
	r := newRegistry(t, "orders")
	require.NoError(t, r.Trip("orders"))

	require.NoError(t, r.Reset("orders"))

	st := r.Status("orders")
	assert.Equal(t, models.CircuitClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.SuccessCount)
	assert.True(t, st.NextAttemptTime.IsZero())
}

func TestReset_UnknownRuleReturnsNotFound(t *testing.T) {
	r := newRegistry(t)
	assert.True(t, models.IsNotFound(r.Reset("ghost")))
}

func TestSweep_OpenStaysOpenBeforeNextAttempt(t *testing.T) {
	r := newRegistry(t, "orders")
	require.NoError(t, r.Trip("orders"))

	r.Sweep(time.Now().Add(baseEjection - time.Second))

	assert.Equal(t, models.CircuitOpen, r.Status("orders").State)
}

func TestSweep_OpenToHalfOpenAfterNextAttempt(t *testing.T) {
	r := newRegistry(t, "orders")
	require.NoError(t, r.Trip("orders"))

	r.Sweep(time.Now().Add(baseEjection + time.Second))

	st := r.Status("orders")
	assert.Equal(t, models.CircuitHalfOpen, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.SuccessCount)
}

func toHalfOpen(t *testing.T, r *breaker.Registry, rule models.RuleName) {
	t.Helper()
	require.NoError(t, r.Trip(rule))
	r.Sweep(time.Now().Add(baseEjection + time.Second))
	require.Equal(t, models.CircuitHalfOpen, r.Status(rule).State)
}

func TestHalfOpen_FiveSuccessesClose(t *testing.T) {
	r := newRegistry(t, "orders")
	toHalfOpen(t, r, "orders")

	for i := 0; i < 4; i++ {
		require.NoError(t, r.RecordSuccess("orders"))
		assert.Equal(t, models.CircuitHalfOpen, r.Status("orders").State)
	}
	require.NoError(t, r.RecordSuccess("orders"))

	st := r.Status("orders")
	assert.Equal(t, models.CircuitClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.SuccessCount)
}

func TestHalfOpen_AnyFailureReopens(t *testing.T) {
	r := newRegistry(t, "orders")
	toHalfOpen(t, r, "orders")
	tripsBefore := r.Trips()

	require.NoError(t, r.RecordFailure("orders"))

	st := r.Status("orders")
	assert.Equal(t, models.CircuitOpen, st.State)
	assert.False(t, st.NextAttemptTime.IsZero())
	assert.Equal(t, tripsBefore+1, r.Trips())
}

func TestHalfOpen_SweepDoesNotDisturbSettledState(t *testing.T) {
	r := newRegistry(t, "a", "b")
	toHalfOpen(t, r, "a")
	toHalfOpen(t, r, "b")

	// transitions happen at record time, a sweep must not disturb them
	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordSuccess("a"))
	}
	require.NoError(t, r.RecordFailure("b"))
	r.Sweep(time.Now())

	assert.Equal(t, models.CircuitClosed, r.Status("a").State)
	assert.Equal(t, models.CircuitOpen, r.Status("b").State)
}

func TestClosed_RecordingOnlyCounts(t *testing.T) {
	r := newRegistry(t, "orders")

	require.NoError(t, r.RecordFailure("orders"))
	require.NoError(t, r.RecordSuccess("orders"))

	st := r.Status("orders")
	assert.Equal(t, models.CircuitClosed, st.State)
	assert.EqualValues(t, 1, st.FailureCount)
	assert.EqualValues(t, 1, st.SuccessCount)
}

// TestTransitionTable enumerates every (state, event) pair, including the
// illegal ones.
func TestTransitionTable(t *testing.T) {
	setup := map[models.CircuitState]func(t *testing.T, r *breaker.Registry){
		models.CircuitClosed: func(*testing.T, *breaker.Registry) {},
		models.CircuitOpen: func(t *testing.T, r *breaker.Registry) {
			require.NoError(t, r.Trip("rule"))
		},
		models.CircuitHalfOpen: func(t *testing.T, r *breaker.Registry) {
			toHalfOpen(t, r, "rule")
		},
	}

	cases := []struct {
		name      string
		from      models.CircuitState
		event     func(r *breaker.Registry) error
		wantState models.CircuitState
		wantErr   error
	}{
		{"closed trip", models.CircuitClosed, func(r *breaker.Registry) error { return r.Trip("rule") }, models.CircuitOpen, nil},
		{"closed reset", models.CircuitClosed, func(r *breaker.Registry) error { return r.Reset("rule") }, models.CircuitClosed, nil},
		{"closed success", models.CircuitClosed, func(r *breaker.Registry) error { return r.RecordSuccess("rule") }, models.CircuitClosed, nil},
		{"closed failure", models.CircuitClosed, func(r *breaker.Registry) error { return r.RecordFailure("rule") }, models.CircuitClosed, nil},

		{"open trip", models.CircuitOpen, func(r *breaker.Registry) error { return r.Trip("rule") }, models.CircuitOpen, nil},
		{"open reset", models.CircuitOpen, func(r *breaker.Registry) error { return r.Reset("rule") }, models.CircuitClosed, nil},
		{"open success", models.CircuitOpen, func(r *breaker.Registry) error { return r.RecordSuccess("rule") }, models.CircuitOpen, models.ErrIllegalTransition},
		{"open failure", models.CircuitOpen, func(r *breaker.Registry) error { return r.RecordFailure("rule") }, models.CircuitOpen, models.ErrIllegalTransition},

		{"half-open trip", models.CircuitHalfOpen, func(r *breaker.Registry) error { return r.Trip("rule") }, models.CircuitOpen, nil},
		{"half-open reset", models.CircuitHalfOpen, func(r *breaker.Registry) error { return r.Reset("rule") }, models.CircuitClosed, nil},
		{"half-open success", models.CircuitHalfOpen, func(r *breaker.Registry) error { return r.RecordSuccess("rule") }, models.CircuitHalfOpen, nil},
		{"half-open failure", models.CircuitHalfOpen, func(r *breaker.Registry) error { return r.RecordFailure("rule") }, models.CircuitOpen, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegistry(t, "rule")
			setup[tc.from](t, r)
			require.Equal(t, tc.from, r.Status("rule").State)

			err := tc.event(r)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantState, r.Status("rule").State)
		})
	}
}

func TestRemove_DropsBreaker(t *testing.T) {
	r := newRegistry(t, "orders")
	r.Remove("orders")
	assert.Nil(t, r.Status("orders"))
	assert.Zero(t, r.Len())
}
