package models

import "time"

type CircuitState uint8

const (
	CircuitClosed CircuitState = iota + 1
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

type CircuitEvent uint8

const (
	CircuitEventTrip CircuitEvent = iota + 1
	CircuitEventReset
	CircuitEventSuccess
	CircuitEventFailure
	CircuitEventAttemptTimeout
)

func (e CircuitEvent) String() string {
	switch e {
	case CircuitEventTrip:
		return "trip"
	case CircuitEventReset:
		return "reset"
	case CircuitEventSuccess:
		return "success"
	case CircuitEventFailure:
		return "failure"
	case CircuitEventAttemptTimeout:
		return "attempt-timeout"
	}
	return "unknown"
}

// CircuitBreakerStatus is a read snapshot of one breaker.
type CircuitBreakerStatus struct {
	RuleName        RuleName
	State           CircuitState
	FailureCount    int64
	SuccessCount    int64
	LastFailureTime time.Time
	NextAttemptTime time.Time
}

// OutlierStatus is a read snapshot of one ejection set.
type OutlierStatus struct {
	RuleName         RuleName
	Enabled          bool
	Config           OutlierDetectionSettings
	EjectedInstances map[string]time.Time
	TotalEjections   uint64
}

// LoadBalancerStatus is a read snapshot of per-policy traffic bookkeeping.
type LoadBalancerStatus struct {
	RuleName        RuleName
	Strategy        LoadBalancerStrategy
	InstanceWeights map[string]uint32
	RequestCounts   map[string]uint64
}
