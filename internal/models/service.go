package models

import "time"

type ServiceName string

func (s ServiceName) String() string {
	return string(s)
}

type ServiceInfo struct {
	Name            ServiceName
	Version         string
	Namespace       string
	HealthCheckPath string
	Metadata        map[string]string
	RegisteredAt    time.Time
}

type HealthStatus struct {
	Healthy             bool
	ConsecutiveFailures int64
	LastCheck           time.Time
}

type Instance struct {
	ID   string
	Host string
	Port uint16
	Zone string
}

type HealthEventType int8

const (
	HealthEventUnknown HealthEventType = iota
	HealthEventBecameHealthy
	HealthEventBecameUnhealthy
	HealthEventStillUnhealthy
)

// HealthEvent is emitted on every health evaluation; Transition marks
// healthy<->unhealthy flips so alerting can tell them from repeats.
type HealthEvent struct {
	Service             ServiceName
	Healthy             bool
	Transition          bool
	Type                HealthEventType
	ConsecutiveFailures int64
	CheckedAt           time.Time
}
