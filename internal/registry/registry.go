package registry

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/mesh-control/internal/models"
)

const defaultHealthCheckPath = "/health"

// Discovery is the external service-catalog collaborator.
type Discovery interface {
	GetInstances(ctx context.Context, service models.ServiceName) ([]models.Instance, error)
	GetServices(ctx context.Context) ([]models.ServiceName, error)
}

// Prober decides whether a discovered instance is reachable.
type Prober interface {
	Probe(ctx context.Context, inst models.Instance) bool
}

// Notifier receives one event per health evaluation.
type Notifier interface {
	NotifyHealthChanged(models.HealthEvent)
}

// TCPProber dials the instance address; the zero value is usable.
type TCPProber struct {
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context, inst models.Instance) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", inst.Host, inst.Port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

type Registration struct {
	Name            models.ServiceName
	Version         string
	Namespace       string
	HealthCheckPath string
	Metadata        map[string]string
}

type entry struct {
	mu        sync.Mutex
	info      models.ServiceInfo
	healthy   bool
	failures  atomic.Int64
	lastCheck time.Time
}

// Registry is the service catalog with live health state. Health is
// refreshed by the monitor's periodic sweep through EvaluateAll; read paths
// only consult the cached state and its age.
type Registry struct {
	mu       sync.RWMutex
	services map[models.ServiceName]*entry
	deps     map[models.ServiceName][]models.ServiceName

	disc     Discovery
	prober   Prober
	notifier Notifier

	healthCheckInterval time.Duration
	drainDelay          time.Duration

	failedChecks atomic.Uint64

	now func() time.Time
	log zerolog.Logger
}

func NewRegistry(
	disc Discovery,
	prober Prober,
	notifier Notifier,
	healthCheckInterval time.Duration,
	drainDelay time.Duration,
	logger zerolog.Logger,
) *Registry {
	if prober == nil {
		prober = TCPProber{}
	}
	return &Registry{
		services:            make(map[models.ServiceName]*entry, 64),
		deps:                make(map[models.ServiceName][]models.ServiceName, 64),
		disc:                disc,
		prober:              prober,
		notifier:            notifier,
		healthCheckInterval: healthCheckInterval,
		drainDelay:          drainDelay,
		now:                 time.Now,
		log:                 logger.With().Str("component", "service-registry").Logger(),
	}
}

// Init runs the one-time auto-discovery: every service the catalog knows
// but the registry does not gets registered with the default check path.
func (r *Registry) Init(ctx context.Context) error {
	names, err := r.disc.GetServices(ctx)
	if err != nil {
		return &models.DependencyError{Collaborator: "discovery", Err: err}
	}
	for _, name := range names {
		r.mu.RLock()
		_, known := r.services[name]
		r.mu.RUnlock()
		if known {
			continue
		}
		if err := r.Register(Registration{Name: name, HealthCheckPath: defaultHealthCheckPath}); err != nil {
			r.log.Error().Err(err).Str("service", name.String()).Msg("auto-registration failed")
			continue
		}
		r.log.Info().Str("service", name.String()).Msg("auto-registered discovered service")
	}
	return nil
}

func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return &models.ValidationError{Field: "name", Reason: "service name is required"}
	}
	if reg.HealthCheckPath == "" {
		reg.HealthCheckPath = defaultHealthCheckPath
	}
	now := r.now()

	e := &entry{
		info: models.ServiceInfo{
			Name:            reg.Name,
			Version:         reg.Version,
			Namespace:       reg.Namespace,
			HealthCheckPath: reg.HealthCheckPath,
			Metadata:        reg.Metadata,
			RegisteredAt:    now,
		},
		healthy:   true,
		lastCheck: now,
	}

	r.mu.Lock()
	r.services[reg.Name] = e
	r.mu.Unlock()

	r.log.Info().Str("service", reg.Name.String()).Str("version", reg.Version).Msg("service registered")
	return nil
}

// Deregister removes a service after the drain delay, giving in-flight
// connections time to finish. The wait is cancelled by ctx, in which case
// the service stays registered.
func (r *Registry) Deregister(ctx context.Context, name models.ServiceName) error {
	r.mu.RLock()
	_, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return &models.NotFoundError{Kind: "service", Name: name.String()}
	}

	if r.drainDelay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("deregistration of %s aborted: %w", name, ctx.Err())
		case <-time.After(r.drainDelay):
		}
	}

	r.mu.Lock()
	delete(r.services, name)
	delete(r.deps, name)
	r.mu.Unlock()

	r.log.Info().Str("service", name.String()).Msg("service deregistered")
	return nil
}

// CheckHealth reports the cached health flag. Unknown services and stale
// entries (older than 3 check intervals) are never reported healthy.
func (r *Registry) CheckHealth(name models.ServiceName) bool {
	r.mu.RLock()
	e, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.now().Sub(e.lastCheck) > 3*r.healthCheckInterval {
		return false
	}
	return e.healthy
}

// Status returns the cached health state, nil for unknown services.
func (r *Registry) Status(name models.ServiceName) *models.HealthStatus {
	r.mu.RLock()
	e, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &models.HealthStatus{
		Healthy:             e.healthy,
		ConsecutiveFailures: e.failures.Load(),
		LastCheck:           e.lastCheck,
	}
}

func (r *Registry) Services() []models.ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ServiceInfo, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, e.info)
	}
	return out
}

func (r *Registry) Dependencies(name models.ServiceName) []models.ServiceName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deps := r.deps[name]
	out := make([]models.ServiceName, len(deps))
	copy(out, deps)
	return out
}

func (r *Registry) UpdateDependencies(name models.ServiceName, deps []models.ServiceName) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; !ok {
		return &models.NotFoundError{Kind: "service", Name: name.String()}
	}
	r.deps[name] = deps
	return nil
}

// EvaluateAll refreshes the health of every registered service from the
// discovery catalog. A discovery failure counts as unhealthy: a service we
// cannot see is a service we cannot route to.
func (r *Registry) EvaluateAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]models.ServiceName, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.Evaluate(ctx, name)
	}
}

// Evaluate refreshes one service's health from discovery. Called per
// service by the monitor so one failing evaluation cannot abort the rest.
func (r *Registry) Evaluate(ctx context.Context, name models.ServiceName) {
	r.mu.RLock()
	e, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	healthy := false
	instances, err := r.disc.GetInstances(ctx, name)
	if err != nil {
		r.log.Error().Err(err).Str("service", name.String()).Msg("discovery failed, counting check as unhealthy")
	} else {
		for _, inst := range instances {
			if r.prober.Probe(ctx, inst) {
				healthy = true
				break
			}
		}
	}

	now := r.now()

	e.mu.Lock()
	wasHealthy := e.healthy
	e.healthy = healthy
	e.lastCheck = now
	var failures int64
	if healthy {
		e.failures.Store(0)
	} else {
		failures = e.failures.Add(1)
	}
	e.mu.Unlock()

	if !healthy {
		r.failedChecks.Add(1)
	}

	ev := models.HealthEvent{
		Service:             name,
		Healthy:             healthy,
		Transition:          wasHealthy != healthy,
		ConsecutiveFailures: failures,
		CheckedAt:           now,
	}
	switch {
	case ev.Transition && healthy:
		ev.Type = models.HealthEventBecameHealthy
	case ev.Transition && !healthy:
		ev.Type = models.HealthEventBecameUnhealthy
	case !healthy:
		ev.Type = models.HealthEventStillUnhealthy
	}
	if ev.Transition {
		r.log.Warn().
			Str("service", name.String()).
			Bool("healthy", healthy).
			Int64("consecutive_failures", failures).
			Msg("service health transition")
	}
	// healthy repeats carry no alerting value, transitions and unhealthy
	// observations do
	if r.notifier != nil && (ev.Transition || !healthy) {
		r.notifier.NotifyHealthChanged(ev)
	}
}

// FailedChecks reports the total unhealthy evaluations, for the metrics tick.
func (r *Registry) FailedChecks() uint64 {
	return r.failedChecks.Load()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
