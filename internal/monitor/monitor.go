package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/mesh-control/internal/metrics"
	"github.com/Sh00ty/mesh-control/internal/models"
)

type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

type BreakerRegistry interface {
	Sweep(now time.Time)
	Len() int
	Trips() uint64
}

type OutlierTracker interface {
	Sweep(now time.Time) int
	EjectedCount() int
	MinInterval(def time.Duration) time.Duration
}

type HealthRegistry interface {
	Services() []models.ServiceInfo
	Evaluate(ctx context.Context, name models.ServiceName)
	FailedChecks() uint64
	Len() int
}

type TrafficBookkeeping interface {
	ActiveInstances() int
}

type Config struct {
	BreakerSweepInterval  time.Duration
	OutlierSweepInterval  time.Duration
	HealthCheckInterval   time.Duration
	MetricsInterval       time.Duration
	ShutdownTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.BreakerSweepInterval <= 0 {
		c.BreakerSweepInterval = 10 * time.Second
	}
	if c.OutlierSweepInterval <= 0 {
		c.OutlierSweepInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Monitor owns the periodic tasks driving circuit-breaker transitions,
// ejection expiry and health probing. It holds no domain state itself.
// Tasks run with fixed delay: an overrunning sweep pushes the next tick
// later instead of piling up concurrent sweeps of the same kind.
type Monitor struct {
	cfg Config

	breakers BreakerRegistry
	outliers OutlierTracker
	health   HealthRegistry
	traffic  TrafficBookkeeping
	metrics  metrics.Metrics

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
	log zerolog.Logger
}

func New(
	cfg Config,
	breakers BreakerRegistry,
	outliers OutlierTracker,
	health HealthRegistry,
	traffic TrafficBookkeeping,
	m metrics.Metrics,
	logger zerolog.Logger,
) *Monitor {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.Nop{}
	}
	return &Monitor{
		cfg:      cfg,
		breakers: breakers,
		outliers: outliers,
		health:   health,
		traffic:  traffic,
		metrics:  m,
		now:      time.Now,
		log:      logger.With().Str("component", "monitor").Logger(),
	}
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Run starts the periodic tasks and returns. Stop tears them down.
func (m *Monitor) Run(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(4)
	go m.runFixedDelay(ctx, "breaker-sweep",
		func() time.Duration { return m.cfg.BreakerSweepInterval },
		m.sweepBreakers)
	go m.runFixedDelay(ctx, "outlier-sweep",
		func() time.Duration { return m.outliers.MinInterval(m.cfg.OutlierSweepInterval) },
		m.sweepOutliers)
	go m.runFixedDelay(ctx, "health-check",
		func() time.Duration { return m.cfg.HealthCheckInterval },
		m.checkHealth)
	go m.runFixedDelay(ctx, "metrics",
		func() time.Duration { return m.cfg.MetricsInterval },
		m.collectMetrics)

	m.state.Store(int32(StateRunning))
	m.log.Info().Msg("monitor started")
}

// Stop signals no-new-tick, lets in-flight ticks finish and gives up after
// the shutdown timeout.
func (m *Monitor) Stop() {
	m.state.Store(int32(StateShuttingDown))
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.log.Error().Msg("monitor tasks did not stop before deadline")
	}

	m.state.Store(int32(StateTerminated))
	m.log.Info().Msg("monitor stopped")
}

func (m *Monitor) runFixedDelay(
	ctx context.Context,
	name string,
	delay func() time.Duration,
	task func(ctx context.Context),
) {
	defer m.wg.Done()

	timer := time.NewTimer(delay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		started := m.now()
		m.guard(name, func() { task(ctx) })
		m.metrics.Duration("monitor."+name, m.now().Sub(started))
		timer.Reset(delay())
	}
}

// guard keeps a panicking task from killing its loop.
func (m *Monitor) guard(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error().Interface("panic", rec).Str("task", name).Msg("periodic task panicked")
		}
	}()
	fn()
}

func (m *Monitor) sweepBreakers(context.Context) {
	m.breakers.Sweep(m.now())
}

func (m *Monitor) sweepOutliers(context.Context) {
	reinstated := m.outliers.Sweep(m.now())
	if reinstated > 0 {
		m.log.Info().Int("reinstated", reinstated).Msg("expired ejections removed")
		m.metrics.Gauge("outlier.reinstated", reinstated)
	}
}

// checkHealth drives one evaluation per registered service. A failure
// inside one service's evaluation must not abort the others, so every call
// runs guarded.
func (m *Monitor) checkHealth(ctx context.Context) {
	for _, svc := range m.health.Services() {
		name := svc.Name
		m.guard("health-check:"+name.String(), func() {
			m.health.Evaluate(ctx, name)
		})
	}
}

func (m *Monitor) collectMetrics(context.Context) {
	m.metrics.Gauge("breaker.registered", m.breakers.Len())
	m.metrics.Gauge("breaker.trips_total", int(m.breakers.Trips()))
	m.metrics.Gauge("outlier.ejected", m.outliers.EjectedCount())
	m.metrics.Gauge("registry.services", m.health.Len())
	m.metrics.Gauge("registry.failed_checks_total", int(m.health.FailedChecks()))
	m.metrics.Gauge("lb.active_instances", m.traffic.ActiveInstances())

	m.log.Debug().
		Int("breakers", m.breakers.Len()).
		Int("ejected", m.outliers.EjectedCount()).
		Int("services", m.health.Len()).
		Msg("metrics collected")
}
