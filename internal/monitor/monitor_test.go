package monitor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/mesh-control/internal/models"
	"github.com/Sh00ty/mesh-control/internal/monitor"
)

type fakeBreakers struct {
	sweeps atomic.Int64
	panics atomic.Bool
}

func (b *fakeBreakers) Sweep(time.Time) {
	b.sweeps.Add(1)
	if b.panics.Load() {
		panic("sweep exploded")
	}
}
func (b *fakeBreakers) Len() int     { return 2 }
func (b *fakeBreakers) Trips() uint64 { return 7 }

type fakeOutliers struct {
	sweeps atomic.Int64
}

func (o *fakeOutliers) Sweep(time.Time) int { o.sweeps.Add(1); return 1 }
func (o *fakeOutliers) EjectedCount() int   { return 3 }
func (o *fakeOutliers) MinInterval(def time.Duration) time.Duration { return def }

type fakeHealth struct {
	mu        sync.Mutex
	services  []models.ServiceInfo
	evaluated []models.ServiceName
	panicOn   models.ServiceName
}

func (h *fakeHealth) Services() []models.ServiceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.services
}

func (h *fakeHealth) Evaluate(_ context.Context, name models.ServiceName) {
	h.mu.Lock()
	h.evaluated = append(h.evaluated, name)
	panics := name == h.panicOn
	h.mu.Unlock()
	if panics {
		panic("evaluation exploded")
	}
}

func (h *fakeHealth) evaluatedNames() []models.ServiceName {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.ServiceName, len(h.evaluated))
	copy(out, h.evaluated)
	return out
}

func (h *fakeHealth) FailedChecks() uint64 { return 4 }
func (h *fakeHealth) Len() int             { return len(h.services) }

type fakeTraffic struct{}

func (fakeTraffic) ActiveInstances() int { return 5 }

type recordingMetrics struct {
	mu     sync.Mutex
	gauges map[string]int
}

func (m *recordingMetrics) Increment(string)                 {}
func (m *recordingMetrics) Duration(string, time.Duration)   {}
func (m *recordingMetrics) Gauge(name string, value int) {
	m.mu.Lock()
	if m.gauges == nil {
		m.gauges = make(map[string]int)
	}
	m.gauges[name] = value
	m.mu.Unlock()
}

func (m *recordingMetrics) gauge(name string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.gauges[name]
	return v, ok
}

func tinyConfig() monitor.Config {
	return monitor.Config{
		BreakerSweepInterval: 5 * time.Millisecond,
		OutlierSweepInterval: 5 * time.Millisecond,
		HealthCheckInterval:  5 * time.Millisecond,
		MetricsInterval:      5 * time.Millisecond,
		ShutdownTimeout:      time.Second,
	}
}

func newMonitor(breakers *fakeBreakers, outliers *fakeOutliers, health *fakeHealth, m *recordingMetrics) *monitor.Monitor {
	return monitor.New(tinyConfig(), breakers, outliers, health, fakeTraffic{}, m, zerolog.Nop())
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, time.Second, 2*time.Millisecond, msg)
}

func TestMonitor_RunsPeriodicSweeps(t *testing.T) {
	breakers := &fakeBreakers{}
	outliers := &fakeOutliers{}
	health := &fakeHealth{services: []models.ServiceInfo{{Name: "orders"}, {Name: "billing"}}}
	m := newMonitor(breakers, outliers, health, &recordingMetrics{})

	m.Run(context.Background())
	defer m.Stop()

	assert.Equal(t, monitor.StateRunning, m.State())
	eventually(t, func() bool { return breakers.sweeps.Load() >= 2 }, "breaker sweeps")
	eventually(t, func() bool { return outliers.sweeps.Load() >= 2 }, "outlier sweeps")
	eventually(t, func() bool { return len(health.evaluatedNames()) >= 4 }, "health evaluations")
}

func TestMonitor_StopTerminatesTasks(t *testing.T) {
	breakers := &fakeBreakers{}
	outliers := &fakeOutliers{}
	health := &fakeHealth{}
	m := newMonitor(breakers, outliers, health, &recordingMetrics{})

	m.Run(context.Background())
	eventually(t, func() bool { return breakers.sweeps.Load() >= 1 }, "started sweeping")

	m.Stop()
	require.Equal(t, monitor.StateTerminated, m.State())

	settled := breakers.sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, breakers.sweeps.Load())
}

func TestMonitor_ParentContextCancelStopsTicks(t *testing.T) {
	breakers := &fakeBreakers{}
	m := newMonitor(breakers, &fakeOutliers{}, &fakeHealth{}, &recordingMetrics{})

	ctx, cancel := context.WithCancel(context.Background())
	m.Run(ctx)
	eventually(t, func() bool { return breakers.sweeps.Load() >= 1 }, "started sweeping")

	cancel()
	time.Sleep(20 * time.Millisecond)
	settled := breakers.sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, breakers.sweeps.Load())

	m.Stop()
}

func TestMonitor_PanickingTaskKeepsTicking(t *testing.T) {
	breakers := &fakeBreakers{}
	breakers.panics.Store(true)
	m := newMonitor(breakers, &fakeOutliers{}, &fakeHealth{}, &recordingMetrics{})

	m.Run(context.Background())
	defer m.Stop()

	eventually(t, func() bool { return breakers.sweeps.Load() >= 3 }, "sweep loop survives panics")
}

func TestMonitor_PanickingEvaluationDoesNotAbortOthers(t *testing.T) {
	health := &fakeHealth{
		services: []models.ServiceInfo{{Name: "orders"}, {Name: "billing"}, {Name: "ledger"}},
		panicOn:  "billing",
	}
	m := newMonitor(&fakeBreakers{}, &fakeOutliers{}, health, &recordingMetrics{})

	m.Run(context.Background())
	defer m.Stop()

	eventually(t, func() bool {
		seen := map[models.ServiceName]bool{}
		for _, name := range health.evaluatedNames() {
			seen[name] = true
		}
		return seen["orders"] && seen["billing"] && seen["ledger"]
	}, "all services evaluated despite one panicking")
}

func TestMonitor_CollectsGauges(t *testing.T) {
	rec := &recordingMetrics{}
	health := &fakeHealth{services: []models.ServiceInfo{{Name: "orders"}}}
	m := newMonitor(&fakeBreakers{}, &fakeOutliers{}, health, rec)

	m.Run(context.Background())
	defer m.Stop()

	eventually(t, func() bool {
		_, ok := rec.gauge("breaker.registered")
		return ok
	}, "gauges emitted")

	v, _ := rec.gauge("breaker.registered")
	assert.Equal(t, 2, v)
	v, _ = rec.gauge("breaker.trips_total")
	assert.Equal(t, 7, v)
	v, _ = rec.gauge("outlier.ejected")
	assert.Equal(t, 3, v)
	v, _ = rec.gauge("lb.active_instances")
	assert.Equal(t, 5, v)
}

func TestMonitor_StateStringRoundTrip(t *testing.T) {
	assert.Equal(t, "initializing", monitor.StateInitializing.String())
	assert.Equal(t, "running", monitor.StateRunning.String())
	assert.Equal(t, "shutting-down", monitor.StateShuttingDown.String())
	assert.Equal(t, "terminated", monitor.StateTerminated.String())
}
