package outlier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/mesh-control/internal/models"
)

type entry struct {
	mu sync.Mutex

	enabled bool
	config  models.OutlierDetectionSettings
	// instance id -> reinstate time
	ejected map[string]time.Time
}

// Tracker keeps the ejected-instance set per policy rule. Which instance is
// an outlier is decided by the external traffic-observability collaborator;
// the tracker only records ejections and expires them on sweep.
type Tracker struct {
	mu      sync.RWMutex
	entries map[models.RuleName]*entry

	totalEjections atomic.Uint64

	now func() time.Time
	log zerolog.Logger
}

func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		entries: make(map[models.RuleName]*entry, 64),
		now:     time.Now,
		log:     logger.With().Str("component", "outlier-tracker").Logger(),
	}
}

// Init creates a disabled tracker entry for a new rule.
func (t *Tracker) Init(name models.RuleName) {
	t.mu.Lock()
	t.entries[name] = &entry{ejected: make(map[string]time.Time)}
	t.mu.Unlock()
}

// Configure enables detection for a rule with the given settings. Existing
// ejections survive a reconfiguration.
func (t *Tracker) Configure(name models.RuleName, cfg models.OutlierDetectionSettings) error {
	e, err := t.get(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.enabled = true
	e.config = cfg
	e.mu.Unlock()
	return nil
}

func (t *Tracker) Remove(name models.RuleName) {
	t.mu.Lock()
	delete(t.entries, name)
	t.mu.Unlock()
}

func (t *Tracker) get(name models.RuleName) (*entry, error) {
	t.mu.RLock()
	e, ok := t.entries[name]
	t.mu.RUnlock()
	if !ok {
		return nil, &models.NotFoundError{Kind: "outlier detector", Name: name.String()}
	}
	return e, nil
}

// Eject records an instance as ejected until now+baseEjectionTime.
// knownInstances bounds the ejection set via maxEjectionPercent; pass 0 to
// skip the bound check. Re-ejecting an already ejected instance only pushes
// its reinstate time, the set never holds two entries per instance.
func (t *Tracker) Eject(name models.RuleName, instanceID string, knownInstances int) error {
	e, err := t.get(name)
	if err != nil {
		return err
	}
	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return fmt.Errorf("outlier detection disabled for rule %s", name)
	}

	_, already := e.ejected[instanceID]
	if !already && knownInstances > 0 && e.config.MaxEjectionPercent > 0 {
		if (len(e.ejected)+1)*100 > e.config.MaxEjectionPercent*knownInstances {
			return fmt.Errorf("ejection of %s rejected: max ejection percent %d reached",
				instanceID, e.config.MaxEjectionPercent)
		}
	}

	e.ejected[instanceID] = now.Add(e.config.BaseEjectionTime)
	if !already {
		t.totalEjections.Add(1)
	}
	t.log.Warn().
		Str("rule", name.String()).
		Str("instance", instanceID).
		Msg("instance ejected")
	return nil
}

// Reinstate removes an instance from the ejection set ahead of its expiry.
func (t *Tracker) Reinstate(name models.RuleName, instanceID string) error {
	e, err := t.get(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.ejected, instanceID)
	e.mu.Unlock()
	return nil
}

// Sweep drops every ejection whose reinstate time has passed. Called by the
// monitor on the per-policy interval.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.RLock()
	snapshot := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		snapshot = append(snapshot, e)
	}
	t.mu.RUnlock()

	reinstated := 0
	for _, e := range snapshot {
		e.mu.Lock()
		for id, reinstateAt := range e.ejected {
			if !reinstateAt.After(now) {
				delete(e.ejected, id)
				reinstated++
			}
		}
		e.mu.Unlock()
	}
	return reinstated
}

// Status returns a snapshot for one rule, nil for unknown names.
func (t *Tracker) Status(name models.RuleName) *models.OutlierStatus {
	t.mu.RLock()
	e, ok := t.entries[name]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ejected := make(map[string]time.Time, len(e.ejected))
	for id, at := range e.ejected {
		ejected[id] = at
	}
	return &models.OutlierStatus{
		RuleName:         name,
		Enabled:          e.enabled,
		Config:           e.config,
		EjectedInstances: ejected,
		TotalEjections:   t.totalEjections.Load(),
	}
}

// EjectedCount reports the currently ejected instance count across rules,
// for the metrics tick.
func (t *Tracker) EjectedCount() int {
	t.mu.RLock()
	snapshot := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		snapshot = append(snapshot, e)
	}
	t.mu.RUnlock()

	total := 0
	for _, e := range snapshot {
		e.mu.Lock()
		total += len(e.ejected)
		e.mu.Unlock()
	}
	return total
}

// MinInterval reports the shortest configured sweep interval across rules,
// falling back to def when nothing is configured. The monitor paces the
// ejection sweep with it so the tightest policy still expires on time.
func (t *Tracker) MinInterval(def time.Duration) time.Duration {
	t.mu.RLock()
	snapshot := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		snapshot = append(snapshot, e)
	}
	t.mu.RUnlock()

	min := def
	for _, e := range snapshot {
		e.mu.Lock()
		if e.enabled && e.config.Interval > 0 && e.config.Interval < min {
			min = e.config.Interval
		}
		e.mu.Unlock()
	}
	return min
}
