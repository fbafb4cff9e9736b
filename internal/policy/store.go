package policy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/mesh-control/internal/breaker"
	"github.com/Sh00ty/mesh-control/internal/lbstate"
	"github.com/Sh00ty/mesh-control/internal/models"
	"github.com/Sh00ty/mesh-control/internal/outlier"
)

// Publisher pushes an accepted policy towards the data plane. The returned
// channel resolves with the publish outcome; the store itself never waits
// on it, a failed publish does not roll back the local mutation.
type Publisher interface {
	Publish(policy models.Policy) <-chan error
}

// Defaults are the config-driven fallbacks applied when a create request
// omits a sub-policy or leaves outlier fields unset.
type Defaults struct {
	ConnectionPoolSize       int
	MaxRequestsPerConnection int
	ConsecutiveErrors        int
	OutlierInterval          time.Duration
	BaseEjectionTime         time.Duration
}

type Spec struct {
	Name     models.RuleName
	Host     string
	Traffic  models.TrafficPolicy
	Subsets  []models.Subset
	ExportTo []string
}

type entry struct {
	mu     sync.Mutex
	policy models.Policy
}

// Store is the versioned registry of traffic policies. Mutations are
// serialized per rule by the entry mutex, so a policy's version grows by
// exactly one per accepted mutation even under concurrent writers.
type Store struct {
	mu      sync.RWMutex
	entries map[models.RuleName]*entry

	breakers *breaker.Registry
	outliers *outlier.Tracker
	lb       *lbstate.Store
	pub      Publisher

	defaults Defaults
	now      func() time.Time
	log      zerolog.Logger
}

func NewStore(
	breakers *breaker.Registry,
	outliers *outlier.Tracker,
	lb *lbstate.Store,
	pub Publisher,
	defaults Defaults,
	logger zerolog.Logger,
) *Store {
	return &Store{
		entries:  make(map[models.RuleName]*entry, 64),
		breakers: breakers,
		outliers: outliers,
		lb:       lb,
		pub:      pub,
		defaults: defaults,
		now:      time.Now,
		log:      logger.With().Str("component", "policy-store").Logger(),
	}
}

func validate(spec Spec) error {
	if spec.Name == "" {
		return &models.ValidationError{Field: "name", Reason: "rule name is required"}
	}
	if spec.Host == "" {
		return &models.ValidationError{Field: "host", Reason: "host is required"}
	}
	return nil
}

// Create upserts a policy. Re-creating an existing rule keeps the version
// monotonic: the new policy continues from the previous version + 1.
// Resilience state (breaker, outlier set, lb bookkeeping) is created in the
// same critical section, so no policy is ever visible without it.
func (s *Store) Create(spec Spec) (models.Policy, error) {
	if err := validate(spec); err != nil {
		return models.Policy{}, err
	}
	now := s.now()

	s.mu.Lock()
	e, existed := s.entries[spec.Name]
	if !existed {
		e = &entry{}
		s.entries[spec.Name] = e
	}
	e.mu.Lock()
	s.mu.Unlock()
	defer e.mu.Unlock()

	prevVersion := e.policy.Version

	p := models.Policy{
		Name:      spec.Name,
		Host:      spec.Host,
		Traffic:   s.withDefaults(spec.Traffic),
		Subsets:   spec.Subsets,
		ExportTo:  spec.ExportTo,
		Version:   prevVersion + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.policy = p

	baseEjection := s.defaults.BaseEjectionTime
	if od := p.Traffic.OutlierDetection; od != nil && od.BaseEjectionTime > 0 {
		baseEjection = od.BaseEjectionTime
	}
	s.breakers.Init(spec.Name, baseEjection)
	s.lb.Init(spec.Name)
	s.outliers.Init(spec.Name)
	if od := p.Traffic.OutlierDetection; od != nil {
		_ = s.outliers.Configure(spec.Name, *od)
	}
	if lb := p.Traffic.LoadBalancer; lb != nil {
		_ = s.lb.Configure(spec.Name, *lb)
	}

	s.publish(p)
	s.log.Info().
		Str("rule", spec.Name.String()).
		Str("host", spec.Host).
		Uint64("version", p.Version).
		Msg("policy created")
	return p.Clone(), nil
}

// Remove drops the policy together with its resilience state.
func (s *Store) Remove(name models.RuleName) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	if ok {
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if !ok {
		return &models.NotFoundError{Kind: "destination rule", Name: name.String()}
	}
	s.breakers.Remove(name)
	s.outliers.Remove(name)
	s.lb.Remove(name)
	s.log.Info().Str("rule", name.String()).Msg("policy removed")
	return nil
}

// update applies fn to the policy under the per-rule lock, bumps the
// version, stamps updatedAt and dispatches the publish.
func (s *Store) update(name models.RuleName, fn func(p *models.Policy)) (models.Policy, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return models.Policy{}, &models.NotFoundError{Kind: "destination rule", Name: name.String()}
	}

	e.mu.Lock()
	fn(&e.policy)
	e.policy.Version++
	e.policy.UpdatedAt = s.now()
	p := e.policy.Clone()
	e.mu.Unlock()

	s.publish(p)
	return p, nil
}

func (s *Store) UpdateConnectionPool(name models.RuleName, pool models.ConnectionPoolSettings) (models.Policy, error) {
	return s.update(name, func(p *models.Policy) {
		p.Traffic.ConnectionPool = &pool
	})
}

func (s *Store) UpdateLoadBalancer(name models.RuleName, lb models.LoadBalancerSettings) (models.Policy, error) {
	p, err := s.update(name, func(p *models.Policy) {
		p.Traffic.LoadBalancer = &lb
	})
	if err != nil {
		return models.Policy{}, err
	}
	// bookkeeping entry exists for every policy, created in Create
	_ = s.lb.Configure(name, lb)
	return p, nil
}

func (s *Store) UpdateOutlierDetection(name models.RuleName, od models.OutlierDetectionSettings) (models.Policy, error) {
	p, err := s.update(name, func(p *models.Policy) {
		p.Traffic.OutlierDetection = &od
	})
	if err != nil {
		return models.Policy{}, err
	}
	_ = s.outliers.Configure(name, od)
	_ = s.breakers.SetBaseEjection(name, od.BaseEjectionTime)
	return p, nil
}

func (s *Store) UpdateTLS(name models.RuleName, tls models.TLSSettings) (models.Policy, error) {
	return s.update(name, func(p *models.Policy) {
		p.Traffic.TLS = &tls
	})
}

// UpdateSubset upserts one subset by name, replacing a same-named subset.
func (s *Store) UpdateSubset(name models.RuleName, subset models.Subset) (models.Policy, error) {
	return s.update(name, func(p *models.Policy) {
		for i := range p.Subsets {
			if p.Subsets[i].Name == subset.Name {
				p.Subsets[i] = subset
				return
			}
		}
		p.Subsets = append(p.Subsets, subset)
	})
}

// Get returns a snapshot of one policy, nil for unknown names.
func (s *Store) Get(name models.RuleName) *models.Policy {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	p := e.policy.Clone()
	e.mu.Unlock()
	return &p
}

// Names returns the currently known rule names.
func (s *Store) Names() []models.RuleName {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]models.RuleName, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

func (s *Store) publish(p models.Policy) {
	if s.pub == nil {
		return
	}
	// outcome intentionally dropped: the data plane catches up on the next
	// successful publish
	_ = s.pub.Publish(p)
}

func (s *Store) withDefaults(tp models.TrafficPolicy) models.TrafficPolicy {
	if tp.ConnectionPool == nil {
		tp.ConnectionPool = &models.ConnectionPoolSettings{
			TCP: models.TCPSettings{
				MaxConnections: s.defaults.ConnectionPoolSize,
				ConnectTimeout: 10 * time.Second,
			},
			HTTP: models.HTTPSettings{
				HTTP1MaxPendingRequests:  1024,
				HTTP2MaxRequests:         1024,
				MaxRequestsPerConnection: s.defaults.MaxRequestsPerConnection,
			},
		}
	}
	if tp.LoadBalancer == nil {
		tp.LoadBalancer = &models.LoadBalancerSettings{Strategy: models.StrategyRoundRobin}
	}
	if od := tp.OutlierDetection; od != nil {
		filled := *od
		if filled.ConsecutiveErrors == 0 {
			filled.ConsecutiveErrors = s.defaults.ConsecutiveErrors
		}
		if filled.Interval == 0 {
			filled.Interval = s.defaults.OutlierInterval
		}
		if filled.BaseEjectionTime == 0 {
			filled.BaseEjectionTime = s.defaults.BaseEjectionTime
		}
		tp.OutlierDetection = &filled
	}
	return tp
}
