package lbstate

import (
	"sync"
	"sync/atomic"

	"github.com/Sh00ty/mesh-control/internal/models"
)

type entry struct {
	mu       sync.Mutex
	strategy models.LoadBalancerStrategy
	config   models.LoadBalancerSettings
	weights  map[string]uint32
	counts   map[string]*atomic.Uint64
}

// Store holds per-policy load-balancing bookkeeping. The control plane only
// stores and serves it: weights and request counts are written by the
// external traffic-accounting collaborator.
type Store struct {
	mu      sync.RWMutex
	entries map[models.RuleName]*entry
}

func NewStore() *Store {
	return &Store{entries: make(map[models.RuleName]*entry, 64)}
}

// Init creates the bookkeeping entry for a new rule with the default
// round-robin strategy.
func (s *Store) Init(name models.RuleName) {
	s.mu.Lock()
	s.entries[name] = &entry{
		strategy: models.StrategyRoundRobin,
		config:   models.LoadBalancerSettings{Strategy: models.StrategyRoundRobin},
		weights:  make(map[string]uint32),
		counts:   make(map[string]*atomic.Uint64),
	}
	s.mu.Unlock()
}

func (s *Store) Remove(name models.RuleName) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

func (s *Store) get(name models.RuleName) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, &models.NotFoundError{Kind: "load balancer state", Name: name.String()}
	}
	return e, nil
}

// Configure replaces the strategy and settings for a rule, keeping the
// accumulated weights and counts.
func (s *Store) Configure(name models.RuleName, cfg models.LoadBalancerSettings) error {
	e, err := s.get(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.strategy = cfg.Strategy
	e.config = cfg
	e.mu.Unlock()
	return nil
}

// SetInstanceWeight is the write hook for the traffic-accounting collaborator.
func (s *Store) SetInstanceWeight(name models.RuleName, instanceID string, weight uint32) error {
	e, err := s.get(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.weights[instanceID] = weight
	e.mu.Unlock()
	return nil
}

// RecordRequest bumps the per-instance request counter lock-free once the
// counter exists.
func (s *Store) RecordRequest(name models.RuleName, instanceID string) error {
	e, err := s.get(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	c, ok := e.counts[instanceID]
	if !ok {
		c = &atomic.Uint64{}
		e.counts[instanceID] = c
	}
	e.mu.Unlock()
	c.Add(1)
	return nil
}

// Status returns a snapshot for one rule, nil for unknown names.
func (s *Store) Status(name models.RuleName) *models.LoadBalancerStatus {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	weights := make(map[string]uint32, len(e.weights))
	for id, w := range e.weights {
		weights[id] = w
	}
	counts := make(map[string]uint64, len(e.counts))
	for id, c := range e.counts {
		counts[id] = c.Load()
	}
	return &models.LoadBalancerStatus{
		RuleName:        name,
		Strategy:        e.strategy,
		InstanceWeights: weights,
		RequestCounts:   counts,
	}
}

// ActiveInstances reports how many instances have traffic recorded across
// all rules, for the metrics tick.
func (s *Store) ActiveInstances() int {
	s.mu.RLock()
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	total := 0
	for _, e := range snapshot {
		e.mu.Lock()
		total += len(e.counts)
		e.mu.Unlock()
	}
	return total
}
