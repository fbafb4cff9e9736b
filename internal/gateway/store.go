package gateway

import (
	"sync"
	"time"

	"github.com/Sh00ty/mesh-control/internal/models"
)

// Store is plain CRUD of ingress/egress endpoint specs keyed by name.
type Store struct {
	mu       sync.RWMutex
	gateways map[string]models.GatewayConfig
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		gateways: make(map[string]models.GatewayConfig, 16),
		now:      time.Now,
	}
}

type Spec struct {
	Name     string
	Hosts    []string
	Port     uint16
	Protocol string
	TLS      *models.TLSSettings
}

func (s *Store) ConfigureIngress(spec Spec) (models.GatewayConfig, error) {
	return s.upsert(spec, models.GatewayIngress)
}

func (s *Store) ConfigureEgress(spec Spec) (models.GatewayConfig, error) {
	return s.upsert(spec, models.GatewayEgress)
}

func (s *Store) upsert(spec Spec, typ models.GatewayType) (models.GatewayConfig, error) {
	if spec.Name == "" {
		return models.GatewayConfig{}, &models.ValidationError{Field: "name", Reason: "gateway name is required"}
	}
	cfg := models.GatewayConfig{
		Name:      spec.Name,
		Type:      typ,
		Hosts:     spec.Hosts,
		Port:      spec.Port,
		Protocol:  spec.Protocol,
		TLS:       spec.TLS,
		UpdatedAt: s.now(),
	}
	s.mu.Lock()
	s.gateways[spec.Name] = cfg
	s.mu.Unlock()
	return cfg, nil
}

func (s *Store) Get(name string) *models.GatewayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.gateways[name]
	if !ok {
		return nil
	}
	return &cfg
}

func (s *Store) List() []models.GatewayConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.GatewayConfig, 0, len(s.gateways))
	for _, cfg := range s.gateways {
		out = append(out, cfg)
	}
	return out
}
