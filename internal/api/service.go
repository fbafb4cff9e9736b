package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/mesh-control/internal/breaker"
	"github.com/Sh00ty/mesh-control/internal/gateway"
	"github.com/Sh00ty/mesh-control/internal/lbstate"
	"github.com/Sh00ty/mesh-control/internal/models"
	"github.com/Sh00ty/mesh-control/internal/outlier"
	"github.com/Sh00ty/mesh-control/internal/policy"
	"github.com/Sh00ty/mesh-control/internal/registry"
)

// Service is the operation surface of the control plane. Every call wraps
// the underlying store result into the Result envelope; errors come back as
// failed results, never as panics.
type Service struct {
	policies *policy.Store
	breakers *breaker.Registry
	outliers *outlier.Tracker
	lb       *lbstate.Store
	registry *registry.Registry
	gateways *gateway.Store

	now func() time.Time
	log zerolog.Logger
}

func NewService(
	policies *policy.Store,
	breakers *breaker.Registry,
	outliers *outlier.Tracker,
	lb *lbstate.Store,
	reg *registry.Registry,
	gateways *gateway.Store,
	logger zerolog.Logger,
) *Service {
	return &Service{
		policies: policies,
		breakers: breakers,
		outliers: outliers,
		lb:       lb,
		registry: reg,
		gateways: gateways,
		now:      time.Now,
		log:      logger.With().Str("component", "api").Logger(),
	}
}

func (s *Service) result(data any, err error) models.Result {
	if err != nil {
		return models.FailedResult(err, s.now())
	}
	return models.OkResult(data, s.now())
}

// Policy operations.

func (s *Service) CreatePolicy(spec policy.Spec) models.Result {
	p, err := s.policies.Create(spec)
	return s.result(p, err)
}

func (s *Service) UpdateConnectionPool(name models.RuleName, pool models.ConnectionPoolSettings) models.Result {
	p, err := s.policies.UpdateConnectionPool(name, pool)
	return s.result(p, err)
}

func (s *Service) UpdateLoadBalancer(name models.RuleName, lb models.LoadBalancerSettings) models.Result {
	p, err := s.policies.UpdateLoadBalancer(name, lb)
	return s.result(p, err)
}

func (s *Service) UpdateOutlierDetection(name models.RuleName, od models.OutlierDetectionSettings) models.Result {
	p, err := s.policies.UpdateOutlierDetection(name, od)
	return s.result(p, err)
}

func (s *Service) UpdateTLS(name models.RuleName, tls models.TLSSettings) models.Result {
	p, err := s.policies.UpdateTLS(name, tls)
	return s.result(p, err)
}

func (s *Service) UpdateSubset(name models.RuleName, subset models.Subset) models.Result {
	p, err := s.policies.UpdateSubset(name, subset)
	return s.result(p, err)
}

// Resilience operations.

func (s *Service) TripCircuitBreaker(name models.RuleName) models.Result {
	return s.result(nil, s.breakers.Trip(name))
}

func (s *Service) ResetCircuitBreaker(name models.RuleName) models.Result {
	return s.result(nil, s.breakers.Reset(name))
}

func (s *Service) GetCircuitBreakerStatus(name models.RuleName) models.Result {
	st := s.breakers.Status(name)
	if st == nil {
		return s.result(nil, &models.NotFoundError{Kind: "circuit breaker", Name: name.String()})
	}
	return s.result(st, nil)
}

func (s *Service) GetOutlierDetectionStatus(name models.RuleName) models.Result {
	st := s.outliers.Status(name)
	if st == nil {
		return s.result(nil, &models.NotFoundError{Kind: "outlier detector", Name: name.String()})
	}
	return s.result(st, nil)
}

func (s *Service) GetLoadBalancerState(name models.RuleName) models.Result {
	st := s.lb.Status(name)
	if st == nil {
		return s.result(nil, &models.NotFoundError{Kind: "load balancer state", Name: name.String()})
	}
	return s.result(st, nil)
}

// Registry operations.

func (s *Service) RegisterService(reg registry.Registration) models.Result {
	return s.result(nil, s.registry.Register(reg))
}

func (s *Service) DeregisterService(ctx context.Context, name models.ServiceName) models.Result {
	return s.result(nil, s.registry.Deregister(ctx, name))
}

func (s *Service) CheckHealth(name models.ServiceName) models.Result {
	return s.result(s.registry.CheckHealth(name), nil)
}

func (s *Service) GetRegisteredServices() models.Result {
	return s.result(s.registry.Services(), nil)
}

func (s *Service) GetDependencies(name models.ServiceName) models.Result {
	return s.result(s.registry.Dependencies(name), nil)
}

func (s *Service) UpdateDependencies(name models.ServiceName, deps []models.ServiceName) models.Result {
	return s.result(nil, s.registry.UpdateDependencies(name, deps))
}

// Gateway operations.

func (s *Service) ConfigureIngress(spec gateway.Spec) models.Result {
	cfg, err := s.gateways.ConfigureIngress(spec)
	return s.result(cfg, err)
}

func (s *Service) ConfigureEgress(spec gateway.Spec) models.Result {
	cfg, err := s.gateways.ConfigureEgress(spec)
	return s.result(cfg, err)
}
