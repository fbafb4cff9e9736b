package models

import "time"

type RuleName string

func (r RuleName) String() string {
	return string(r)
}

type LoadBalancerStrategy string

const (
	StrategyRoundRobin     LoadBalancerStrategy = "ROUND_ROBIN"
	StrategyLeastRequest   LoadBalancerStrategy = "LEAST_REQUEST"
	StrategyRandom         LoadBalancerStrategy = "RANDOM"
	StrategyPassthrough    LoadBalancerStrategy = "PASSTHROUGH"
	StrategyConsistentHash LoadBalancerStrategy = "CONSISTENT_HASH"
)

type TLSMode string

const (
	TLSDisable     TLSMode = "DISABLE"
	TLSSimple      TLSMode = "SIMPLE"
	TLSMutual      TLSMode = "MUTUAL"
	TLSIstioMutual TLSMode = "ISTIO_MUTUAL"
)

// Policy is a destination rule: the full traffic-policy bundle
// the data plane applies for one host.
type Policy struct {
	Name      RuleName
	Host      string
	Traffic   TrafficPolicy
	Subsets   []Subset
	ExportTo  []string
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TrafficPolicy struct {
	ConnectionPool   *ConnectionPoolSettings
	LoadBalancer     *LoadBalancerSettings
	OutlierDetection *OutlierDetectionSettings
	TLS              *TLSSettings
}

type ConnectionPoolSettings struct {
	TCP  TCPSettings
	HTTP HTTPSettings
}

type TCPSettings struct {
	MaxConnections int
	ConnectTimeout time.Duration
	TCPNoDelay     bool
}

type HTTPSettings struct {
	HTTP1MaxPendingRequests  int
	HTTP2MaxRequests         int
	MaxRequestsPerConnection int
	MaxRetries               int
	IdleTimeout              time.Duration
	UseClientProtocol        bool
}

type LoadBalancerSettings struct {
	Strategy       LoadBalancerStrategy
	ConsistentHash *ConsistentHashSettings
	Locality       *LocalitySettings
	WarmupDuration time.Duration
}

type ConsistentHashSettings struct {
	HTTPHeaderName         string
	HTTPCookie             *HTTPCookie
	UseSourceIP            bool
	HTTPQueryParameterName string
	MinimumRingSize        uint64
}

type HTTPCookie struct {
	Name string
	Path string
	TTL  time.Duration
}

type LocalitySettings struct {
	Distribute       map[string]map[string]uint32
	Failover         map[string]string
	FailoverPriority []string
	Enabled          bool
}

type OutlierDetectionSettings struct {
	ConsecutiveErrors              int
	Consecutive5xxErrors           int
	ConsecutiveGatewayErrors       int
	Interval                       time.Duration
	BaseEjectionTime               time.Duration
	MaxEjectionPercent             int
	MinHealthPercent               int
	SplitExternalLocalOriginErrors bool
	ConsecutiveLocalOriginFailures int
}

type TLSSettings struct {
	Mode               TLSMode
	ClientCertificate  string
	PrivateKey         string
	CACertificates     string
	CredentialName     string
	SubjectAltNames    []string
	SNI                string
	InsecureSkipVerify bool
	ALPNProtocols      []string
}

type Subset struct {
	Name    string
	Labels  map[string]string
	Traffic *TrafficPolicy
}

// Clone returns a deep enough copy for read snapshots: sub-objects are
// replaced wholesale on update, never mutated in place, so pointer sharing
// of the settings structs is fine.
func (p *Policy) Clone() Policy {
	cp := *p
	cp.Subsets = make([]Subset, len(p.Subsets))
	copy(cp.Subsets, p.Subsets)
	cp.ExportTo = make([]string, len(p.ExportTo))
	copy(cp.ExportTo, p.ExportTo)
	return cp
}
