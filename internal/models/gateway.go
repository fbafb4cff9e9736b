package models

import "time"

type GatewayType string

const (
	GatewayIngress GatewayType = "INGRESS"
	GatewayEgress  GatewayType = "EGRESS"
)

type GatewayConfig struct {
	Name      string
	Type      GatewayType
	Hosts     []string
	Port      uint16
	Protocol  string
	TLS       *TLSSettings
	UpdatedAt time.Time
}
