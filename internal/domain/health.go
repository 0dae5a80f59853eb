package domain

import "time"

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck is the outcome of one dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for the readiness endpoint. Capabilities
// names the checkout flows this instance was configured to serve.
type SystemHealthReport struct {
	Status       string
	Checks       map[string]SystemHealthCheck
	Capabilities map[string]bool
	Version      string
	CommitSHA    string
	Environment  string
	Uptime       time.Duration
	GeneratedAt  time.Time
}

// Checkout capability names reported by readiness.
const (
	CapabilityCard        = "card"
	CapabilityWallet      = "wallet"
	CapabilityShipping    = "shipping"
	CapabilityOrderEvents = "order_events"
)
