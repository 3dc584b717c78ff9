package domain

import "time"

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency answered with an error.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a dependency timed out or is unreachable.
	HealthStatusError = "error"
)

// SystemHealthCheck is the outcome of one dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for /readyz.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
