package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

const paymentsCheckName = "payments"

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Gateways lists the payment gateways checkout can dispatch to.
	Gateways []string
	// Critical names dependency checks whose failure makes the service not ready.
	Critical []string
	Clock    func() time.Time
	Build    BuildInfo
}

type systemService struct {
	health   repositories.HealthRepository
	gateways []string
	critical map[string]struct{}
	now      func() time.Time
	build    BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService builds the readiness reporter used by /readyz.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	gateways := make([]string, 0, len(deps.Gateways))
	for _, name := range deps.Gateways {
		if name = strings.TrimSpace(name); name != "" {
			gateways = append(gateways, name)
		}
	}
	sort.Strings(gateways)

	critical := make(map[string]struct{}, len(deps.Critical))
	for _, name := range deps.Critical {
		critical[strings.TrimSpace(name)] = struct{}{}
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		health:   deps.HealthRepository,
		gateways: gateways,
		critical: critical,
		now:      func() time.Time { return clock().UTC() },
		build:    build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.now()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	checks := make(map[string]domain.SystemHealthCheck, len(report.Checks)+1)
	for name, check := range report.Checks {
		checks[name] = check
	}
	checks[paymentsCheckName] = s.paymentsCheck(now)
	report.Checks = checks
	report.Status = s.deriveStatus(checks)

	return report, nil
}

// paymentsCheck reports the configured gateways; checkout cannot dispatch without one.
func (s *systemService) paymentsCheck(now time.Time) domain.SystemHealthCheck {
	if len(s.gateways) == 0 {
		return domain.SystemHealthCheck{Status: domain.HealthStatusError, Detail: "no payment gateway configured", CheckedAt: now}
	}
	return domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: strings.Join(s.gateways, ","), CheckedAt: now}
}

func (s *systemService) deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for name, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		}
		if _, ok := s.critical[name]; ok || name == paymentsCheckName {
			return domain.HealthStatusError
		}
		status = domain.HealthStatusDegraded
	}
	return status
}
