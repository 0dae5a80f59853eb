package services

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
	"github.com/holisticpeople/funnel-checkout/internal/repositories"
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
// Capabilities records which checkout flows were wired; a nil map skips the payments check.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Capabilities     map[string]bool
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	health       repositories.HealthRepository
	capabilities map[string]bool
	now          func() time.Time
	build        BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service behind the readiness endpoint.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		health:       deps.HealthRepository,
		capabilities: maps.Clone(deps.Capabilities),
		now: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

// HealthReport collects dependency checks and stamps build metadata. An instance that can take
// neither card nor wallet payments reports degraded: it can quote totals but never sell.
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
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	checks := make(map[string]domain.SystemHealthCheck, len(report.Checks)+1)
	maps.Copy(checks, report.Checks)
	if s.capabilities != nil {
		report.Capabilities = maps.Clone(s.capabilities)
		if !s.capabilities[domain.CapabilityCard] && !s.capabilities[domain.CapabilityWallet] {
			checks[paymentsCheckName] = domain.SystemHealthCheck{
				Status:    domain.HealthStatusDegraded,
				Detail:    "no payment processor configured",
				Error:     "no payment processor configured",
				CheckedAt: now,
			}
		}
	}
	report.Checks = checks
	report.Status = worstStatus(strings.TrimSpace(report.Status), checks)
	return report, nil
}

// worstStatus folds the collected status with every check: error beats degraded beats ok.
func worstStatus(collected string, checks map[string]domain.SystemHealthCheck) string {
	rank := func(status string) int {
		switch status {
		case domain.HealthStatusError:
			return 2
		case domain.HealthStatusOK, "":
			return 0
		default:
			return 1
		}
	}
	worst := collected
	for _, check := range checks {
		if rank(check.Status) > rank(worst) {
			worst = check.Status
		}
	}
	if worst == "" {
		return domain.HealthStatusOK
	}
	return worst
}
