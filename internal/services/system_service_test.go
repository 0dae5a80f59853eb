package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holisticpeople/funnel-checkout/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestSystemServiceRequiresHealthRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatal("expected error without health repository")
	}
}

func TestSystemServiceStampsBuildInfo(t *testing.T) {
	started := fixedNow.Add(-90 * time.Second)
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: stubHealthRepository{report: domain.SystemHealthReport{
			Status: domain.HealthStatusOK,
			Checks: map[string]domain.SystemHealthCheck{"firestore": {Status: domain.HealthStatusOK}},
		}},
		Clock: fixedClock,
		Build: BuildInfo{Version: "1.4.0", CommitSHA: "c0ffee", Environment: "staging", StartedAt: started},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "c0ffee" || report.Environment != "staging" {
		t.Fatalf("unexpected build metadata %+v", report)
	}
	if report.Uptime != 90*time.Second {
		t.Fatalf("expected uptime 90s, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(fixedNow) {
		t.Fatalf("expected generated at %s, got %s", fixedNow, report.GeneratedAt)
	}
	if report.Capabilities != nil {
		t.Fatalf("expected no capabilities without wiring info, got %v", report.Capabilities)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
}

func TestSystemServiceDegradedWithoutProcessors(t *testing.T) {
	capabilities := map[string]bool{
		domain.CapabilityCard:     false,
		domain.CapabilityWallet:   false,
		domain.CapabilityShipping: true,
	}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: stubHealthRepository{report: domain.SystemHealthReport{Status: domain.HealthStatusOK}},
		Capabilities:     capabilities,
		Clock:            fixedClock,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	capabilities[domain.CapabilityCard] = true

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	check, ok := report.Checks[paymentsCheckName]
	if !ok || check.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded payments check, got %+v", report.Checks)
	}
	if report.Capabilities[domain.CapabilityCard] || !report.Capabilities[domain.CapabilityShipping] {
		t.Fatalf("expected capabilities snapshot from construction, got %v", report.Capabilities)
	}
}

func TestSystemServiceWalletOnlyIsReady(t *testing.T) {
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: stubHealthRepository{},
		Capabilities:     map[string]bool{domain.CapabilityWallet: true},
		Clock:            fixedClock,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if _, ok := report.Checks[paymentsCheckName]; ok {
		t.Fatal("expected no payments check when a wallet is wired")
	}
}

func TestSystemServiceErrorOutranksDegraded(t *testing.T) {
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: stubHealthRepository{report: domain.SystemHealthReport{
			Status: domain.HealthStatusDegraded,
			Checks: map[string]domain.SystemHealthCheck{
				"firestore":     {Status: domain.HealthStatusError, Error: "deadline exceeded"},
				"secretManager": {Status: domain.HealthStatusOK},
			},
		}},
		Capabilities: map[string]bool{},
		Clock:        fixedClock,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("expected collected checks plus payments, got %v", report.Checks)
	}
}

func TestSystemServicePropagatesCollectError(t *testing.T) {
	boom := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: stubHealthRepository{err: boom},
		Clock:            fixedClock,
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected collect error, got %v", err)
	}
}
