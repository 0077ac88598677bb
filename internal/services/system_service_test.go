package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tableside/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

func TestSystemServiceHealthReportEnrichesMetadata(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
			},
		},
	}

	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.2.3",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok status, got %s", report.Status)
	}
	if report.Version != "1.2.3" || report.CommitSHA != "abc123" || report.Environment != "prod" {
		t.Fatalf("expected build metadata, got %+v", report)
	}
	if report.Uptime != 5*time.Minute {
		t.Fatalf("expected uptime 5m, got %s", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generated at %s, got %s", now, report.GeneratedAt)
	}
	if repo.calls != 1 {
		t.Fatalf("expected repository to be called once, got %d", repo.calls)
	}
}

func TestSystemServiceHealthReportDerivesStatus(t *testing.T) {
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"pubsub":    {Status: domain.HealthStatusDegraded},
			},
		},
	}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}

	repo.report.Checks["firestore"] = domain.SystemHealthCheck{Status: domain.HealthStatusError}
	report, err = svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error, got %s", report.Status)
	}
}

func TestSystemServiceHealthReportPropagatesError(t *testing.T) {
	repo := &stubHealthRepository{err: errors.New("boom")}
	svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if _, err := svc.HealthReport(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected missing repository to be rejected")
	}
}
