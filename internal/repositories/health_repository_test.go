package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tableside/api/internal/domain"
)

func TestProbeRepositoryCollectSuccess(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewProbeRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	}, WithProbeClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewProbeRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestProbeRepositoryCollectDegradedAndTimeout(t *testing.T) {
	repo, err := NewProbeRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return errors.New("boom") }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewProbeRepository: %v", err)
	}
	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if report.Checks["firestore"].Error != "boom" {
		t.Fatalf("expected firestore error recorded, got %+v", report.Checks["firestore"])
	}

	slow, err := NewProbeRepository([]DependencyCheck{{
		Name:    "firestore",
		Timeout: 5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}})
	if err != nil {
		t.Fatalf("NewProbeRepository: %v", err)
	}
	report, err = slow.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError || report.Checks["firestore"].Detail != "timeout" {
		t.Fatalf("expected timeout error, got %+v", report)
	}
}

func TestNewProbeRepositoryValidatesChecks(t *testing.T) {
	if _, err := NewProbeRepository(nil); err == nil {
		t.Fatalf("expected error for empty checks")
	}
	if _, err := NewProbeRepository([]DependencyCheck{{Name: " ", Check: func(context.Context) error { return nil }}}); err == nil {
		t.Fatalf("expected error for unnamed check")
	}
	if _, err := NewProbeRepository([]DependencyCheck{{Name: "firestore"}}); err == nil {
		t.Fatalf("expected error for missing check function")
	}
}
