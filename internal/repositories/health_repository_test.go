package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
)

func TestDependencyHealthRepositoryCollect(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "postgres", Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}, WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK || len(report.Checks) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Checks["postgres"].CheckedAt != now {
		t.Fatalf("expected injected clock to be used")
	}
}

func TestDependencyHealthRepositoryDegradedAndTimeout(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "postgres", Check: func(context.Context) error { return errors.New("connection refused") }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusDegraded || report.Checks["postgres"].Detail != "connection refused" {
		t.Fatalf("expected degraded report, got %+v", report)
	}

	repo, _ = NewDependencyHealthRepository([]DependencyCheck{
		{Name: "redis", Timeout: 5 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})
	report, _ = repo.Collect(context.Background())
	if report.Status != domain.HealthStatusError || report.Checks["redis"].Detail != "timeout" {
		t.Fatalf("expected timeout error, got %+v", report)
	}
}

func TestNewDependencyHealthRepositoryValidates(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatal("expected error without checks")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: "x"}}); err == nil {
		t.Fatal("expected error for missing check function")
	}
}
