package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/services"
)

var healthNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func TestHealthzReportsBuildInfo(t *testing.T) {
	h := NewHealthHandlers(
		WithHealthClock(func() time.Time { return healthNow }),
		WithHealthBuildInfo(services.BuildInfo{Version: "1.2.3", CommitSHA: "abc123", Environment: "prod", StartedAt: healthNow.Add(-90 * time.Second)}),
	)
	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr.Body.Bytes())
	if body["status"] != "ok" || body["version"] != "1.2.3" || body["commitSha"] != "abc123" || body["uptime"] != "1m30s" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["timestamp"] != "2024-05-10T12:00:00Z" {
		t.Fatalf("unexpected timestamp %v", body["timestamp"])
	}
}

func TestReadyzWithoutSystemService(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyzStatusCodes(t *testing.T) {
	cases := []struct {
		name    string
		status  string
		want    int
		details int
	}{
		{name: "ok", status: domain.HealthStatusOK, want: http.StatusOK},
		{name: "degraded", status: domain.HealthStatusDegraded, want: http.StatusOK, details: 1},
		{name: "error", status: domain.HealthStatusError, want: http.StatusServiceUnavailable, details: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			redisStatus := tc.status
			detail := ""
			if redisStatus != domain.HealthStatusOK {
				detail = "dial tcp: refused"
			}
			svc := &stubSystemService{report: services.SystemHealthReport{
				Status:  tc.status,
				Version: "1.2.3",
				Uptime:  time.Hour,
				Checks: map[string]domain.SystemHealthCheck{
					"postgres": {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond, CheckedAt: healthNow},
					"redis":    {Status: redisStatus, Detail: detail, Latency: 12 * time.Millisecond, CheckedAt: healthNow},
				},
			}}
			h := NewHealthHandlers(WithHealthSystemService(svc), WithHealthClock(func() time.Time { return healthNow }))
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			body := decodeBody(t, rr.Body.Bytes())
			checks := body["checks"].(map[string]any)
			if redis := checks["redis"].(map[string]any); redis["latencyMs"] != float64(12) || redis["status"] != tc.status {
				t.Fatalf("unexpected redis check: %v", redis)
			}
			details, _ := body["details"].([]any)
			if len(details) != tc.details {
				t.Fatalf("expected %d details, got %v", tc.details, details)
			}
			if body["uptime"] != "1h0m0s" {
				t.Fatalf("unexpected uptime %v", body["uptime"])
			}
		})
	}
}

func TestReadyzServiceError(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{err: errors.New("boom")}))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if body := decodeBody(t, rr.Body.Bytes()); body["error"] != "health_unavailable" {
		t.Fatalf("unexpected body: %v", body)
	}
}
