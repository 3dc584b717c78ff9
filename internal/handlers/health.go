package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

const defaultReadinessTimeout = 3 * time.Second

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	build   services.BuildInfo
	system  services.SystemService
	clock   func() time.Time
	timeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// NewHealthHandlers constructs probe handlers. Without a system service /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now, timeout: defaultReadinessTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

// WithHealthBuildInfo sets the metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

// WithHealthSystemService sets the dependency checker used by /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = svc }
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type readinessCheck struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readyzResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version,omitempty"`
	Uptime    string                    `json:"uptime,omitempty"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]readinessCheck `json:"checks"`
	Details   []string                  `json:"details,omitempty"`
}

// Healthz reports liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	setNoStore(w)
	httpx.WriteJSON(w, http.StatusOK, healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   formatTime(now),
	})
}

// Readyz probes dependencies. A failed check answers 503; a degraded one still answers 200.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	setNoStore(w)
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, readyzResponse{Status: domain.HealthStatusOK, Timestamp: formatTime(now), Checks: map[string]readinessCheck{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "unable to evaluate readiness", http.StatusServiceUnavailable))
		return
	}

	resp := readyzResponse{
		Status:    report.Status,
		Version:   report.Version,
		Timestamp: formatTime(now),
		Checks:    make(map[string]readinessCheck, len(report.Checks)),
	}
	if report.Uptime > 0 {
		resp.Uptime = report.Uptime.Round(time.Second).String()
	}
	names := make([]string, 0, len(report.Checks))
	for name, check := range report.Checks {
		names = append(names, name)
		resp.Checks[name] = readinessCheck{
			Status:    check.Status,
			Detail:    check.Detail,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if check := report.Checks[name]; check.Status != domain.HealthStatusOK {
			resp.Details = append(resp.Details, name+": "+check.Detail)
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}
