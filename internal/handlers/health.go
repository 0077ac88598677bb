package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/platform/httpx"
	"github.com/tableside/api/internal/services"
)

const defaultReadinessTimeout = 5 * time.Second

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	system  services.SystemService
	clock   func() time.Time
	build   services.BuildInfo
	timeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// NewHealthHandlers constructs health handlers. Without a system service /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:   time.Now,
		timeout: defaultReadinessTimeout,
	}
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

// WithHealthSystemService sets the service used to collect dependency probes.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthClock overrides the clock used for timestamps and uptime.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthTimeout bounds the readiness probe.
func WithHealthTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if d > 0 {
			h.timeout = d
		}
	}
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type healthPayload struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	CommitSHA   string                        `json:"commitSha,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime"`
	Timestamp   string                        `json:"timestamp"`
	Checks      map[string]healthCheckPayload `json:"checks,omitempty"`
	Details     []string                      `json:"details,omitempty"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthPayload{
		Status:      string(domain.HealthStatusOK),
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz probes dependencies and answers 503 unless every check is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	if h.system == nil {
		h.Healthz(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", err.Error(), http.StatusServiceUnavailable))
		return
	}

	payload := healthPayload{
		Status:      string(report.Status),
		Version:     firstNonEmpty(report.Version, h.build.Version),
		CommitSHA:   firstNonEmpty(report.CommitSHA, h.build.CommitSHA),
		Environment: firstNonEmpty(report.Environment, h.build.Environment),
		Uptime:      report.Uptime.String(),
		Timestamp:   formatTime(report.GeneratedAt),
		Checks:      make(map[string]healthCheckPayload, len(report.Checks)),
	}
	if payload.Timestamp == "" {
		payload.Timestamp = now.Format(time.RFC3339)
	}
	if payload.Status == "" {
		payload.Status = string(domain.HealthStatusOK)
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		payload.Checks[name] = healthCheckPayload{
			Status:    string(check.Status),
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status != domain.HealthStatusOK {
			reason := firstNonEmpty(check.Error, check.Detail, string(check.Status))
			payload.Details = append(payload.Details, fmt.Sprintf("%s: %s", name, strings.TrimSpace(reason)))
		}
	}

	status := http.StatusOK
	if payload.Status != string(domain.HealthStatusOK) {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}
