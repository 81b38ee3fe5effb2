package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// BackendLister reports the configured render backends, fallback last.
type BackendLister interface {
	Backends() []string
}

// SystemServiceDeps bundles collaborators required to construct a system service.
// HealthRepository may be nil when the process runs without cloud dependencies.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Renderer         BackendLister
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	renderer   BackendLister
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the readiness report source.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil && deps.Renderer == nil {
		return nil, errors.New("system service: health repository or renderer is required")
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
		healthRepo: deps.HealthRepository,
		renderer:   deps.Renderer,
		clock:      func() time.Time { return clock().UTC() },
		build:      build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	var report SystemHealthReport
	if s.healthRepo != nil {
		collected, err := s.healthRepo.Collect(ctx)
		if err != nil {
			return SystemHealthReport{}, err
		}
		report = collected
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
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
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if s.renderer != nil {
		report.Checks["render"] = renderCheck(s.renderer.Backends(), now)
	}
	if strings.TrimSpace(report.Status) == "" || s.renderer != nil {
		report.Status = deriveStatus(report.Checks)
	}
	return report, nil
}

// renderCheck is degraded when the fallback is the only stage, since every
// render would then be a placeholder image.
func renderCheck(backends []string, now time.Time) domain.SystemHealthCheck {
	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, CheckedAt: now}
	if len(backends) <= 1 {
		check.Status = domain.HealthStatusDegraded
		check.Detail = "placeholder only"
		return check
	}
	check.Detail = strings.Join(backends, ",")
	return check
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
