package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/engine"
	"github.com/dynofield/api/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var _ services.SystemService = (*stubSystemService)(nil)

type healthBody struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	CommitSHA   string `json:"commitSha"`
	Environment string `json:"environment"`
	Uptime      string `json:"uptime"`
	Checks      map[string]struct {
		Status    string `json:"status"`
		Detail    string `json:"detail"`
		LatencyMS int64  `json:"latencyMs"`
	} `json:"checks"`
	Details []string `json:"details"`
}

func decodeHealth(t *testing.T, rr *httptest.ResponseRecorder) healthBody {
	t.Helper()
	var body healthBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestHealthzReportsBuild(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{Version: "1.0.0", CommitSHA: "abc123", Environment: "prod", StartedAt: start}),
		WithHealthClock(func() time.Time { return start.Add(30 * time.Second) }),
	)
	rr := httptest.NewRecorder()
	h.Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeHealth(t, rr)
	require.Equal(t, domain.HealthStatusOK, body.Status)
	require.Equal(t, "1.0.0", body.Version)
	require.Equal(t, "abc123", body.CommitSHA)
	require.Equal(t, "prod", body.Environment)
	require.Equal(t, "30s", body.Uptime)
}

func TestReadyz(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	cases := []struct {
		name        string
		svc         services.SystemService
		wantCode    int
		wantStatus  string
		wantDetails []string
	}{
		{
			name: "all checks ok",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusOK,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 10 * time.Millisecond, CheckedAt: now},
				},
			}},
			wantCode:   http.StatusOK,
			wantStatus: domain.HealthStatusOK,
		},
		{
			name: "failed dependency",
			svc: &stubSystemService{report: services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"pubsub":  {Status: domain.HealthStatusDegraded, Error: "publish failed"},
					"storage": {Status: domain.HealthStatusOK},
				},
			}},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusDegraded,
			wantDetails: []string{"pubsub: publish failed"},
		},
		{
			name: "placeholder only renderer",
			svc: func() services.SystemService {
				svc, err := services.NewSystemService(services.SystemServiceDeps{Renderer: engine.New()})
				require.NoError(t, err)
				return svc
			}(),
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  domain.HealthStatusDegraded,
			wantDetails: []string{"render: placeholder only"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandlers(WithHealthSystemService(tc.svc), WithHealthClock(func() time.Time { return now }))
			rr := httptest.NewRecorder()
			h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			require.Equal(t, tc.wantCode, rr.Code)
			body := decodeHealth(t, rr)
			require.Equal(t, tc.wantStatus, body.Status)
			require.Equal(t, tc.wantDetails, body.Details)
		})
	}
}

func TestReadyzReportError(t *testing.T) {
	h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{err: errors.New("collect failed")}))
	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), "health_unavailable")
}

func TestReadyzWithoutSystemServiceFallsBackToLiveness(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
