package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// TemplateSummary is the listing projection of a template without its markup.
type TemplateSummary struct {
	ID             string
	Name           string
	DeclaredFields []string
	PreviewURL     string
	UpdatedAt      time.Time
}

// Summary projects the template for list responses.
func (t Template) Summary() TemplateSummary {
	return TemplateSummary{
		ID:             t.ID,
		Name:           t.Name,
		DeclaredFields: append([]string(nil), t.DeclaredFields...),
		PreviewURL:     t.PreviewURL,
		UpdatedAt:      t.UpdatedAt,
	}
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
