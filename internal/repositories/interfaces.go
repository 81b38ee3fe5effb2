package repositories

import (
	"context"
	"errors"

	domain "github.com/dynofield/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// TemplateRepository persists SVG templates and their declared fields.
type TemplateRepository interface {
	Get(ctx context.Context, templateID string) (domain.Template, error)
	List(ctx context.Context, filter TemplateListFilter) (domain.CursorPage[domain.Template], error)
	// Save inserts or replaces the template. CreatedAt of an existing record is preserved.
	Save(ctx context.Context, template domain.Template) (domain.Template, error)
	Delete(ctx context.Context, templateID string) error
}

// HealthRepository aggregates dependency checks for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// TemplateListFilter narrows template listings.
type TemplateListFilter struct {
	Pagination domain.Pagination
}

// IsNotFound reports whether err is a repository not-found failure.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsUnavailable reports whether err is a transient repository failure.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
