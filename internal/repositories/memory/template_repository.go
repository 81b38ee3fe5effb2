// Package memory provides in-process repositories used when no Firestore
// project is configured.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	domain "github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/platform/pagination"
	"github.com/dynofield/api/internal/repositories"
)

// Error categorises memory repository failures the same way Firestore errors are.
type Error struct {
	Op       string
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	switch {
	case e.notFound:
		return fmt.Sprintf("%s: not found", e.Op)
	case e.conflict:
		return fmt.Sprintf("%s: conflict", e.Op)
	default:
		return e.Op
	}
}

func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

// TemplateRepository keeps templates in a map guarded by a RWMutex.
type TemplateRepository struct {
	mu        sync.RWMutex
	templates map[string]domain.Template
	now       func() time.Time
}

var _ repositories.TemplateRepository = (*TemplateRepository)(nil)

// Option configures the memory repository.
type Option func(*TemplateRepository)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(r *TemplateRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewTemplateRepository constructs an empty repository.
func NewTemplateRepository(opts ...Option) *TemplateRepository {
	repo := &TemplateRepository{
		templates: make(map[string]domain.Template),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo
}

func (r *TemplateRepository) Get(_ context.Context, templateID string) (domain.Template, error) {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return domain.Template{}, errors.New("template repository: template id is required")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[templateID]
	if !ok {
		return domain.Template{}, &Error{Op: "templates.get", notFound: true}
	}
	return cloneTemplate(tmpl), nil
}

func (r *TemplateRepository) Save(_ context.Context, tmpl domain.Template) (domain.Template, error) {
	tmpl.ID = strings.TrimSpace(tmpl.ID)
	if tmpl.ID == "" {
		return domain.Template{}, errors.New("template repository: template id is required")
	}
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.templates[tmpl.ID]; ok {
		tmpl.CreatedAt = existing.CreatedAt
	} else if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now
	r.templates[tmpl.ID] = cloneTemplate(tmpl)
	return cloneTemplate(tmpl), nil
}

func (r *TemplateRepository) Delete(_ context.Context, templateID string) error {
	templateID = strings.TrimSpace(templateID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[templateID]; !ok {
		return &Error{Op: "templates.delete", notFound: true}
	}
	delete(r.templates, templateID)
	return nil
}

// List returns templates ordered by most recent update, then id descending.
func (r *TemplateRepository) List(_ context.Context, filter repositories.TemplateListFilter) (domain.CursorPage[domain.Template], error) {
	afterTime, afterID, err := pagination.DecodeUpdatedToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Template]{}, fmt.Errorf("template repository: invalid page token: %w", err)
	}

	r.mu.RLock()
	all := make([]domain.Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		all = append(all, tmpl)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b domain.Template) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	start := 0
	if afterID != "" {
		start = len(all)
		for i, tmpl := range all {
			if tmpl.UpdatedAt.Before(afterTime) || (tmpl.UpdatedAt.Equal(afterTime) && tmpl.ID < afterID) {
				start = i
				break
			}
		}
	}
	rest := all[start:]

	limit := filter.Pagination.PageSize
	nextToken := ""
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
		last := rest[len(rest)-1]
		nextToken = pagination.EncodeUpdatedToken(last.UpdatedAt, last.ID)
	}

	items := make([]domain.Template, 0, len(rest))
	for _, tmpl := range rest {
		items = append(items, cloneTemplate(tmpl))
	}
	return domain.CursorPage[domain.Template]{Items: items, NextPageToken: nextToken}, nil
}

func cloneTemplate(t domain.Template) domain.Template {
	t.DeclaredFields = slices.Clone(t.DeclaredFields)
	return t
}
