package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/dynofield/api/internal/domain"
	pfirestore "github.com/dynofield/api/internal/platform/firestore"
	"github.com/dynofield/api/internal/platform/pagination"
	"github.com/dynofield/api/internal/repositories"
)

const defaultTemplatesCollection = "templates"

// TemplateRepository persists SVG templates in Firestore.
type TemplateRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[templateDocument]
	now      func() time.Time
}

var _ repositories.TemplateRepository = (*TemplateRepository)(nil)

// NewTemplateRepository constructs a Firestore-backed template repository.
// An empty collection name selects "templates".
func NewTemplateRepository(provider *pfirestore.Provider, collection string) (*TemplateRepository, error) {
	if provider == nil {
		return nil, errors.New("template repository: firestore provider is required")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = defaultTemplatesCollection
	}
	base := pfirestore.NewBaseRepository[templateDocument](provider, collection)
	return &TemplateRepository{provider: provider, base: base, now: time.Now}, nil
}

// Get fetches a single template.
func (r *TemplateRepository) Get(ctx context.Context, templateID string) (domain.Template, error) {
	if r == nil || r.base == nil {
		return domain.Template{}, errors.New("template repository not initialised")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return domain.Template{}, errors.New("template repository: template id is required")
	}
	doc, err := r.base.Get(ctx, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	return decodeTemplateDocument(doc), nil
}

// Save upserts the template inside a transaction so the original createdAt survives replacement.
func (r *TemplateRepository) Save(ctx context.Context, tmpl domain.Template) (domain.Template, error) {
	if r == nil || r.base == nil {
		return domain.Template{}, errors.New("template repository not initialised")
	}
	tmpl.ID = strings.TrimSpace(tmpl.ID)
	if tmpl.ID == "" {
		return domain.Template{}, errors.New("template repository: template id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, tmpl.ID)
	if err != nil {
		return domain.Template{}, err
	}

	now := r.now().UTC()
	var saved templateDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		createdAt := tmpl.CreatedAt.UTC()
		snap, err := tx.Get(docRef)
		switch {
		case err == nil:
			var existing templateDocument
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("template repository: decode existing: %w", err)
			}
			createdAt = existing.CreatedAt
		case status.Code(err) == codes.NotFound:
			if createdAt.IsZero() {
				createdAt = now
			}
		default:
			return err
		}
		saved = encodeTemplateDocument(tmpl, createdAt, now)
		return tx.Set(docRef, saved)
	})
	if err != nil {
		return domain.Template{}, pfirestore.WrapError("templates.save", err)
	}
	return decodeTemplateDocument(pfirestore.Document[templateDocument]{ID: tmpl.ID, Data: saved}), nil
}

// Delete removes the template. Missing templates report not found.
func (r *TemplateRepository) Delete(ctx context.Context, templateID string) error {
	if r == nil || r.base == nil {
		return errors.New("template repository not initialised")
	}
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return errors.New("template repository: template id is required")
	}
	return r.base.Delete(ctx, templateID, firestore.Exists)
}

// List returns templates ordered by most recent update.
func (r *TemplateRepository) List(ctx context.Context, filter repositories.TemplateListFilter) (domain.CursorPage[domain.Template], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Template]{}, errors.New("template repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	tokenTime, tokenID, err := pagination.DecodeUpdatedToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Template]{}, fmt.Errorf("template repository: invalid page token: %w", err)
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if tokenID != "" {
			q = q.StartAfter(tokenTime, tokenID)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Template]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		docs = docs[:limit]
		last := docs[len(docs)-1]
		tokenTime := last.Data.UpdatedAt
		if tokenTime.IsZero() {
			tokenTime = last.UpdateTime
		}
		nextToken = pagination.EncodeUpdatedToken(tokenTime, last.ID)
	}

	items := make([]domain.Template, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeTemplateDocument(doc))
	}
	return domain.CursorPage[domain.Template]{Items: items, NextPageToken: nextToken}, nil
}

type templateDocument struct {
	Name           string    `firestore:"name"`
	RawMarkup      string    `firestore:"rawMarkup"`
	DeclaredFields []string  `firestore:"declaredFields"`
	PreviewURL     string    `firestore:"previewUrl"`
	CreatedAt      time.Time `firestore:"createdAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func encodeTemplateDocument(tmpl domain.Template, createdAt, updatedAt time.Time) templateDocument {
	return templateDocument{
		Name:           strings.TrimSpace(tmpl.Name),
		RawMarkup:      tmpl.RawMarkup,
		DeclaredFields: slices.Clone(tmpl.DeclaredFields),
		PreviewURL:     strings.TrimSpace(tmpl.PreviewURL),
		CreatedAt:      createdAt.UTC(),
		UpdatedAt:      updatedAt.UTC(),
	}
}

func decodeTemplateDocument(doc pfirestore.Document[templateDocument]) domain.Template {
	createdAt := doc.Data.CreatedAt
	if createdAt.IsZero() {
		createdAt = doc.CreateTime
	}
	updatedAt := doc.Data.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = doc.UpdateTime
	}
	return domain.Template{
		ID:             doc.ID,
		Name:           doc.Data.Name,
		RawMarkup:      doc.Data.RawMarkup,
		DeclaredFields: slices.Clone(doc.Data.DeclaredFields),
		PreviewURL:     doc.Data.PreviewURL,
		CreatedAt:      createdAt.UTC(),
		UpdatedAt:      updatedAt.UTC(),
	}
}
