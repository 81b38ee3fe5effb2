package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	domain "github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/engine"
	"github.com/dynofield/api/internal/fields"
	"github.com/dynofield/api/internal/platform/pagination"
	"github.com/dynofield/api/internal/platform/requestctx"
	"github.com/dynofield/api/internal/platform/storage"
	"github.com/dynofield/api/internal/repositories"
	"github.com/dynofield/api/internal/sanitize"
)

const (
	maxTemplateIDLength   = 128
	maxTemplateNameLength = 200
	previewFileName       = "preview"
)

// TemplateServiceDeps wires dependencies for the template service implementation.
type TemplateServiceDeps struct {
	Templates     repositories.TemplateRepository
	Sanitizer     *sanitize.Sanitizer
	Engine        DocumentEngine
	Uploader      ObjectUploader
	Bucket        string
	DefaultWidth  int
	DefaultHeight int
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        *zap.Logger
}

type templateService struct {
	templates repositories.TemplateRepository
	sanitizer *sanitize.Sanitizer
	engine    DocumentEngine
	uploader  ObjectUploader
	bucket    string
	width     int
	height    int
	newID     func() string
	logger    *zap.Logger
}

var _ TemplateService = (*templateService)(nil)

// NewTemplateService constructs the template service. Uploader and Bucket are
// optional; without them previews are rendered but not stored.
func NewTemplateService(deps TemplateServiceDeps) (TemplateService, error) {
	if deps.Templates == nil {
		return nil, errors.New("template service: template repository is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("template service: engine is required")
	}
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = sanitize.New()
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return strings.ToLower(ulid.Make().String()) }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &templateService{
		templates: deps.Templates,
		sanitizer: sanitizer,
		engine:    deps.Engine,
		uploader:  deps.Uploader,
		bucket:    strings.TrimSpace(deps.Bucket),
		width:     positiveOr(deps.DefaultWidth, 1080),
		height:    positiveOr(deps.DefaultHeight, 1080),
		newID:     idGen,
		logger:    logger,
	}, nil
}

func (s *templateService) GetTemplate(ctx context.Context, templateID string) (Template, error) {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return Template{}, fmt.Errorf("%w: template id is required", ErrTemplateInvalidInput)
	}
	tmpl, err := s.templates.Get(ctx, templateID)
	if err != nil {
		return Template{}, mapRepositoryError(err)
	}
	return tmpl, nil
}

func (s *templateService) ListTemplates(ctx context.Context, filter TemplateFilter) (domain.CursorPage[TemplateSummary], error) {
	pager := filter.Pagination
	if pager.PageSize <= 0 {
		pager.PageSize = pagination.DefaultPageSize
	}
	page, err := s.templates.List(ctx, repositories.TemplateListFilter{Pagination: pager})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[TemplateSummary]{}, fmt.Errorf("%w: %v", ErrTemplateInvalidInput, err)
		}
		return domain.CursorPage[TemplateSummary]{}, mapRepositoryError(err)
	}
	items := make([]TemplateSummary, 0, len(page.Items))
	for _, tmpl := range page.Items {
		items = append(items, tmpl.Summary())
	}
	return domain.CursorPage[TemplateSummary]{Items: items, NextPageToken: page.NextPageToken}, nil
}

// UploadTemplate sanitizes the markup, records its declared fields and stores it.
// Markup that no sanitizer tier can repair is rejected.
func (s *templateService) UploadTemplate(ctx context.Context, cmd UploadTemplateCommand) (Template, error) {
	id := strings.TrimSpace(cmd.ID)
	if id == "" {
		id = s.newID()
	}
	if err := validateTemplateID(id); err != nil {
		return Template{}, err
	}
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		name = id
	}
	if len([]rune(name)) > maxTemplateNameLength {
		return Template{}, fmt.Errorf("%w: name exceeds %d characters", ErrTemplateInvalidInput, maxTemplateNameLength)
	}
	if strings.TrimSpace(cmd.RawMarkup) == "" {
		return Template{}, fmt.Errorf("%w: raw markup is required", ErrTemplateInvalidInput)
	}

	result := s.sanitizer.Sanitize(cmd.RawMarkup)
	if !result.Report.Valid() {
		return Template{}, fmt.Errorf("%w: %v", ErrTemplateMalformed, result.Report.ParseError)
	}
	logger := requestctx.Logger(ctx)
	if result.Report.Tier != sanitize.TierClean {
		logger.Info("template markup repaired",
			zap.String("templateID", id),
			zap.String("tier", result.Report.Tier.String()),
			zap.Strings("removed", result.Report.ElementsRemoved),
		)
	}

	saved, err := s.templates.Save(ctx, Template{
		ID:             id,
		Name:           name,
		RawMarkup:      result.Markup,
		DeclaredFields: fields.Extract(result.Markup),
	})
	if err != nil {
		return Template{}, mapRepositoryError(err)
	}
	return saved, nil
}

func (s *templateService) DeleteTemplate(ctx context.Context, templateID string) error {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return fmt.Errorf("%w: template id is required", ErrTemplateInvalidInput)
	}
	return mapRepositoryError(s.templates.Delete(ctx, templateID))
}

// RenderPreview renders the template as stored, with no values applied. When
// an uploader is configured the image is stored and the template's preview URL
// updated; storage failures only log.
func (s *templateService) RenderPreview(ctx context.Context, cmd PreviewCommand) (RenderResult, error) {
	tmpl, err := s.GetTemplate(ctx, cmd.TemplateID)
	if err != nil {
		return RenderResult{}, err
	}
	width, height, err := renderSize(cmd.Width, cmd.Height, s.width, s.height)
	if err != nil {
		return RenderResult{}, err
	}

	out, err := s.engine.ResolveAndSubstitute(ctx, tmpl, nil)
	if err != nil {
		if errors.Is(err, engine.ErrMalformedMarkup) {
			return RenderResult{}, fmt.Errorf("%w: %v", ErrTemplateMalformed, err)
		}
		return RenderResult{}, err
	}
	res, err := s.engine.Render(ctx, out.Document, width, height)
	if err != nil {
		return RenderResult{}, fmt.Errorf("%w: %v", ErrRenderUnavailable, err)
	}

	if s.uploader != nil && s.bucket != "" {
		s.storePreview(ctx, tmpl, res)
	}
	return res, nil
}

func (s *templateService) storePreview(ctx context.Context, tmpl Template, res RenderResult) {
	logger := requestctx.Logger(ctx).With(zap.String("templateID", tmpl.ID))
	object, err := storage.BuildObjectPath(storage.PurposeTemplatePreview, storage.PathParams{
		TemplateID: tmpl.ID,
		FileName:   previewFileName + "." + res.Format,
	})
	if err != nil {
		logger.Warn("preview path invalid", zap.Error(err))
		return
	}
	url, err := s.uploader.Upload(ctx, s.bucket, object, contentTypeFor(res.Format), res.Bytes)
	if err != nil {
		logger.Warn("preview upload failed", zap.Error(err))
		return
	}
	if url == tmpl.PreviewURL {
		return
	}
	tmpl.PreviewURL = url
	if _, err := s.templates.Save(ctx, tmpl); err != nil {
		logger.Warn("preview url not persisted", zap.Error(err))
	}
}

func validateTemplateID(id string) error {
	if len(id) > maxTemplateIDLength {
		return fmt.Errorf("%w: template id exceeds %d characters", ErrTemplateInvalidInput, maxTemplateIDLength)
	}
	if id == "." || strings.Contains(id, "..") {
		return fmt.Errorf("%w: template id %q is reserved", ErrTemplateInvalidInput, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("%w: template id contains %q", ErrTemplateInvalidInput, r)
		}
	}
	return nil
}

const maxRenderEdge = 4096

func renderSize(width, height, defaultWidth, defaultHeight int) (int, int, error) {
	if width < 0 || height < 0 || width > maxRenderEdge || height > maxRenderEdge {
		return 0, 0, fmt.Errorf("%w: render size must be between 1 and %d", ErrGenerationInvalidInput, maxRenderEdge)
	}
	return positiveOr(width, defaultWidth), positiveOr(height, defaultHeight), nil
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func contentTypeFor(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	case "svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
