package services

import (
	"context"
	"time"

	domain "github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/engine"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Template           = domain.Template
	TemplateSummary    = domain.TemplateSummary
	Slide              = domain.Slide
	SlideResult        = domain.SlideResult
	Diagnostic         = domain.Diagnostic
	RenderResult       = domain.RenderResult
	SystemHealthReport = domain.SystemHealthReport
)

// TemplateService manages stored SVG templates.
type TemplateService interface {
	GetTemplate(ctx context.Context, templateID string) (Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) (domain.CursorPage[TemplateSummary], error)
	UploadTemplate(ctx context.Context, cmd UploadTemplateCommand) (Template, error)
	DeleteTemplate(ctx context.Context, templateID string) error
	RenderPreview(ctx context.Context, cmd PreviewCommand) (RenderResult, error)
}

// GenerationService substitutes values into templates and renders the results.
type GenerationService interface {
	GenerateSingle(ctx context.Context, slide Slide) (SlideResult, error)
	GenerateCarousel(ctx context.Context, cmd CarouselCommand) (CarouselResult, error)
}

// SystemService exposes health reports for the health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// DocumentEngine resolves fields and rasterizes documents.
type DocumentEngine interface {
	ResolveAndSubstitute(ctx context.Context, tmpl domain.Template, values map[string]domain.SubstitutionValue) (engine.Output, error)
	Render(ctx context.Context, document string, width, height int) (domain.RenderResult, error)
}

// ObjectUploader stores generated artefacts and returns their URL.
type ObjectUploader interface {
	Upload(ctx context.Context, bucket, object, contentType string, data []byte) (string, error)
}

// RenderPublisher announces completed renders.
type RenderPublisher interface {
	PublishRenderCompleted(ctx context.Context, message RenderCompletedMessage) (string, error)
}

// RenderCompletedMessage is the payload published after each generated slide.
type RenderCompletedMessage struct {
	RenderID         string    `json:"renderId"`
	BatchID          string    `json:"batchId,omitempty"`
	TemplateID       string    `json:"templateId"`
	SlideIndex       int       `json:"slideIndex"`
	Backend          string    `json:"backend,omitempty"`
	DiagnosticsCount int       `json:"diagnosticsCount"`
	DocumentURL      string    `json:"documentUrl,omitempty"`
	RasterURL        string    `json:"rasterUrl,omitempty"`
	CompletedAt      time.Time `json:"completedAt"`
}

// TemplateFilter narrows template listings.
type TemplateFilter struct {
	Pagination Pagination
}

// UploadTemplateCommand creates or replaces a template. An empty ID generates one.
type UploadTemplateCommand struct {
	ID        string
	Name      string
	RawMarkup string
}

// PreviewCommand renders a stored template without substitutions.
type PreviewCommand struct {
	TemplateID string
	Width      int
	Height     int
}

// CarouselCommand generates several slides as one batch.
type CarouselCommand struct {
	Slides []Slide
}

// CarouselResult carries per-slide outcomes in request order.
type CarouselResult struct {
	BatchID string
	Slides  []SlideResult
}
