package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dynofield/api/internal/engine"
	"github.com/dynofield/api/internal/platform/requestctx"
	"github.com/dynofield/api/internal/platform/storage"
)

const (
	defaultPoolSize   = 4
	maxCarouselSlides = 20
	documentFileName  = "document.svg"
	rasterFileName    = "render"
)

var generationTracer = otel.Tracer("github.com/dynofield/api/internal/services")

// GenerationServiceDeps wires dependencies for the generation service.
type GenerationServiceDeps struct {
	Templates     TemplateService
	Engine        DocumentEngine
	Uploader      ObjectUploader
	Bucket        string
	Publisher     RenderPublisher
	PoolSize      int
	DefaultWidth  int
	DefaultHeight int
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        *zap.Logger
}

type generationService struct {
	templates TemplateService
	engine    DocumentEngine
	uploader  ObjectUploader
	bucket    string
	publisher RenderPublisher
	poolSize  int
	width     int
	height    int
	clock     func() time.Time
	newID     func() string
	logger    *zap.Logger
}

var _ GenerationService = (*generationService)(nil)

// NewGenerationService constructs the generation service. Uploader, Bucket and
// Publisher are optional.
func NewGenerationService(deps GenerationServiceDeps) (GenerationService, error) {
	if deps.Templates == nil {
		return nil, errors.New("generation service: template service is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("generation service: engine is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return strings.ToLower(ulid.Make().String()) }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &generationService{
		templates: deps.Templates,
		engine:    deps.Engine,
		uploader:  deps.Uploader,
		bucket:    strings.TrimSpace(deps.Bucket),
		publisher: deps.Publisher,
		poolSize:  positiveOr(deps.PoolSize, defaultPoolSize),
		width:     positiveOr(deps.DefaultWidth, 1080),
		height:    positiveOr(deps.DefaultHeight, 1080),
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

// GenerateSingle substitutes one slide. Missing templates, malformed markup and
// a failed fallback render are errors; everything else degrades into
// diagnostics or empty URLs.
func (s *generationService) GenerateSingle(ctx context.Context, slide Slide) (SlideResult, error) {
	result := s.generate(ctx, "", 0, slide)
	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

// GenerateCarousel processes slides concurrently, at most PoolSize at a time.
// A failed slide is reported in its result and does not stop the others.
func (s *generationService) GenerateCarousel(ctx context.Context, cmd CarouselCommand) (CarouselResult, error) {
	switch n := len(cmd.Slides); {
	case n == 0:
		return CarouselResult{}, fmt.Errorf("%w: at least one slide is required", ErrGenerationInvalidInput)
	case n > maxCarouselSlides:
		return CarouselResult{}, fmt.Errorf("%w: at most %d slides are allowed", ErrGenerationInvalidInput, maxCarouselSlides)
	}

	batchID := s.newID()
	ctx, span := generationTracer.Start(ctx, "generation.Carousel", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("slides.count", len(cmd.Slides)),
	))
	defer span.End()

	results := make([]SlideResult, len(cmd.Slides))
	var g errgroup.Group
	g.SetLimit(s.poolSize)
	for i, slide := range cmd.Slides {
		g.Go(func() error {
			results[i] = s.generate(ctx, batchID, i, slide)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	s.loggerFor(ctx).Info("carousel generated",
		zap.String("batchID", batchID),
		zap.Int("slides", len(results)),
		zap.Int("failed", failed),
	)
	return CarouselResult{BatchID: batchID, Slides: results}, nil
}

func (s *generationService) generate(ctx context.Context, batchID string, index int, slide Slide) SlideResult {
	renderID := s.newID()
	result := SlideResult{RenderID: renderID, TemplateID: strings.TrimSpace(slide.TemplateID)}

	ctx = requestctx.WithRenderID(ctx, renderID)
	logger := s.loggerFor(ctx).With(zap.String("renderID", renderID), zap.String("templateID", result.TemplateID))
	ctx = requestctx.WithLogger(ctx, logger)
	ctx, span := generationTracer.Start(ctx, "generation.Slide", trace.WithAttributes(
		attribute.String("render.id", renderID),
		attribute.String("template.id", result.TemplateID),
		attribute.Bool("render.raster", slide.Render),
	))
	defer span.End()

	width, height, err := renderSize(slide.Width, slide.Height, s.width, s.height)
	if err != nil {
		result.Err = err
		return result
	}
	tmpl, err := s.templates.GetTemplate(ctx, slide.TemplateID)
	if err != nil {
		result.Err = err
		return result
	}

	out, err := s.engine.ResolveAndSubstitute(ctx, tmpl, slide.Values)
	if err != nil {
		if errors.Is(err, engine.ErrMalformedMarkup) {
			err = fmt.Errorf("%w: %v", ErrTemplateMalformed, err)
		}
		result.Err = err
		return result
	}
	result.Document = out.Document
	result.Diagnostics = out.Diagnostics
	result.DocumentURL = s.store(ctx, tmpl.ID, renderID, documentFileName, "image/svg+xml", []byte(out.Document))

	if slide.Render {
		res, err := s.engine.Render(ctx, out.Document, width, height)
		if err != nil {
			result.Err = fmt.Errorf("%w: %v", ErrRenderUnavailable, err)
			return result
		}
		result.Backend = res.Backend
		result.Format = res.Format
		result.Raster = res.Bytes
		result.RasterURL = s.store(ctx, tmpl.ID, renderID, rasterFileName+"."+res.Format, contentTypeFor(res.Format), res.Bytes)
		span.SetAttributes(attribute.String("render.backend", res.Backend))
	}

	s.publish(ctx, RenderCompletedMessage{
		RenderID:         renderID,
		BatchID:          batchID,
		TemplateID:       tmpl.ID,
		SlideIndex:       index,
		Backend:          result.Backend,
		DiagnosticsCount: len(result.Diagnostics),
		DocumentURL:      result.DocumentURL,
		RasterURL:        result.RasterURL,
		CompletedAt:      s.clock(),
	})
	return result
}

// store uploads an artefact and returns its URL, or "" when storage is not
// configured or the upload failed.
func (s *generationService) store(ctx context.Context, templateID, renderID, fileName, contentType string, data []byte) string {
	if s.uploader == nil || s.bucket == "" {
		return ""
	}
	logger := requestctx.Logger(ctx)
	object, err := storage.BuildObjectPath(storage.PurposeRender, storage.PathParams{
		TemplateID: templateID,
		RenderID:   renderID,
		FileName:   fileName,
	})
	if err != nil {
		logger.Warn("render object path invalid", zap.Error(err))
		return ""
	}
	url, err := s.uploader.Upload(ctx, s.bucket, object, contentType, data)
	if err != nil {
		logger.Warn("render upload failed", zap.String("object", object), zap.Error(err))
		return ""
	}
	return url
}

func (s *generationService) publish(ctx context.Context, message RenderCompletedMessage) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.PublishRenderCompleted(ctx, message); err != nil {
		requestctx.Logger(ctx).Warn("render event not published", zap.Error(err))
	}
}

func (s *generationService) loggerFor(ctx context.Context) *zap.Logger {
	if logger, ok := requestctx.LoggerFrom(ctx); ok {
		return logger
	}
	return s.logger
}
