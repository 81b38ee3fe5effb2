// Package engine resolves dyno fields in a template, substitutes values and
// hands the result to the render pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/fields"
	"github.com/dynofield/api/internal/markup"
	"github.com/dynofield/api/internal/platform/requestctx"
	"github.com/dynofield/api/internal/render"
	"github.com/dynofield/api/internal/sanitize"
	"github.com/dynofield/api/internal/substitute"
)

// ErrMalformedMarkup is returned when a template cannot be repaired into a
// parseable document.
var ErrMalformedMarkup = errors.New("engine: malformed markup")

var tracer = otel.Tracer("github.com/dynofield/api/internal/engine")

// Output is a substituted document and the per-field outcomes.
type Output struct {
	Document    string
	Diagnostics []domain.Diagnostic
	Report      sanitize.Report
}

// Engine runs resolution requests. It is safe for concurrent use.
type Engine struct {
	sanitizer   *sanitize.Sanitizer
	substitutor *substitute.Substitutor
	pipeline    *render.Pipeline
	logger      *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSanitizer overrides the sanitizer.
func WithSanitizer(s *sanitize.Sanitizer) Option {
	return func(e *Engine) {
		if s != nil {
			e.sanitizer = s
		}
	}
}

// WithSubstitutor overrides the substitutor.
func WithSubstitutor(s *substitute.Substitutor) Option {
	return func(e *Engine) {
		if s != nil {
			e.substitutor = s
		}
	}
}

// WithPipeline overrides the render pipeline.
func WithPipeline(p *render.Pipeline) Option {
	return func(e *Engine) {
		if p != nil {
			e.pipeline = p
		}
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an Engine. Without options it substitutes without fetching
// images and renders with the placeholder backend only.
func New(opts ...Option) *Engine {
	e := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.sanitizer == nil {
		e.sanitizer = sanitize.New(sanitize.WithLogger(e.logger))
	}
	if e.substitutor == nil {
		e.substitutor = substitute.New(nil, substitute.WithLogger(e.logger))
	}
	if e.pipeline == nil {
		e.pipeline = render.New(nil, render.WithLogger(e.logger))
	}
	return e
}

// ResolveAndSubstitute applies values to a copy of the template. Fields are
// processed in declaration order, then any remaining values by name. Per-field
// problems are reported as diagnostics; only markup that cannot be repaired is
// an error.
func (e *Engine) ResolveAndSubstitute(ctx context.Context, tmpl domain.Template, values map[string]domain.SubstitutionValue) (Output, error) {
	ctx, span := tracer.Start(ctx, "engine.ResolveAndSubstitute", trace.WithAttributes(
		attribute.String("template.id", tmpl.ID),
		attribute.Int("fields.count", len(values)),
	))
	defer span.End()
	logger := e.loggerFor(ctx).With(zap.String("templateID", tmpl.ID))

	pre := e.sanitizer.Sanitize(tmpl.RawMarkup)
	if !pre.Report.Valid() {
		span.SetStatus(codes.Error, "malformed markup")
		return Output{}, fmt.Errorf("%w: %v", ErrMalformedMarkup, pre.Report.ParseError)
	}
	doc, err := markup.Parse(pre.Markup)
	if err != nil {
		span.SetStatus(codes.Error, "malformed markup")
		return Output{}, fmt.Errorf("%w: %v", ErrMalformedMarkup, err)
	}

	var diagnostics []domain.Diagnostic
	if pre.Report.PayloadsTruncated > 0 {
		diagnostics = append(diagnostics, domain.Diagnostic{
			Kind:   domain.DiagnosticValueTruncated,
			Detail: fmt.Sprintf("%d embedded payload(s) in template truncated", pre.Report.PayloadsTruncated),
		})
	}
	for _, name := range fieldOrder(tmpl.DeclaredFields, values) {
		diag := e.apply(ctx, doc, name, values[name])
		if diag.Kind != domain.DiagnosticApplied {
			logger.Warn("field not applied",
				zap.String("field", diag.FieldName),
				zap.String("kind", string(diag.Kind)),
				zap.Bool("fallbackUsed", diag.FallbackUsed),
				zap.String("detail", diag.Detail),
			)
		}
		diagnostics = append(diagnostics, diag)
	}
	if n := e.substitutor.InjectFonts(doc); n > 0 {
		logger.Debug("font imports injected", zap.Int("count", n))
	}
	e.substitutor.StripBookkeeping(doc)

	final := e.sanitizer.Sanitize(doc.String())
	if !final.Report.Valid() {
		span.SetStatus(codes.Error, "output not well-formed")
		return Output{}, fmt.Errorf("%w: substituted output: %v", ErrMalformedMarkup, final.Report.ParseError)
	}
	if n := final.Report.PayloadsTruncated; n > 0 {
		logger.Warn("payloads truncated after substitution", zap.Int("count", n))
		diagnostics = append(diagnostics, domain.Diagnostic{
			Kind:   domain.DiagnosticValueTruncated,
			Detail: fmt.Sprintf("%d embedded payload(s) truncated after substitution", n),
		})
	}
	span.SetAttributes(attribute.String("sanitize.tier", final.Report.Tier.String()))
	return Output{Document: final.Markup, Diagnostics: diagnostics, Report: final.Report}, nil
}

func (e *Engine) apply(ctx context.Context, doc *markup.Document, name string, value domain.SubstitutionValue) domain.Diagnostic {
	target := fields.Resolve(doc, name)
	if target.Resolved() {
		return e.substitutor.Apply(ctx, target, value)
	}
	if e.substitutor.ReplacePlaceholders(doc, name, value.AsText()) > 0 {
		return domain.Diagnostic{FieldName: name, Kind: domain.DiagnosticApplied}
	}
	return domain.Diagnostic{FieldName: name, Kind: domain.DiagnosticUnresolvedField}
}

// fieldOrder lists the supplied fields, declared ones first in declaration
// order, the rest sorted by name.
func fieldOrder(declared []string, values map[string]domain.SubstitutionValue) []string {
	order := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, name := range declared {
		if _, ok := values[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		order = append(order, name)
	}
	var rest []string
	for name := range values {
		if _, ok := seen[name]; !ok {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// Render rasterizes a document through the pipeline.
func (e *Engine) Render(ctx context.Context, document string, width, height int) (domain.RenderResult, error) {
	return e.pipeline.Render(ctx, render.Request{Document: document, Width: width, Height: height})
}

// Backends lists the render backends in the order they are tried, ending with
// the fallback.
func (e *Engine) Backends() []string {
	return e.pipeline.Backends()
}

// Close releases render backend resources.
func (e *Engine) Close() error {
	return e.pipeline.Close()
}

// DeclaredFields extracts the dyno fields a template declares.
func DeclaredFields(raw string) []string {
	return fields.Extract(raw)
}

func (e *Engine) loggerFor(ctx context.Context) *zap.Logger {
	if logger, ok := requestctx.LoggerFrom(ctx); ok {
		return logger
	}
	return e.logger
}
