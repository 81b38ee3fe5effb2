// Package render rasterizes SVG documents through an ordered list of backends.
// The last backend is the fallback and is expected never to fail.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dynofield/api/internal/domain"
)

const (
	// DefaultWidth and DefaultHeight size renders that do not specify a size.
	DefaultWidth  = 1080
	DefaultHeight = 1080

	// FormatPNG is the only raster format backends produce.
	FormatPNG = "png"

	defaultStageTimeout    = 30 * time.Second
	defaultFallbackTimeout = 5 * time.Second
	metricNamespace        = "github.com/dynofield/api/internal/render"
)

var (
	// ErrRenderBackendUnavailable is returned only when the fallback backend
	// fails as well.
	ErrRenderBackendUnavailable = errors.New("render: no backend produced output")
	// ErrUnsupported is returned by a backend that declines a document.
	ErrUnsupported = errors.New("render: document not supported by backend")
	// ErrEmptyDocument is returned for blank input.
	ErrEmptyDocument = errors.New("render: empty document")
)

var tracer = otel.Tracer("github.com/dynofield/api/internal/render")

// Request describes one rasterization.
type Request struct {
	Document string
	Width    int
	Height   int
}

func (r Request) withDefaults() Request {
	if r.Width <= 0 {
		r.Width = DefaultWidth
	}
	if r.Height <= 0 {
		r.Height = DefaultHeight
	}
	return r
}

// Backend turns an SVG document into PNG bytes. Implementations must return
// promptly once ctx is done.
type Backend interface {
	Name() string
	Render(ctx context.Context, req Request) ([]byte, error)
}

// BackendError records why a backend attempt did not produce output.
type BackendError struct {
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("render: backend %s: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Stage pairs a backend with its time budget.
type Stage struct {
	Backend Backend
	Timeout time.Duration
}

// State is the position of a render request in the pipeline.
type State int

const (
	StatePending State = iota
	StateTrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateTrying:
		return "trying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Attempt is one backend invocation.
type Attempt struct {
	Backend  string
	Skipped  bool
	Duration time.Duration
	Err      error
}

// Pipeline tries each stage in order until one produces output.
type Pipeline struct {
	stages   []Stage
	fallback Stage
	logger   *zap.Logger

	attempts        metric.Int64Counter
	attemptsEnabled bool
	latency         metric.Float64Histogram
	latencyEnabled  bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithFallback replaces the placeholder as the last backend.
func WithFallback(backend Backend, timeout time.Duration) Option {
	return func(p *Pipeline) {
		p.fallback = Stage{Backend: backend, Timeout: timeout}
	}
}

// New builds a pipeline from stages. The placeholder backend is appended as
// the fallback unless WithFallback names another one.
func New(stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for _, stage := range stages {
		if stage.Backend == nil {
			continue
		}
		if stage.Timeout <= 0 {
			stage.Timeout = defaultStageTimeout
		}
		p.stages = append(p.stages, stage)
	}
	fallback := p.fallback
	if fallback.Backend == nil {
		fallback = Stage{Backend: NewPlaceholder()}
	}
	if fallback.Timeout <= 0 {
		fallback.Timeout = defaultFallbackTimeout
	}
	p.stages = append(p.stages, fallback)

	meter := otel.GetMeterProvider().Meter(metricNamespace)
	attempts, err := meter.Int64Counter(
		"render.attempts",
		metric.WithDescription("Count of render backend attempts by outcome"),
	)
	if err != nil {
		p.logger.Warn("render: unable to register attempts metric", zap.Error(err))
	}
	p.attempts, p.attemptsEnabled = attempts, err == nil

	latency, err := meter.Float64Histogram(
		"render.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds per render backend attempt"),
	)
	if err != nil {
		p.logger.Warn("render: unable to register latency metric", zap.Error(err))
	}
	p.latency, p.latencyEnabled = latency, err == nil
	return p
}

// Backends returns the configured backend names in order.
func (p *Pipeline) Backends() []string {
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Backend.Name()
	}
	return names
}

// Close releases backends that hold resources across renders, such as a
// launched browser.
func (p *Pipeline) Close() error {
	var errs []error
	for _, stage := range p.stages {
		if closer, ok := stage.Backend.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", stage.Backend.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Render rasterizes req. Each backend runs under its own timeout bounded by the
// caller deadline. When the caller deadline has already passed, the remaining
// backends are skipped. The fallback always runs detached from the caller
// deadline with its own budget. A panicking backend counts as a failed attempt.
func (p *Pipeline) Render(ctx context.Context, req Request) (domain.RenderResult, error) {
	result, _, err := p.RenderWithAttempts(ctx, req)
	return result, err
}

// RenderWithAttempts is Render that also reports every backend attempt.
func (p *Pipeline) RenderWithAttempts(ctx context.Context, req Request) (domain.RenderResult, []Attempt, error) {
	if req.Document == "" {
		return domain.RenderResult{}, nil, ErrEmptyDocument
	}
	req = req.withDefaults()
	ctx, span := tracer.Start(ctx, "render.Pipeline.Render", trace.WithAttributes(
		attribute.Int("render.width", req.Width),
		attribute.Int("render.height", req.Height),
	))
	defer span.End()

	state := StatePending
	attempts := make([]Attempt, 0, len(p.stages))
	last := len(p.stages) - 1
	for i, stage := range p.stages {
		name := stage.Backend.Name()
		fallback := i == last
		if !fallback && ctx.Err() != nil {
			attempts = append(attempts, Attempt{Backend: name, Skipped: true, Err: ctx.Err()})
			continue
		}

		state = StateTrying
		p.logger.Debug("render state", zap.Stringer("state", state), zap.String("backend", name), zap.Int("stage", i))
		started := time.Now()
		data, err := p.attempt(ctx, stage, req, fallback)
		elapsed := time.Since(started)
		p.record(ctx, name, elapsed, err)
		attempts = append(attempts, Attempt{Backend: name, Duration: elapsed, Err: err})

		if err == nil {
			state = StateSucceeded
			if fallback && i > 0 {
				p.logger.Info("render used fallback backend", zap.String("backend", name))
			}
			span.SetAttributes(attribute.String("render.backend", name), attribute.String("render.state", state.String()))
			return domain.RenderResult{
				Bytes:   data,
				Format:  FormatPNG,
				Backend: name,
				Width:   req.Width,
				Height:  req.Height,
			}, attempts, nil
		}
		p.logger.Warn("render backend failed",
			zap.String("backend", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	}

	state = StateFailed
	span.SetAttributes(attribute.String("render.state", state.String()))
	span.SetStatus(codes.Error, "all backends failed")
	return domain.RenderResult{}, attempts, ErrRenderBackendUnavailable
}

func (p *Pipeline) attempt(ctx context.Context, stage Stage, req Request, fallback bool) ([]byte, error) {
	name := stage.Backend.Name()
	parent := ctx
	if fallback {
		parent = context.WithoutCancel(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(parent, stage.Timeout)
	defer cancel()
	attemptCtx, span := tracer.Start(attemptCtx, "render.backend", trace.WithAttributes(attribute.String("render.backend", name)))
	defer span.End()

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		data, err := stage.Backend.Render(attemptCtx, req)
		done <- outcome{data: data, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		out.err = attemptCtx.Err()
	}
	if out.err == nil && len(out.data) == 0 {
		out.err = errors.New("empty output")
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "backend failed")
		return nil, &BackendError{Backend: name, Err: out.err}
	}
	return out.data, nil
}

func (p *Pipeline) record(ctx context.Context, backend string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend), attribute.String("outcome", outcome))
	if p.attemptsEnabled {
		p.attempts.Add(ctx, 1, attrs)
	}
	if p.latencyEnabled {
		p.latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}
