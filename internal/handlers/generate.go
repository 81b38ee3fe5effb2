package handlers

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dynofield/api/internal/domain"
	"github.com/dynofield/api/internal/platform/httpx"
	"github.com/dynofield/api/internal/platform/observability"
	"github.com/dynofield/api/internal/platform/textutil"
	"github.com/dynofield/api/internal/services"
)

const maxGenerateRequestBody = 1 << 20

// GenerationHandlers exposes single-slide and carousel generation.
type GenerationHandlers struct {
	generation  services.GenerationService
	limiter     rateLimiter
	middlewares []func(http.Handler) http.Handler
}

// GenerationOption customises GenerationHandlers.
type GenerationOption func(*GenerationHandlers)

// WithGenerationRateLimit caps generation requests per client address. A
// non-positive limit disables the cap.
func WithGenerationRateLimit(limit int, window time.Duration) GenerationOption {
	return func(h *GenerationHandlers) {
		h.limiter = newFixedWindowLimiter(limit, window, nil)
	}
}

// WithGenerationMiddlewares wraps the generation endpoints, after rate limiting.
func WithGenerationMiddlewares(mw ...func(http.Handler) http.Handler) GenerationOption {
	return func(h *GenerationHandlers) {
		for _, m := range mw {
			if m != nil {
				h.middlewares = append(h.middlewares, m)
			}
		}
	}
}

// NewGenerationHandlers constructs a new GenerationHandlers instance.
func NewGenerationHandlers(generation services.GenerationService, opts ...GenerationOption) *GenerationHandlers {
	h := &GenerationHandlers{generation: generation}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /generate endpoints.
func (h *GenerationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r.With(rateLimitMiddleware(h.limiter))
	if len(h.middlewares) > 0 {
		group = group.With(h.middlewares...)
	}
	group.Post("/single", h.generateSingle)
	group.Post("/carousel", h.generateCarousel)
}

type slideRequest struct {
	TemplateID string            `json:"template_id"`
	Values     map[string]string `json:"values"`
	Render     bool              `json:"render"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
}

type carouselRequest struct {
	Slides []slideRequest `json:"slides"`
}

type diagnosticPayload struct {
	Field        string `json:"field,omitempty"`
	Kind         string `json:"kind"`
	FallbackUsed bool   `json:"fallback_used"`
	Detail       string `json:"detail,omitempty"`
}

type slideErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type slideResponse struct {
	RenderID      string              `json:"render_id"`
	TemplateID    string              `json:"template_id"`
	Document      string              `json:"document,omitempty"`
	Diagnostics   []diagnosticPayload `json:"diagnostics"`
	Backend       string              `json:"backend,omitempty"`
	DocumentURL   string              `json:"document_url,omitempty"`
	RasterURL     string              `json:"raster_url,omitempty"`
	RasterDataURI string              `json:"raster_data_uri,omitempty"`
	Error         *slideErrorPayload  `json:"error,omitempty"`
}

type carouselResponse struct {
	BatchID string          `json:"batch_id"`
	Slides  []slideResponse `json:"slides"`
}

func (h *GenerationHandlers) generateSingle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.generation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "generation service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req slideRequest
	if err := decodeJSONBody(w, r, maxGenerateRequestBody, &req); err != nil {
		writeInvalidBody(ctx, w, err)
		return
	}

	result, err := h.generation.GenerateSingle(ctx, req.toSlide())
	if result.RenderID != "" {
		w.Header().Set(observability.RenderIDHeader, result.RenderID)
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if result.Backend != "" {
		w.Header().Set(observability.RenderBackendHeader, result.Backend)
	}
	httpx.WriteJSON(w, http.StatusOK, toSlideResponse(result))
}

// generateCarousel answers 200 even when individual slides fail; their errors
// are reported inline.
func (h *GenerationHandlers) generateCarousel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.generation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "generation service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req carouselRequest
	if err := decodeJSONBody(w, r, maxGenerateRequestBody*4, &req); err != nil {
		writeInvalidBody(ctx, w, err)
		return
	}

	slides := make([]services.Slide, 0, len(req.Slides))
	for _, slide := range req.Slides {
		slides = append(slides, slide.toSlide())
	}
	result, err := h.generation.GenerateCarousel(ctx, services.CarouselCommand{Slides: slides})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := carouselResponse{BatchID: result.BatchID, Slides: make([]slideResponse, 0, len(result.Slides))}
	for _, slide := range result.Slides {
		resp.Slides = append(resp.Slides, toSlideResponse(slide))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s slideRequest) toSlide() services.Slide {
	return services.Slide{
		TemplateID: s.TemplateID,
		Values:     domain.ValuesFromStrings(textutil.TrimKeys(s.Values)),
		Render:     s.Render,
		Width:      s.Width,
		Height:     s.Height,
	}
}

func toSlideResponse(result services.SlideResult) slideResponse {
	resp := slideResponse{
		RenderID:    result.RenderID,
		TemplateID:  result.TemplateID,
		Document:    result.Document,
		Diagnostics: make([]diagnosticPayload, 0, len(result.Diagnostics)),
		Backend:     result.Backend,
		DocumentURL: result.DocumentURL,
		RasterURL:   result.RasterURL,
	}
	for _, diag := range result.Diagnostics {
		resp.Diagnostics = append(resp.Diagnostics, diagnosticPayload{
			Field:        diag.FieldName,
			Kind:         string(diag.Kind),
			FallbackUsed: diag.FallbackUsed,
			Detail:       diag.Detail,
		})
	}
	if len(result.Raster) > 0 && result.RasterURL == "" {
		resp.RasterDataURI = "data:image/" + result.Format + ";base64," + base64.StdEncoding.EncodeToString(result.Raster)
	}
	if result.Err != nil {
		herr := serviceError(result.Err)
		resp.Error = &slideErrorPayload{Code: herr.Code, Message: herr.Message}
	}
	return resp
}

