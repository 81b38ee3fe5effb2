package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dynofield/api/internal/platform/httpx"
	"github.com/dynofield/api/internal/platform/observability"
	"github.com/dynofield/api/internal/platform/pagination"
	"github.com/dynofield/api/internal/services"
)

const (
	maxTemplateRequestBody = 16 << 20
	maxTemplatePageSize    = 100
)

// TemplateHandlers exposes template management and preview endpoints.
type TemplateHandlers struct {
	templates services.TemplateService
}

// NewTemplateHandlers constructs a new TemplateHandlers instance.
func NewTemplateHandlers(templates services.TemplateService) *TemplateHandlers {
	return &TemplateHandlers{templates: templates}
}

// Routes registers the /templates endpoints.
func (h *TemplateHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listTemplates)
	r.Post("/", h.uploadTemplate)
	r.Get("/{templateID}", h.getTemplate)
	r.Delete("/{templateID}", h.deleteTemplate)
	r.Get("/{templateID}/preview", h.previewTemplate)
}

type templateListResponse struct {
	Templates     []templateSummaryPayload `json:"templates"`
	NextPageToken string                   `json:"next_page_token,omitempty"`
}

type templateSummaryPayload struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	DeclaredFields []string `json:"declared_fields"`
	PreviewURL     string   `json:"preview_url,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
}

type templatePayload struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	RawMarkup      string   `json:"raw_markup"`
	DeclaredFields []string `json:"declared_fields"`
	PreviewURL     string   `json:"preview_url,omitempty"`
	CreatedAt      string   `json:"created_at,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
}

type uploadTemplateRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RawMarkup string `json:"raw_markup"`
}

func (h *TemplateHandlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.templates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "template service unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{MaxPageSize: maxTemplatePageSize})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.templates.ListTemplates(ctx, services.TemplateFilter{
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := templateListResponse{
		Templates:     make([]templateSummaryPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, item := range page.Items {
		resp.Templates = append(resp.Templates, templateSummaryPayload{
			ID:             item.ID,
			Name:           item.Name,
			DeclaredFields: nonNilStrings(item.DeclaredFields),
			PreviewURL:     item.PreviewURL,
			UpdatedAt:      formatTime(item.UpdatedAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *TemplateHandlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.templates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "template service unavailable", http.StatusServiceUnavailable))
		return
	}
	tmpl, err := h.templates.GetTemplate(ctx, chi.URLParam(r, "templateID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toTemplatePayload(tmpl))
}

// uploadTemplate accepts either a JSON body or raw SVG with id and name in the query.
func (h *TemplateHandlers) uploadTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.templates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "template service unavailable", http.StatusServiceUnavailable))
		return
	}

	var cmd services.UploadTemplateCommand
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "image/svg+xml":
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTemplateRequestBody))
		if err != nil {
			writeInvalidBody(ctx, w, err)
			return
		}
		cmd = services.UploadTemplateCommand{
			ID:        r.URL.Query().Get("id"),
			Name:      r.URL.Query().Get("name"),
			RawMarkup: string(body),
		}
	default:
		var payload uploadTemplateRequest
		if err := decodeJSONBody(w, r, maxTemplateRequestBody, &payload); err != nil {
			writeInvalidBody(ctx, w, err)
			return
		}
		cmd = services.UploadTemplateCommand(payload)
	}

	tmpl, err := h.templates.UploadTemplate(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/%s", strings.TrimSuffix(r.URL.Path, "/"), tmpl.ID))
	httpx.WriteJSON(w, http.StatusCreated, toTemplatePayload(tmpl))
}

func (h *TemplateHandlers) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.templates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "template service unavailable", http.StatusServiceUnavailable))
		return
	}
	if err := h.templates.DeleteTemplate(ctx, chi.URLParam(r, "templateID")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TemplateHandlers) previewTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.templates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "template service unavailable", http.StatusServiceUnavailable))
		return
	}
	width, err := queryInt(r, "width")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	height, err := queryInt(r, "height")
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	res, err := h.templates.RenderPreview(ctx, services.PreviewCommand{
		TemplateID: chi.URLParam(r, "templateID"),
		Width:      width,
		Height:     height,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "image/"+res.Format)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(observability.RenderBackendHeader, res.Backend)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Bytes)
}

func toTemplatePayload(tmpl services.Template) templatePayload {
	return templatePayload{
		ID:             tmpl.ID,
		Name:           tmpl.Name,
		RawMarkup:      tmpl.RawMarkup,
		DeclaredFields: nonNilStrings(tmpl.DeclaredFields),
		PreviewURL:     tmpl.PreviewURL,
		CreatedAt:      formatTime(tmpl.CreatedAt),
		UpdatedAt:      formatTime(tmpl.UpdatedAt),
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return value, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

