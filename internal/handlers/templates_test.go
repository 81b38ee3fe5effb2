package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/dynofield/api/internal/engine"
	"github.com/dynofield/api/internal/platform/observability"
	"github.com/dynofield/api/internal/repositories/memory"
	"github.com/dynofield/api/internal/services"
)

const testMarkup = `<svg xmlns="http://www.w3.org/2000/svg"><text id="dyno.price"><tspan>0</tspan></text><text>Call {{dyno.phone}}</text></svg>`

func newTemplateTestRouter(t *testing.T) (http.Handler, services.TemplateService) {
	t.Helper()
	svc, err := services.NewTemplateService(services.TemplateServiceDeps{
		Templates: memory.NewTemplateRepository(),
		Engine:    engine.New(),
	})
	if err != nil {
		t.Fatalf("new template service: %v", err)
	}
	r := chi.NewRouter()
	r.Route("/templates", NewTemplateHandlers(svc).Routes)
	return r, svc
}

func TestTemplateHandlers_Upload_JSON(t *testing.T) {
	router, _ := newTemplateTestRouter(t)

	body, _ := json.Marshal(map[string]string{"id": "listing", "name": "Listing", "raw_markup": testMarkup})
	req := httptest.NewRequest(http.MethodPost, "/templates", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/templates/listing" {
		t.Fatalf("unexpected location %q", loc)
	}
	var resp templatePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "listing" || resp.Name != "Listing" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if strings.Join(resp.DeclaredFields, ",") != "dyno.price,dyno.phone" {
		t.Fatalf("unexpected declared fields %v", resp.DeclaredFields)
	}
}

func TestTemplateHandlers_Upload_RawSVG(t *testing.T) {
	router, svc := newTemplateTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/templates?id=raw&name=Raw", strings.NewReader(testMarkup))
	req.Header.Set("Content-Type", "image/svg+xml; charset=utf-8")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	tmpl, err := svc.GetTemplate(context.Background(), "raw")
	if err != nil {
		t.Fatalf("template not stored: %v", err)
	}
	if tmpl.Name != "Raw" {
		t.Fatalf("unexpected name %q", tmpl.Name)
	}
}

func TestTemplateHandlers_Upload_Errors(t *testing.T) {
	router, _ := newTemplateTestRouter(t)

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "unknown field", body: `{"raw_markup":"<svg/>","owner":"x"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "empty body", body: ``, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "trailing data", body: `{"raw_markup":"<svg/>"} {}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "missing markup", body: `{"id":"x"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "malformed", body: `{"id":"x","raw_markup":"just text"}`, status: http.StatusUnprocessableEntity, code: "malformed_markup"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/templates", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			var payload map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if payload["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, payload["error"])
			}
		})
	}
}

func TestTemplateHandlers_GetListDelete(t *testing.T) {
	router, svc := newTemplateTestRouter(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.UploadTemplate(ctx, services.UploadTemplateCommand{ID: id, RawMarkup: testMarkup}); err != nil {
			t.Fatalf("upload %s: %v", id, err)
		}
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/templates?pageSize=2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var page templateListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(page.Templates) != 2 || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/templates?pageSize=2&pageToken="+page.NextPageToken, nil))
	var next templateListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &next); err != nil {
		t.Fatalf("decode second page: %v", err)
	}
	if len(next.Templates) != 1 || next.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", next)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/templates/b", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"id":"b"`) {
		t.Fatalf("get: unexpected response %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/templates/b", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/templates/b", nil))
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "template_not_found") {
		t.Fatalf("expected 404 after delete, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestTemplateHandlers_List_InvalidToken(t *testing.T) {
	router, _ := newTemplateTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/templates?pageToken=not-a-token", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestTemplateHandlers_Preview(t *testing.T) {
	router, svc := newTemplateTestRouter(t)
	if _, err := svc.UploadTemplate(context.Background(), services.UploadTemplateCommand{ID: "listing", RawMarkup: testMarkup}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/templates/listing/preview?width=64&height=32", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if backend := rr.Header().Get(observability.RenderBackendHeader); backend != "placeholder" {
		t.Fatalf("unexpected backend %q", backend)
	}
	if rr.Header().Get("Cache-Control") != "no-store" || rr.Body.Len() == 0 {
		t.Fatalf("unexpected preview response headers=%v len=%d", rr.Header(), rr.Body.Len())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/templates/listing/preview?width=wide", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid width, got %d", rr.Code)
	}
}

func TestTemplateHandlers_NilService(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/templates", NewTemplateHandlers(nil).Routes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/templates", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
