package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dynofield/api/internal/platform/httpx"
	"github.com/dynofield/api/internal/platform/requestctx"
	"github.com/dynofield/api/internal/services"
	"go.uber.org/zap"
)

// serviceError maps service sentinels onto the HTTP error envelope.
func serviceError(err error) httpx.Error {
	switch {
	case errors.Is(err, services.ErrTemplateInvalidInput), errors.Is(err, services.ErrGenerationInvalidInput):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrTemplateNotFound):
		return httpx.NewError("template_not_found", "template not found", http.StatusNotFound)
	case errors.Is(err, services.ErrTemplateMalformed):
		return httpx.NewError("malformed_markup", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrTemplateRepositoryUnavailable):
		return httpx.NewError("service_unavailable", "template store unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, services.ErrRenderUnavailable):
		return httpx.NewError("render_unavailable", "no render backend succeeded", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return httpx.NewError("deadline_exceeded", "request deadline exceeded", http.StatusGatewayTimeout)
	default:
		return httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError)
	}
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	herr := serviceError(err)
	if herr.Status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Error("request failed", zap.Error(err))
	}
	httpx.WriteError(ctx, w, herr)
}

// decodeJSONBody decodes exactly one JSON value, rejecting unknown fields.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, limit)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if decoder.More() {
		return errors.New("extraneous data")
	}
	return nil
}

func writeInvalidBody(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("invalid request body: %v", err), status))
}
