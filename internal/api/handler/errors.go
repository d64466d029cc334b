// Package handler implements the operator HTTP API.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/carscope/internal/api/response"
	"github.com/kiranshivaraju/carscope/internal/enrichment/httpx"
	"github.com/kiranshivaraju/carscope/internal/store"
)

// writeError maps errors shared by several handlers. Handler-specific
// sentinels are matched by the handler before falling back to this.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, httpx.ErrServiceUnavailable):
		response.Error(w, http.StatusBadGateway, "ENRICHMENT_UNAVAILABLE",
			"The enrichment service is not available", nil)
	case errors.Is(err, httpx.ErrRequestRejected), errors.Is(err, httpx.ErrInvalidResponse):
		response.Error(w, http.StatusBadGateway, "ENRICHMENT_ERROR",
			"The enrichment service rejected the request", map[string]string{"reason": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, "TIMEOUT", "The request took too long", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// uuidParam parses a UUID path parameter, writing a 400 when it is invalid.
func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, code, "Invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}
