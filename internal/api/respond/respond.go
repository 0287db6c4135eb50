// Package respond provides shared JSON response utilities for API handlers.
package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/albapepper/slotwatch/internal/domain"
)

// ErrorResponse is the standard error shape for all API errors.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	} `json:"error"`
}

// List is the paginated envelope.
type List[T any] struct {
	Data       []T               `json:"data"`
	Pagination domain.Pagination `json:"pagination"`
}

// NewList wraps rows; a nil slice is rendered as [].
func NewList[T any](rows []T, page domain.Page, total int64) List[T] {
	if rows == nil {
		rows = []T{}
	}
	return List[T]{Data: rows, Pagination: domain.NewPagination(page, total)}
}

// WriteJSON writes raw JSON bytes to the response with cache and ETag headers.
func WriteJSON(w http.ResponseWriter, data []byte, etag string, ttl time.Duration, cacheHit bool) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	w.Header().Set("Vary", "Accept-Encoding")
	setCacheHeaders(w, ttl, cacheHit)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// WriteNotModified sends a 304 with the matching ETag.
func WriteNotModified(w http.ResponseWriter, etag string) {
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusNotModified)
}

// WriteError sends a structured JSON error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteErrorDetail(w, status, code, message, "")
}

// WriteErrorDetail sends a structured error with additional detail.
func WriteErrorDetail(w http.ResponseWriter, status int, code, message, detail string) {
	resp := ErrorResponse{}
	resp.Error.Code = code
	resp.Error.Message = message
	resp.Error.Detail = detail
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// WriteJSONObject marshals a Go value to JSON and writes it.
func WriteJSONObject(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteDomainError maps the domain error taxonomy onto HTTP statuses.
// Anything unrecognised is logged and reported as a 500 without detail.
func WriteDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verr *domain.ValidationError
	var aerr *domain.AuthorizationError
	var terr *domain.TimeoutError
	switch {
	case errors.As(err, &verr):
		WriteErrorDetail(w, http.StatusBadRequest, "VALIDATION_FAILED", verr.Error(), verr.Field)
	case errors.As(err, &aerr):
		WriteError(w, http.StatusForbidden, "FORBIDDEN", "Not allowed to access this resource")
	case errors.Is(err, domain.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	case errors.As(err, &terr):
		logger.Warn("Request timed out", "op", terr.Op, "error", err)
		WriteError(w, http.StatusGatewayTimeout, "TIMEOUT", "The request timed out")
	default:
		logger.Error("Request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error")
	}
}

func setCacheHeaders(w http.ResponseWriter, ttl time.Duration, cacheHit bool) {
	maxAge := int(ttl.Seconds())
	swr := maxAge / 2
	if cacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.Header().Set("Cache-Control",
		fmt.Sprintf("public, max-age=%d, stale-while-revalidate=%d", maxAge, swr))
}
