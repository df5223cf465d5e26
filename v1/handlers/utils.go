package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gov-dx-sandbox/databridge/pkg/monitoring"
	"github.com/gov-dx-sandbox/databridge/v1/middleware"
	"github.com/gov-dx-sandbox/databridge/v1/models"
)

const maxBodyBytes = 1 << 20

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var statusByKind = map[models.ErrorKind]int{
	models.ErrValidation:       http.StatusBadRequest,
	models.ErrNotFound:         http.StatusNotFound,
	models.ErrForbidden:        http.StatusForbidden,
	models.ErrStateConflict:    http.StatusConflict,
	models.ErrDuplicateShare:   http.StatusConflict,
	models.ErrConsentMissing:   http.StatusUnprocessableEntity,
	models.ErrPrecondition:     http.StatusUnprocessableEntity,
	models.ErrTokenInvalid:     http.StatusUnauthorized,
	models.ErrTokenExpired:     http.StatusUnauthorized,
	models.ErrAccessDenied:     http.StatusForbidden,
	models.ErrAccessExhausted:  http.StatusTooManyRequests,
	models.ErrLedgerSubmission: http.StatusServiceUnavailable,
	models.ErrUnauthorized:     http.StatusUnauthorized,
	models.ErrInternal:         http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind models.ErrorKind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondWithJSON sends a JSON response with the given status code
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// headers are already written
		slog.Error("Failed to encode JSON response", "error", err, "statusCode", statusCode)
	}
}

// respondWithError sends a JSON error response with the given status code
func respondWithError(w http.ResponseWriter, statusCode int, kind models.ErrorKind, message string) {
	response := ErrorResponse{}
	response.Error.Code = string(kind)
	response.Error.Message = message
	respondWithJSON(w, statusCode, response)
}

// respondWithServiceError classifies err and writes the matching error response.
// Internal failures are logged and never echoed to the caller.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	kind := models.KindOf(err)
	status := StatusFor(kind)
	if kind == models.ErrInternal {
		slog.Error("Request failed", "operation", operation, "error", err,
			"traceId", monitoring.GetTraceIDFromContext(r.Context()))
		respondWithError(w, status, kind, "An unexpected error occurred")
		return
	}
	slog.Debug("Request rejected", "operation", operation, "kind", kind, "error", err)
	respondWithError(w, status, kind, err.Error())
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, models.ErrValidation, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// requireCaller returns the authenticated caller or writes a 401
func requireCaller(w http.ResponseWriter, r *http.Request) (models.CallerIdentity, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok || caller.ID == "" {
		respondWithError(w, http.StatusUnauthorized, models.ErrUnauthorized, "Caller identity not found")
		return models.CallerIdentity{}, false
	}
	return caller, true
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}
