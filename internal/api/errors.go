package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
	"github.com/nerrad567/roaster-core/internal/roastlog"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeUnavailable   = "unavailable"
	ErrCodeDeviceOffline = "device_offline"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnavailable writes a 503 error response.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDeviceError maps bridge and roast log errors to a response.
func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, roaster.ErrInvalidCommand),
		errors.Is(err, roaster.ErrUnknownField),
		errors.Is(err, roastlog.ErrInvalidCrack):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, roaster.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, ErrCodeDeviceOffline, "roaster is not connected")
	case errors.Is(err, roastlog.ErrRoastNotFound):
		writeNotFound(w, "roast not found")
	case errors.Is(err, roastlog.ErrNoActiveRoast),
		errors.Is(err, roastlog.ErrCrackAlreadyMarked):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
