package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
)

// maxBodyBytes caps request bodies; RFP text and teaching materials can be long.
const maxBodyBytes = 1 << 20

// ApiResponse is the envelope of every JSON API response.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
	Meta    *Meta  `json:"meta,omitempty"`
}

// Meta carries pagination for list responses.
type Meta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ErrorResponse writes an envelope with success=false.
func ErrorResponse(w http.ResponseWriter, statusCode int, message string, details any) error {
	return WriteJSON(w, statusCode, ApiResponse{Success: false, Error: message, Details: details})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// writeError is ErrorResponse that logs encoding failures.
func writeError(w http.ResponseWriter, logger *zap.Logger, statusCode int, message string, details any) {
	if err := ErrorResponse(w, statusCode, message, details); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

func writeData(w http.ResponseWriter, logger *zap.Logger, statusCode int, data any, meta *Meta) {
	if err := WriteJSON(w, statusCode, ApiResponse{Success: true, Data: data, Meta: meta}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

// writeServiceError maps service errors onto statuses. Validation failures
// carry their issues as details; anything unexpected becomes a 500 with
// fallback as the message.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error, notFound, fallback string) {
	var verr *apperrors.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, logger, http.StatusBadRequest, "Invalid request data", verr.Issues)
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(w, logger, http.StatusNotFound, notFound, nil)
	case errors.Is(err, apperrors.ErrConflict):
		writeError(w, logger, http.StatusConflict, err.Error(), nil)
	default:
		logger.Error(fallback, zap.Error(err))
		writeError(w, logger, http.StatusInternalServerError, fallback, nil)
	}
}

// decodeBody decodes a JSON request body, rejecting unknown trailing data.
// An empty body leaves dst untouched and reports empty=true.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) (empty bool, err error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		return false, err
	}
	if dec.More() {
		return false, errors.New("unexpected data after JSON body")
	}
	return false, nil
}
