package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// parseInt64ID reads a positive integer path parameter, writing a 400 with
// message when it is missing or malformed.
func parseInt64ID(w http.ResponseWriter, r *http.Request, param, message string, logger *zap.Logger) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, logger, http.StatusBadRequest, message, nil)
		return 0, false
	}
	return id, true
}

// parseUUID reads a UUID path parameter, writing a 400 with message on failure.
func parseUUID(w http.ResponseWriter, r *http.Request, param, message string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(param))
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, message, nil)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt parses an optional integer query parameter. ok is false when the
// value is present but not an integer.
func queryInt(r *http.Request, name string) (value int, ok bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
