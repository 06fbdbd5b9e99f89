package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/auth"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/services"
)

const sessionNotFound = "Genie session not found"

// DeleteSessionResponse is returned by DELETE /api/genie-sessions/{id}.
type DeleteSessionResponse struct {
	Success  bool `json:"success"`
	Archived bool `json:"archived"`
}

// GenieSessionHandler serves the genie session CRUD surface.
type GenieSessionHandler struct {
	sessions services.GenieSessionService
	logger   *zap.Logger
}

func NewGenieSessionHandler(sessions services.GenieSessionService, logger *zap.Logger) *GenieSessionHandler {
	return &GenieSessionHandler{sessions: sessions, logger: logger}
}

// RegisterRoutes registers the session routes. protect authenticates and
// userScope binds a database connection to the caller.
func (h *GenieSessionHandler) RegisterRoutes(mux *http.ServeMux, protect, userScope Chain) {
	base := "/api/genie-sessions"
	mux.HandleFunc("GET "+base, protect(userScope(h.List)))
	mux.HandleFunc("POST "+base, protect(userScope(h.Create)))
	mux.HandleFunc("GET "+base+"/{id}", protect(userScope(h.Get)))
	mux.HandleFunc("PATCH "+base+"/{id}", protect(userScope(h.Update)))
	mux.HandleFunc("DELETE "+base+"/{id}", protect(userScope(h.Delete)))
}

// List handles GET /api/genie-sessions?page=&limit=&genieType=&status=
func (h *GenieSessionHandler) List(w http.ResponseWriter, r *http.Request) {
	page, okPage := queryInt(r, "page")
	limit, okLimit := queryInt(r, "limit")
	if !okPage || !okLimit {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid pagination parameters", nil)
		return
	}

	q := r.URL.Query()
	result, err := h.sessions.List(r.Context(), auth.GetUserIDFromContext(r.Context()), services.SessionListQuery{
		Page:      page,
		Limit:     limit,
		GenieType: q.Get("genieType"),
		Status:    q.Get("status"),
	})
	if err != nil {
		writeServiceError(w, h.logger, err, sessionNotFound, "An unexpected error occurred while fetching genie sessions")
		return
	}

	writeData(w, h.logger, http.StatusOK, result.Sessions, &Meta{
		Page:       result.Page,
		Limit:      result.Limit,
		Total:      result.Total,
		TotalPages: result.TotalPages,
	})
}

// Create handles POST /api/genie-sessions
func (h *GenieSessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateGenieSession
	if empty, err := decodeBody(w, r, &req); err != nil || empty {
		h.invalidBody(w, err)
		return
	}

	session, err := h.sessions.Create(r.Context(), auth.GetUserIDFromContext(r.Context()), &req)
	if err != nil {
		writeServiceError(w, h.logger, err, sessionNotFound, "An unexpected error occurred while creating the genie session")
		return
	}
	writeData(w, h.logger, http.StatusCreated, session, nil)
}

// Get handles GET /api/genie-sessions/{id}
func (h *GenieSessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64ID(w, r, "id", "Invalid session ID", h.logger)
	if !ok {
		return
	}

	session, err := h.sessions.Get(r.Context(), auth.GetUserIDFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, h.logger, err, sessionNotFound, "An unexpected error occurred while fetching the genie session")
		return
	}
	writeData(w, h.logger, http.StatusOK, session, nil)
}

// Update handles PATCH /api/genie-sessions/{id}. A top-level
// "logExecution": true records an execution; the flag is removed before the
// rest of the body is validated.
func (h *GenieSessionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64ID(w, r, "id", "Invalid session ID", h.logger)
	if !ok {
		return
	}

	var body map[string]json.RawMessage
	if empty, err := decodeBody(w, r, &body); err != nil || empty || body == nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid JSON in request body", nil)
		return
	}

	logExecution := string(body["logExecution"]) == "true"
	delete(body, "logExecution")

	stripped, err := json.Marshal(body)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid JSON in request body", nil)
		return
	}
	var patch models.UpdateGenieSession
	if err := json.Unmarshal(stripped, &patch); err != nil {
		h.invalidBody(w, err)
		return
	}

	session, err := h.sessions.Update(r.Context(), auth.GetUserIDFromContext(r.Context()), id, &patch, logExecution)
	if err != nil {
		writeServiceError(w, h.logger, err, sessionNotFound, "An unexpected error occurred while updating the genie session")
		return
	}
	writeData(w, h.logger, http.StatusOK, session, nil)
}

// Delete handles DELETE /api/genie-sessions/{id}?permanent=true
func (h *GenieSessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseInt64ID(w, r, "id", "Invalid session ID", h.logger)
	if !ok {
		return
	}
	permanent := r.URL.Query().Get("permanent") == "true"

	if err := h.sessions.Delete(r.Context(), auth.GetUserIDFromContext(r.Context()), id, permanent); err != nil {
		writeServiceError(w, h.logger, err, sessionNotFound, "An unexpected error occurred while deleting the genie session")
		return
	}
	writeData(w, h.logger, http.StatusOK, DeleteSessionResponse{Success: true, Archived: !permanent}, nil)
}

// invalidBody distinguishes malformed JSON from well-formed JSON of the wrong shape.
func (h *GenieSessionHandler) invalidBody(w http.ResponseWriter, err error) {
	var typeErr *json.UnmarshalTypeError
	if err != nil && errors.As(err, &typeErr) {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid request data", []map[string]string{{
			"field":   typeErr.Field,
			"message": "must be a " + typeErr.Type.String(),
		}})
		return
	}
	writeError(w, h.logger, http.StatusBadRequest, "Invalid JSON in request body", nil)
}
