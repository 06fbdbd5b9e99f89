package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/services"
)

// CronResponse is the body of a successful cron trigger.
type CronResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RunID     string `json:"runId"`
	Timestamp string `json:"timestamp"`
}

// CronHandler exposes the daily compliance check to an external scheduler
// authenticated with a shared secret.
type CronHandler struct {
	reminders services.ReminderService
	secret    string
	logger    *zap.Logger
	now       func() time.Time
}

func NewCronHandler(reminders services.ReminderService, secret string, logger *zap.Logger) *CronHandler {
	return &CronHandler{reminders: reminders, secret: secret, logger: logger, now: time.Now}
}

func (h *CronHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cron/daily-compliance-check", h.DailyComplianceCheck)
}

// DailyComplianceCheck handles GET /api/cron/daily-compliance-check.
// Without a configured secret every request is rejected.
func (h *CronHandler) DailyComplianceCheck(w http.ResponseWriter, r *http.Request) {
	expected := "Bearer " + h.secret
	got := r.Header.Get("Authorization")
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		if err := WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
		return
	}

	now := h.now()
	run, err := h.reminders.StartDailyCheck(r.Context(), now, "")
	if err != nil {
		h.logger.Error("Failed to start daily compliance check from cron", zap.Error(err))
		if err := WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start compliance check workflow"}); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, CronResponse{
		Success:   true,
		Message:   "Daily compliance check workflow started",
		RunID:     run.ID.String(),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
