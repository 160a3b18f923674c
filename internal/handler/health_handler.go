package handler

import (
	"net/http"

	"github.com/ClareAI/astra-outbound/internal/config"
)

// HealthResponse reports provider configuration and worker count.
type HealthResponse struct {
	Status            string `json:"status"`
	InstanceID        string `json:"instance_id"`
	LiveKitConfigured bool   `json:"livekit_configured"`
	TwilioConfigured  bool   `json:"twilio_configured"`
	WebhookConfigured bool   `json:"webhook_configured"`
	WorkersRunning    int    `json:"workers_running"`
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	config     *config.Config
	supervisor AgentSupervisor
}

// NewHealthHandler creates a health handler. supervisor may be nil.
func NewHealthHandler(cfg *config.Config, supervisor AgentSupervisor) *HealthHandler {
	return &HealthHandler{config: cfg, supervisor: supervisor}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:            "healthy",
		InstanceID:        h.config.InstanceID,
		LiveKitConfigured: h.config.LiveKit.URL != "" && h.config.LiveKit.APIKey != "" && h.config.LiveKit.APISecret != "",
		TwilioConfigured:  h.config.Twilio.Enabled(),
		WebhookConfigured: h.config.Webhook.URL != "",
	}
	if h.supervisor != nil {
		resp.WorkersRunning = h.supervisor.RunningCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
