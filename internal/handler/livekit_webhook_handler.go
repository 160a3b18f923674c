package handler

import (
	"context"
	"net/http"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"
)

// sipCallIDAttribute is set by the LiveKit SIP bridge on the phone participant.
const sipCallIDAttribute = "sip.callID"

// WebhookReceiver verifies and decodes a LiveKit webhook request.
type WebhookReceiver func(r *http.Request) (*livekit.WebhookEvent, error)

// CallEventNotifier delivers call lifecycle events.
type CallEventNotifier interface {
	Notify(ctx context.Context, event domain.CallEvent)
}

// LiveKitWebhookHandler turns room events into call lifecycle events.
type LiveKitWebhookHandler struct {
	receive  WebhookReceiver
	notifier CallEventNotifier
}

// NewLiveKitWebhookHandler creates a webhook handler.
func NewLiveKitWebhookHandler(receive WebhookReceiver, notifier CallEventNotifier) *LiveKitWebhookHandler {
	return &LiveKitWebhookHandler{receive: receive, notifier: notifier}
}

// SetupLiveKitRoutes registers the webhook endpoint
func (h *LiveKitWebhookHandler) SetupLiveKitRoutes(router *mux.Router) {
	router.HandleFunc("/livekit/webhook", h.HandleLiveKitWebhook).Methods("POST")
}

// HandleLiveKitWebhook processes LiveKit webhook events
// POST /livekit/webhook
func (h *LiveKitWebhookHandler) HandleLiveKitWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := h.receive(r)
	if err != nil {
		logger.Base().Warn("rejected livekit webhook", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid webhook")
		return
	}

	logger.Base().Debug("livekit webhook",
		zap.String("event", event.GetEvent()),
		zap.String("room", event.GetRoom().GetName()))

	switch event.GetEvent() {
	case "room_finished":
		logger.Base().Info("Room finished", zap.String("room", event.GetRoom().GetName()))
	case "participant_joined":
		if p := event.GetParticipant(); p.GetKind() == livekit.ParticipantInfo_SIP {
			logger.Base().Info("SIP participant joined",
				zap.String("participant", p.GetIdentity()),
				zap.String("room", event.GetRoom().GetName()))
		}
	case "participant_left":
		h.handleParticipantLeft(r.Context(), event)
	}

	// LiveKit retries on non-2xx; unhandled events are acknowledged too.
	w.WriteHeader(http.StatusOK)
}

// handleParticipantLeft reports a completed call when the phone leg leaves its call room.
func (h *LiveKitWebhookHandler) handleParticipantLeft(ctx context.Context, event *livekit.WebhookEvent) {
	p := event.GetParticipant()
	if p.GetKind() != livekit.ParticipantInfo_SIP {
		return
	}
	roomName := event.GetRoom().GetName()
	callID, ok := domain.CallIDForSIPParticipant(roomName, p.GetIdentity())
	if !ok {
		logger.Base().Debug("SIP participant left a room without a call id",
			zap.String("participant", p.GetIdentity()), zap.String("room", roomName))
		return
	}

	logger.Base().Info("Call completed", zap.String("call_id", callID), zap.String("room", roomName))
	h.notifier.Notify(ctx, domain.CallEvent{
		CallID:  callID,
		Status:  domain.CallStatusCompleted,
		CallSID: p.GetAttributes()[sipCallIDAttribute],
	})
}
