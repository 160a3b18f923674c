package handler

import (
	"context"
	"net/http"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/internal/services/outbound"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// CallOrchestrator runs the outbound call workflow.
type CallOrchestrator interface {
	Initiate(ctx context.Context, req domain.CallRequest) *outbound.Result
}

// CallHandler serves outbound call requests.
type CallHandler struct {
	orchestrator CallOrchestrator
}

// NewCallHandler creates a call handler.
func NewCallHandler(orchestrator CallOrchestrator) *CallHandler {
	return &CallHandler{orchestrator: orchestrator}
}

// SetupCallRoutes registers call routes
func (h *CallHandler) SetupCallRoutes(router *mux.Router) {
	router.HandleFunc("/calls/initiate", h.InitiateCall).Methods("POST")
}

// InitiateCall places an outbound call.
// POST /api/calls/initiate
//
// 200 with status "dialing" once the SIP leg is placed, 400 for an invalid request,
// 502 with status "failed" when a provider stage fails.
func (h *CallHandler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	var req domain.CallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := h.orchestrator.Initiate(r.Context(), req)
	if res.Status == domain.CallStatusFailed {
		logger.Base().Warn("outbound call failed",
			zap.String("call_id", req.CallID),
			zap.String("stage", string(res.Stage)),
			zap.String("error", res.Error))
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
