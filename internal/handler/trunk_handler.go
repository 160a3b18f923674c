package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/gorilla/mux"
)

// TrunkProvisioner creates SIP trunks and inbound routing.
type TrunkProvisioner interface {
	CreateOutboundTrunk(ctx context.Context, req domain.CreateTrunkRequest) (*domain.Trunk, error)
	ProvisionInbound(ctx context.Context, req domain.InboundProvisionRequest) (*domain.InboundProvision, error)
}

// TrunkHandler handles trunk management requests
type TrunkHandler struct {
	trunks TrunkProvisioner
}

// NewTrunkHandler creates a trunk handler.
func NewTrunkHandler(trunks TrunkProvisioner) *TrunkHandler {
	return &TrunkHandler{trunks: trunks}
}

// SetupTrunkRoutes registers trunk routes
func (h *TrunkHandler) SetupTrunkRoutes(router *mux.Router) {
	router.HandleFunc("/trunks", h.CreateOutboundTrunk).Methods("POST")
	router.HandleFunc("/trunks/inbound", h.ProvisionInbound).Methods("POST")
}

// CreateOutboundTrunk creates (or returns the existing) outbound trunk for a number.
// POST /api/trunks
func (h *TrunkHandler) CreateOutboundTrunk(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTrunkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	trunk, err := h.trunks.CreateOutboundTrunk(r.Context(), req)
	if err != nil {
		writeError(w, trunkErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, trunk)
}

// ProvisionInbound creates an inbound trunk and its dispatch rule.
// POST /api/trunks/inbound
func (h *TrunkHandler) ProvisionInbound(w http.ResponseWriter, r *http.Request) {
	var req domain.InboundProvisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := h.trunks.ProvisionInbound(r.Context(), req)
	if err != nil {
		writeError(w, trunkErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func trunkErrorStatus(err error) int {
	if errors.Is(err, domain.ErrInvalidCallRequest) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
