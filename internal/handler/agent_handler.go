package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// AgentSupervisor manages one worker process per agent.
type AgentSupervisor interface {
	Deploy(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error)
	Status(ctx context.Context, agentID string) (*domain.AgentProcessRecord, error)
	List(ctx context.Context) []domain.AgentProcessRecord
	Stop(ctx context.Context, agentID string) (*domain.AgentProcessRecord, error)
	RunningCount() int
}

// AgentHandler handles agent worker HTTP requests
type AgentHandler struct {
	supervisor AgentSupervisor
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(supervisor AgentSupervisor) *AgentHandler {
	return &AgentHandler{supervisor: supervisor}
}

// SetupAgentRoutes sets up all agent-related routes
func (h *AgentHandler) SetupAgentRoutes(router *mux.Router) {
	router.HandleFunc("/agents/deploy", h.DeployAgent).Methods("POST")
	router.HandleFunc("/agents", h.ListAgents).Methods("GET")
	router.HandleFunc("/agents/{agentId}", h.GetAgentStatus).Methods("GET")
	router.HandleFunc("/agents/{agentId}/stop", h.StopAgent).Methods("POST")

	logger.Base().Info("agent routes registered")
}

// DeployAgent starts the agent's worker process, or reports the one already running.
// POST /api/agents/deploy
func (h *AgentHandler) DeployAgent(w http.ResponseWriter, r *http.Request) {
	var req domain.DeployRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.supervisor.Deploy(r.Context(), req)
	switch {
	case errors.Is(err, domain.ErrInvalidCallRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		logger.Base().Error("agent deploy failed", zap.String("agent_id", req.AgentID), zap.Error(err))
		if res == nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusInternalServerError, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// ListAgents returns every tracked worker.
// GET /api/agents
func (h *AgentHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.supervisor.List(r.Context()))
}

// GetAgentStatus returns one worker record.
// GET /api/agents/{agentId}
func (h *AgentHandler) GetAgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]

	rec, err := h.supervisor.Status(r.Context(), agentID)
	if errors.Is(err, domain.ErrProcessNotFound) {
		writeJSON(w, http.StatusNotFound, rec)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StopAgent terminates the worker process.
// POST /api/agents/{agentId}/stop
func (h *AgentHandler) StopAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agentId"]

	rec, err := h.supervisor.Stop(r.Context(), agentID)
	if errors.Is(err, domain.ErrProcessNotFound) {
		writeError(w, http.StatusNotFound, "Agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
