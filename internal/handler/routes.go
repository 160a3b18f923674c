package handler

import (
	"net/http"

	"github.com/ClareAI/astra-outbound/internal/config"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services are the core components the HTTP layer forwards to.
type Services struct {
	Orchestrator CallOrchestrator
	Supervisor   AgentSupervisor
	Trunks       TrunkProvisioner
	Notifier     CallEventNotifier
	// Webhook verifies LiveKit webhooks; nil leaves the webhook route unregistered.
	Webhook WebhookReceiver
	// Metrics serves /metrics; defaults to the global prometheus registry.
	Metrics http.Handler
}

// HandlerManager owns the HTTP handlers and their route wiring
type HandlerManager struct {
	config   *config.Config
	services Services
}

// NewHandlerManager creates the handler manager
func NewHandlerManager(cfg *config.Config, services Services) *HandlerManager {
	if services.Metrics == nil {
		services.Metrics = promhttp.Handler()
	}
	return &HandlerManager{config: cfg, services: services}
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	// Apply global middleware
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)

	router.Handle("/health", NewHealthHandler(hm.config, hm.services.Supervisor)).Methods("GET")
	router.Handle("/metrics", hm.services.Metrics).Methods("GET")

	hm.SetupAPIRoutes(router)

	if hm.services.Webhook != nil && hm.services.Notifier != nil {
		NewLiveKitWebhookHandler(hm.services.Webhook, hm.services.Notifier).SetupLiveKitRoutes(router)
		logger.Base().Info("livekit webhook route registered")
	}

	logger.Base().Info("all application routes registered")
}

// SetupAPIRoutes sets up the /api routes and their middleware
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(APIKeyMiddleware(hm.config.APISecretKey))
	apiRouter.Use(ValidationMiddleware)

	if hm.services.Orchestrator != nil {
		NewCallHandler(hm.services.Orchestrator).SetupCallRoutes(apiRouter)
	}
	if hm.services.Supervisor != nil {
		NewAgentHandler(hm.services.Supervisor).SetupAgentRoutes(apiRouter)
	}
	if hm.services.Trunks != nil {
		NewTrunkHandler(hm.services.Trunks).SetupTrunkRoutes(apiRouter)
	}

	// Preflight for every /api path; CORSMiddleware answers it.
	router.PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}).Methods("OPTIONS")

	if hm.config.APISecretKey == "" {
		logger.Base().Warn("api routes registered without api key (API_SECRET_KEY unset)")
	} else {
		logger.Base().Info("api routes registered with api key")
	}
}
