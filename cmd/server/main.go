package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClareAI/astra-outbound/internal/adapters/livekit"
	"github.com/ClareAI/astra-outbound/internal/cache"
	"github.com/ClareAI/astra-outbound/internal/config"
	"github.com/ClareAI/astra-outbound/internal/handler"
	"github.com/ClareAI/astra-outbound/internal/metrics"
	"github.com/ClareAI/astra-outbound/internal/services/agent"
	"github.com/ClareAI/astra-outbound/internal/services/call"
	"github.com/ClareAI/astra-outbound/internal/services/dispatch"
	"github.com/ClareAI/astra-outbound/internal/services/notify"
	"github.com/ClareAI/astra-outbound/internal/services/outbound"
	"github.com/ClareAI/astra-outbound/internal/services/room"
	"github.com/ClareAI/astra-outbound/internal/services/trunk"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/ClareAI/astra-outbound/pkg/redis"
	"github.com/ClareAI/astra-outbound/pkg/twilio"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const shutdownTimeout = 20 * time.Second

// Server is the outbound call orchestration server
type Server struct {
	config     *config.Config
	router     *mux.Router
	supervisor *agent.Supervisor
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Notifier
	redis      *redis.RedisService
}

// NewServer builds every component and registers the routes
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	lkCfg, err := livekit.NewLiveKitConfig(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)
	if err != nil {
		return nil, err
	}
	client, err := livekit.NewClient(lkCfg)
	if err != nil {
		return nil, fmt.Errorf("create livekit client: %w", err)
	}

	s := &Server{config: cfg, router: mux.NewRouter()}

	if cfg.Redis.Enabled {
		s.redis, err = redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		logger.Base().Info("Redis connected", zap.String("host", cfg.Redis.Host), zap.String("port", cfg.Redis.Port))
	}

	m := metrics.MustNewMetrics(prometheus.DefaultRegisterer)

	notifyOpts := []notify.Option{notify.WithResultObserver(m.IncNotifyDelivery)}
	if s.redis != nil && cfg.Webhook.Channel != "" {
		notifyOpts = append(notifyOpts, notify.WithPublisher(s.redis, cfg.Webhook.Channel))
	}
	s.notifier = notify.NewNotifier(notify.Config{
		URL:        cfg.Webhook.URL,
		APIKey:     cfg.Webhook.APIKey,
		Timeout:    cfg.Webhook.Timeout,
		RatePerSec: cfg.Webhook.RatePerSec,
		Burst:      cfg.Webhook.Burst,
	}, notifyOpts...)

	numbers := twilio.NewNumberService(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	authUser, authPass := numbers.Credentials()
	trunks := trunk.NewResolver(client, numbers, cache.NewTrunkCache(), trunk.Config{
		SourceNumber:  cfg.Twilio.PhoneNumber,
		Address:       cfg.Twilio.SIPDomain,
		AuthUsername:  authUser,
		AuthPassword:  authPass,
		AutoProvision: cfg.Orchestrator.AutoProvisionTrunk,
	})
	rooms := room.NewResolver(client)
	s.dispatcher = dispatch.NewDispatcher(client,
		dispatch.WithVerifyDelay(cfg.Orchestrator.JoinVerifyDelay),
		dispatch.WithVerifyObserver(m.ObserveJoinCheck))
	initiator := call.NewInitiator(client, trunks, s.notifier)

	var store agent.Store = agent.NewFileStore(cfg.Supervisor.StateFile())
	if cfg.Supervisor.StateBackend == "redis" {
		store = agent.NewRedisStore(s.redis, cfg.InstanceID)
	}
	workerEnv := []string{"LOG_ENV=" + cfg.LogEnv}
	if cfg.Twilio.TrunkID != "" {
		workerEnv = append(workerEnv, "SIP_OUTBOUND_TRUNK_ID="+cfg.Twilio.TrunkID)
	}
	s.supervisor, err = agent.NewSupervisor(ctx, agent.Config{
		WorkerBinary: cfg.Supervisor.WorkerBinary,
		WorkerArgs:   cfg.Supervisor.WorkerArgs,
		LogDir:       cfg.Supervisor.LogDir(),
		Env:          workerEnv,
		StartGrace:   cfg.Supervisor.StartGrace,
		StopTimeout:  cfg.Supervisor.StopTimeout,
	}, store, agent.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}

	orchestratorOpts := []outbound.Option{outbound.WithMetrics(m)}
	if cfg.Orchestrator.AutoDeployWorker {
		orchestratorOpts = append(orchestratorOpts, outbound.WithWorkerEnsurer(s.supervisor))
	}
	orchestrator := outbound.NewOrchestrator(trunks, rooms, s.dispatcher, initiator, s.notifier, outbound.Config{
		EmptyTimeoutSeconds: uint32(cfg.Orchestrator.EmptyTimeoutSeconds),
		ConcurrentResolve:   cfg.Orchestrator.ConcurrentResolve,
		DefaultTrunkID:      cfg.Twilio.TrunkID,
	}, orchestratorOpts...)

	handler.NewHandlerManager(cfg, handler.Services{
		Orchestrator: orchestrator,
		Supervisor:   s.supervisor,
		Trunks:       trunks,
		Notifier:     s.notifier,
		Webhook:      lkCfg.ReceiveWebhook,
	}).SetupAllRoutes(s.router)

	return s, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down workers and background deliveries.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%s", s.config.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		// Initiate waits for every provider stage and the worker start grace.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Base().Info("Shutdown signal received")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Base().Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := s.supervisor.StopAll(shutdownCtx); err != nil {
		logger.Base().Warn("Some agent workers did not stop cleanly", zap.Error(err))
	}
	s.dispatcher.Wait()
	s.notifier.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	logger.Base().Info("Server stopped")
	return serveErr
}

func main() {
	// Load .env file for local development if it exists.
	// This will not override environment variables set by Helm/Docker
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	cfg := config.LoadFromEnv()
	if _, err := logger.Init(cfg.LogEnv); err != nil {
		log.Printf("failed to initialize zap logger, falling back to std log: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Base().Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, cfg)
	if err != nil {
		logger.Base().Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID))

	if err := server.Run(ctx); err != nil {
		logger.Base().Error("Server failed", zap.Error(err))
		os.Exit(1)
	}
}
