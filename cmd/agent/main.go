package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ClareAI/astra-outbound/internal/adapters/livekit"
	"github.com/ClareAI/astra-outbound/internal/worker"
	"github.com/ClareAI/astra-outbound/internal/worker/voice"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	agentID        string
	agentName      string
	promptTemplate string
)

var rootCmd = &cobra.Command{
	Use:          "agent",
	Short:        "Run a LiveKit voice agent worker",
	Long:         "Registers with LiveKit under one agent name and runs a realtime voice conversation for every room it is dispatched to.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&agentID, "agent-id", "", "agent id; sets the participant identity to agent-<id>")
	rootCmd.Flags().StringVar(&agentName, "agent-name", "", "dispatch name the worker registers under (overrides AGENT_NAME)")
	rootCmd.Flags().StringVar(&promptTemplate, "prompt-template", "", "system prompt (overrides AGENT_PROMPT_TEMPLATE)")
}

func run(ctx context.Context) error {
	cfg, err := worker.LoadConfig()
	if err != nil {
		return err
	}
	cfg.ApplyAgentID(agentID)
	if agentName != "" {
		cfg.Name = agentName
	}
	if promptTemplate != "" {
		cfg.PromptTemplate = promptTemplate
	}

	if _, err := logger.Init(cfg.LogEnv); err != nil {
		log.Printf("failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}

	lkCfg, err := livekit.NewLiveKitConfig(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret)
	if err != nil {
		return err
	}
	client, err := livekit.NewClient(lkCfg)
	if err != nil {
		return err
	}

	realtime := voice.RealtimeConfig{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.RealtimeModel,
		Voice:   cfg.Voice,
		BaseURL: cfg.RealtimeURL,
	}
	runtime := worker.NewRuntime(cfg,
		func(ctx context.Context, job worker.Job) (worker.RoomSession, error) {
			return worker.ConnectSession(job.URL, job.Token, job.RoomName, cfg.Identity)
		},
		client,
		func(ctx context.Context, room worker.RoomSession, res *voice.Resources, instructions string) (worker.Pipeline, error) {
			return voice.NewPipeline(ctx, room, res, realtime, instructions)
		},
	)
	if _, err := runtime.Prewarm(); err != nil {
		logger.Base().Warn("Continuing without prewarmed resources", zap.Error(err))
	}

	server := worker.NewAgentServer(worker.ServerConfig{
		URL:             lkCfg.WebSocketURL(),
		TokenSource:     lkCfg.WorkerToken,
		AgentName:       cfg.Name,
		Identity:        cfg.Identity,
		ParticipantName: cfg.ParticipantName(),
		MaxJobs:         cfg.MaxJobs,
	}, func(ctx context.Context, job worker.Job) error {
		_, err := runtime.Run(ctx, job)
		return err
	})

	logger.Base().Info("Starting voice agent worker",
		zap.String("agent_name", cfg.Name),
		zap.String("identity", cfg.Identity),
		zap.String("agent_id", cfg.AgentID))

	return server.Run(ctx)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
