package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/kelseyhightower/envconfig"
)

// Config is the worker process configuration, read from the environment the supervisor sets.
type Config struct {
	AgentID        string `envconfig:"AGENT_ID"`
	Name           string `envconfig:"AGENT_NAME" default:"voice-assistant"`
	Identity       string `envconfig:"AGENT_IDENTITY" default:"ai-assistant"`
	DisplayName    string `envconfig:"AGENT_DISPLAY_NAME"`
	PromptTemplate string `envconfig:"AGENT_PROMPT_TEMPLATE"`

	LiveKitURL       string `envconfig:"LIVEKIT_URL"`
	LiveKitAPIKey    string `envconfig:"LIVEKIT_API_KEY"`
	LiveKitAPISecret string `envconfig:"LIVEKIT_API_SECRET"`
	SIPTrunkID       string `envconfig:"SIP_OUTBOUND_TRUNK_ID"`

	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	RealtimeModel string `envconfig:"OPENAI_REALTIME_MODEL" default:"gpt-4o-realtime-preview"`
	Voice         string `envconfig:"OPENAI_VOICE" default:"alloy"`
	RealtimeURL   string `envconfig:"OPENAI_REALTIME_URL"`

	ParticipantTimeout time.Duration `envconfig:"PARTICIPANT_TIMEOUT" default:"60s"`
	DialTimeout        time.Duration `envconfig:"DIAL_PARTICIPANT_TIMEOUT" default:"30s"`
	FallbackTimeout    time.Duration `envconfig:"FALLBACK_PARTICIPANT_TIMEOUT" default:"120s"`
	MonitorInterval    time.Duration `envconfig:"CALL_MONITOR_INTERVAL" default:"5s"`
	MaxCallDuration    time.Duration `envconfig:"MAX_CALL_DURATION" default:"30m"`
	MaxJobs            int           `envconfig:"MAX_JOBS" default:"4"`
	LogEnv             string        `envconfig:"LOG_ENV" default:"production"`
}

// LoadConfig reads the worker configuration from the environment.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("load worker config: %w", err)
	}
	return &c, nil
}

// ApplyAgentID derives the identity from an agent id, as the supervisor does.
func (c *Config) ApplyAgentID(agentID string) {
	if agentID == "" {
		return
	}
	c.AgentID = agentID
	c.Identity = domain.WorkerID(agentID)
}

// Validate checks the settings a worker cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("AGENT_NAME is required"))
	}
	if c.LiveKitURL == "" || c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "" {
		errs = append(errs, errors.New("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required"))
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.MaxJobs < 1 {
		errs = append(errs, errors.New("MAX_JOBS must be at least 1"))
	}
	return errors.Join(errs...)
}

// ParticipantName is the display name the agent joins rooms with.
func (c *Config) ParticipantName() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}
