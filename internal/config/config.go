package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the orchestration server configuration.
// Note: .env is loaded in main.go for local development using godotenv.Load()
type Config struct {
	Port       string
	InstanceID string
	LogEnv     string
	// APISecretKey signs the X-API-Key JWTs accepted under /api; empty disables the check.
	APISecretKey string

	LiveKit      LiveKitConfig
	Twilio       TwilioConfig
	Webhook      WebhookConfig
	Supervisor   SupervisorConfig
	Redis        RedisConfig
	Orchestrator OrchestratorConfig
}

// LiveKitConfig holds the room provider credentials.
type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
}

// TwilioConfig holds the telephony account used for outbound trunks.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	SIPDomain   string
	TrunkID     string
}

// Enabled reports whether account credentials are present.
func (c TwilioConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

// WebhookConfig holds the call event webhook target.
type WebhookConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Channel    string // redis channel for call events, empty disables publishing
}

// SupervisorConfig controls agent worker processes.
type SupervisorConfig struct {
	StateDir     string
	WorkerBinary string
	WorkerArgs   []string
	StartGrace   time.Duration
	StopTimeout  time.Duration
	StateBackend string // file or redis
}

// StateFile is the on-disk record of tracked workers.
func (c SupervisorConfig) StateFile() string {
	return filepath.Join(c.StateDir, "agent_state.json")
}

// LogDir is where worker stdout/stderr are captured.
func (c SupervisorConfig) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// RedisConfig mirrors the redis connection settings.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

// OrchestratorConfig tunes the outbound call workflow.
type OrchestratorConfig struct {
	EmptyTimeoutSeconds int
	JoinVerifyDelay     time.Duration
	ConcurrentResolve   bool
	AutoProvisionTrunk  bool
	AutoDeployWorker    bool
}

// LoadFromEnv reads the configuration from the environment.
func LoadFromEnv() *Config {
	cfg := &Config{
		Port:       getEnvOrDefault("PORT", "8000"),
		InstanceID: getDynamicInstanceID(),
		LogEnv:     getEnvOrDefault("LOG_ENV", "development"),

		APISecretKey: os.Getenv("API_SECRET_KEY"),

		LiveKit: LiveKitConfig{
			URL:       getEnvOrDefault("LIVEKIT_URL", ""),
			APIKey:    getEnvOrDefault("LIVEKIT_API_KEY", ""),
			APISecret: getEnvOrDefault("LIVEKIT_API_SECRET", ""),
		},

		Twilio: TwilioConfig{
			AccountSID:  getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
			AuthToken:   getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
			PhoneNumber: getEnvOrDefault("TWILIO_PHONE_NUMBER", ""),
			SIPDomain:   getEnvOrDefault("TWILIO_SIP_DOMAIN", "sip.twilio.com"),
			TrunkID:     getEnvOrDefault("TWILIO_SIP_TRUNK_ID", ""),
		},

		Webhook: WebhookConfig{
			URL:        getEnvOrDefault("WEBHOOK_URL", os.Getenv("XANO_WEBHOOK_URL")),
			APIKey:     getEnvOrDefault("WEBHOOK_API_KEY", os.Getenv("XANO_API_KEY")),
			Timeout:    getEnvAsDurationOrDefault("WEBHOOK_TIMEOUT", 10*time.Second),
			RatePerSec: getEnvAsFloatOrDefault("WEBHOOK_RATE_PER_SEC", 20),
			Burst:      getEnvAsIntOrDefault("WEBHOOK_BURST", 20),
			Channel:    getEnvOrDefault("CALL_EVENTS_CHANNEL", ""),
		},

		Supervisor: SupervisorConfig{
			StateDir:     getEnvOrDefault("AGENT_STATE_DIR", "agents"),
			WorkerBinary: getEnvOrDefault("AGENT_WORKER_BINARY", "./bin/agent"),
			WorkerArgs:   splitAndTrimStrings(os.Getenv("AGENT_WORKER_ARGS"), " "),
			StartGrace:   getEnvAsDurationOrDefault("AGENT_START_GRACE", 2*time.Second),
			StopTimeout:  getEnvAsDurationOrDefault("AGENT_STOP_TIMEOUT", 5*time.Second),
			StateBackend: strings.ToLower(getEnvOrDefault("AGENT_STATE_BACKEND", "file")),
		},

		Redis: RedisConfig{
			Enabled:  getEnvAsBoolOrDefault("REDIS_ENABLED", false),
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsIntOrDefault("REDIS_DB", 0),
		},

		Orchestrator: OrchestratorConfig{
			EmptyTimeoutSeconds: getEnvAsIntOrDefault("ROOM_EMPTY_TIMEOUT_SECONDS", 300),
			JoinVerifyDelay:     getEnvAsDurationOrDefault("DISPATCH_JOIN_VERIFY_DELAY", 1500*time.Millisecond),
			ConcurrentResolve:   getEnvAsBoolOrDefault("ORCHESTRATOR_CONCURRENT_RESOLVE", true),
			AutoProvisionTrunk:  getEnvAsBoolOrDefault("AUTO_PROVISION_TRUNK", false),
			AutoDeployWorker:    getEnvAsBoolOrDefault("AUTO_DEPLOY_WORKER", true),
		},
	}
	return cfg
}

// Validate checks the settings required to serve calls.
func (c *Config) Validate() error {
	var errs []error
	if c.LiveKit.URL == "" || c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
		errs = append(errs, errors.New("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required"))
	}
	switch c.Supervisor.StateBackend {
	case "file":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("AGENT_STATE_BACKEND=redis requires REDIS_ENABLED=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AGENT_STATE_BACKEND %q", c.Supervisor.StateBackend))
	}
	if c.Webhook.Channel != "" && !c.Redis.Enabled {
		errs = append(errs, errors.New("CALL_EVENTS_CHANNEL requires REDIS_ENABLED=true"))
	}
	if c.Orchestrator.EmptyTimeoutSeconds < 0 {
		errs = append(errs, errors.New("ROOM_EMPTY_TIMEOUT_SECONDS must not be negative"))
	}
	return errors.Join(errs...)
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault accepts Go durations ("1500ms") or plain seconds ("5").
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

// splitAndTrimStrings splits a string by delimiter and trims whitespace from each part
func splitAndTrimStrings(s, delimiter string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// getDynamicInstanceID uses the hostname (pod name in K8s) and falls back to a timestamp ID.
func getDynamicInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("outbound-%d", time.Now().UnixNano())
}
