package livekit

import (
	"errors"
	"strings"

	"github.com/ClareAI/astra-outbound/pkg/logger"
	"go.uber.org/zap"
)

// LiveKitConfig holds LiveKit server configuration
type LiveKitConfig struct {
	ServerURL string // LiveKit server URL, ws(s):// or http(s)://
	APIKey    string
	APISecret string
	// RequestsPerSecond caps server API calls; zero disables limiting.
	RequestsPerSecond float64
}

// NewLiveKitConfig creates a new LiveKit configuration with validation
func NewLiveKitConfig(serverURL, apiKey, apiSecret string) (*LiveKitConfig, error) {
	config := &LiveKitConfig{
		ServerURL: serverURL,
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger.Base().Info("LiveKit configuration initialized", zap.String("serverurl", serverURL))
	return config, nil
}

// Validate validates the LiveKit configuration
func (c *LiveKitConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("LiveKit server URL is required")
	}
	if c.APIKey == "" {
		return errors.New("LiveKit API key is required")
	}
	if c.APISecret == "" {
		return errors.New("LiveKit API secret is required")
	}
	return nil
}

// IsEnabled returns whether LiveKit is configured
func (c *LiveKitConfig) IsEnabled() bool {
	return c != nil && c.ServerURL != "" && c.APIKey != "" && c.APISecret != ""
}

// HTTPURL returns the server URL with an http(s) scheme, as used by the server API clients.
func (c *LiveKitConfig) HTTPURL() string {
	u := c.ServerURL
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}

// WebSocketURL returns the server URL with a ws(s) scheme, as used for room and worker connections.
func (c *LiveKitConfig) WebSocketURL() string {
	u := c.ServerURL
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
