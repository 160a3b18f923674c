package livekit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
)

// WorkerToken generates the token an agent worker registers with.
func (c *LiveKitConfig) WorkerToken() (string, error) {
	at := auth.NewAccessToken(c.APIKey, c.APISecret)
	at.SetVideoGrant(&auth.VideoGrant{Agent: true}).
		SetValidFor(24 * time.Hour)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate worker JWT: %w", err)
	}
	return token, nil
}

// ReceiveWebhook verifies the signed body of a LiveKit webhook request and decodes the event.
func (c *LiveKitConfig) ReceiveWebhook(r *http.Request) (*livekit.WebhookEvent, error) {
	event, err := webhook.ReceiveWebhookEvent(r, auth.NewSimpleKeyProvider(c.APIKey, c.APISecret))
	if err != nil {
		return nil, fmt.Errorf("receive webhook: %w", err)
	}
	return event, nil
}
