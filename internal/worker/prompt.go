package worker

import (
	"fmt"
	"strings"

	"github.com/ClareAI/astra-outbound/internal/domain"
)

// DefaultPrompt is used when the agent has no prompt template.
const DefaultPrompt = `You are a smart phone assistant. Your job is to help the caller efficiently and professionally.
Understand what the caller needs quickly and answer clearly and concisely.
Be polite, patient and empathetic in every exchange.
The caller cannot see you, so be explicit when you explain something.
If you do not know an answer, say so honestly and offer another way to help.`

const inboundGreeting = "Greet the caller warmly and ask how you can help them today."

// Instructions returns the system prompt for a job.
func (c *Config) Instructions() string {
	if p := strings.TrimSpace(c.PromptTemplate); p != "" {
		return p
	}
	return DefaultPrompt
}

// Greeting returns the first-turn instruction; outbound calls open by introducing the agent.
func (c *Config) Greeting(meta domain.DispatchMetadata) string {
	if !meta.IsOutbound() {
		return inboundGreeting
	}
	return fmt.Sprintf("You placed this call. Greet the person who answered, introduce yourself as %s, and briefly explain why you are calling.", c.ParticipantName())
}
