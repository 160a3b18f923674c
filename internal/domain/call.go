package domain

import (
	"fmt"
	"strings"
	"time"
)

// CallStatus is the lifecycle state reported for an outbound call.
type CallStatus string

const (
	CallStatusDialing          CallStatus = "dialing"
	CallStatusSimulatedDialing CallStatus = "simulated_dialing"
	CallStatusFailed           CallStatus = "failed"
	CallStatusCompleted        CallStatus = "completed"
)

// CallRequest is the validated input of one outbound call workflow.
type CallRequest struct {
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name,omitempty"`
	PhoneNumber    string `json:"phone_number"`
	TrunkID        string `json:"trunk_id"`
	CallID         string `json:"call_id"`
	PromptTemplate string `json:"prompt_template,omitempty"`
}

// Validate checks required fields and the E.164 prefix.
func (r CallRequest) Validate() error {
	if strings.TrimSpace(r.AgentID) == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidCallRequest)
	}
	if strings.TrimSpace(r.PhoneNumber) == "" {
		return fmt.Errorf("%w: phone_number is required", ErrInvalidCallRequest)
	}
	if !strings.HasPrefix(r.PhoneNumber, "+") {
		return fmt.Errorf("%w: phone_number must start with +", ErrInvalidCallRequest)
	}
	if len(Digits(r.PhoneNumber)) == 0 {
		return fmt.Errorf("%w: phone_number has no digits", ErrInvalidCallRequest)
	}
	return nil
}

// RoomName derives the room for this call. The same request always yields the same name.
func (r CallRequest) RoomName() string {
	if r.CallID != "" {
		return "call-" + r.CallID
	}
	return fmt.Sprintf("call-%s-%s", r.AgentID, Digits(r.PhoneNumber))
}

// SIPIdentity is the participant identity used for the SIP leg of this call.
func (r CallRequest) SIPIdentity() string {
	if r.CallID != "" {
		return "sip-" + r.CallID
	}
	return "sip-" + Digits(r.PhoneNumber)
}

// WorkerName returns the dispatch target for the request's agent.
func (r CallRequest) WorkerName() string {
	return WorkerID(r.AgentID)
}

// CallAttempt is the outcome of placing one SIP call.
type CallAttempt struct {
	ParticipantID string     `json:"participant_id,omitempty"`
	SIPCallID     string     `json:"sip_call_id,omitempty"`
	RoomName      string     `json:"room_name"`
	TrunkID       string     `json:"trunk_id"`
	PhoneNumber   string     `json:"phone_number"`
	CallID        string     `json:"call_id"`
	Status        CallStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CallEvent is one lifecycle notification delivered to the workflow webhook.
type CallEvent struct {
	CallID     string     `json:"callId"`
	Status     CallStatus `json:"status"`
	FieldValue string     `json:"field_value"`
	CallSID    string     `json:"call_sid,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Digits strips everything but 0-9 from s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// CallIDForSIPParticipant recovers the call id from a call room and its SIP participant identity.
// Rooms named without a call id yield false.
func CallIDForSIPParticipant(roomName, identity string) (string, bool) {
	id, ok := strings.CutPrefix(identity, "sip-")
	if !ok || id == "" || roomName != "call-"+id {
		return "", false
	}
	return id, true
}
