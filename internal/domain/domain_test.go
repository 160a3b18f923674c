package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CallRequest
		wantErr bool
	}{
		{"valid", CallRequest{AgentID: "7", PhoneNumber: "+15551234567", CallID: "c-1"}, false},
		{"missing agent", CallRequest{PhoneNumber: "+15551234567"}, true},
		{"missing phone", CallRequest{AgentID: "7"}, true},
		{"no plus", CallRequest{AgentID: "7", PhoneNumber: "15551234567"}, true},
		{"plus only", CallRequest{AgentID: "7", PhoneNumber: "+"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCallRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCallRequestRoomNameIsDeterministic(t *testing.T) {
	req := CallRequest{AgentID: "7", PhoneNumber: "+15551234567", CallID: "c-100"}
	assert.Equal(t, "call-c-100", req.RoomName())
	assert.Equal(t, req.RoomName(), req.RoomName())
	assert.Equal(t, "sip-c-100", req.SIPIdentity())

	noCall := CallRequest{AgentID: "7", PhoneNumber: "+1 (555) 123-4567"}
	assert.Equal(t, "call-7-15551234567", noCall.RoomName())
	assert.Equal(t, "agent-7", noCall.WorkerName())
}

func TestTrunkHasNumber(t *testing.T) {
	tr := &Trunk{TrunkID: "ST_1", Numbers: []string{"+15551234567"}}
	assert.True(t, tr.HasNumber("+15551234567"))
	assert.True(t, tr.HasNumber("15551234567"))
	assert.False(t, tr.HasNumber("+15550000000"))
	assert.False(t, tr.HasNumber(""))

	var nilTrunk *Trunk
	assert.False(t, nilTrunk.HasNumber("+1"))
}

func TestDispatchMetadataDecode(t *testing.T) {
	m, err := DecodeDispatchMetadata(`{"phone_number": "+15551234567", "call_id": "c-1"}`)
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", m.PhoneNumber)
	assert.Equal(t, "c-1", m.CallID)
	assert.True(t, m.IsOutbound())

	m, err = DecodeDispatchMetadata("")
	require.NoError(t, err)
	assert.False(t, m.IsOutbound())

	m, err = DecodeDispatchMetadata("{not json")
	assert.Error(t, err)
	assert.Equal(t, DispatchMetadata{}, m)
}

func TestDispatchMetadataEncode(t *testing.T) {
	raw, err := DispatchMetadata{PhoneNumber: "+1555", CallID: "c-9"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"phone_number":"+1555","call_id":"c-9"}`, raw)
}

func TestDispatchMetadataSIPIdentity(t *testing.T) {
	assert.Equal(t, "sip-c-9", DispatchMetadata{PhoneNumber: "+1555", CallID: "c-9"}.SIPIdentity())
	assert.Equal(t, "sip-1555", DispatchMetadata{PhoneNumber: "+1 555"}.SIPIdentity())
}

func TestCallIDForSIPParticipant(t *testing.T) {
	req := CallRequest{AgentID: "7", PhoneNumber: "+15551234567", CallID: "c-100"}
	id, ok := CallIDForSIPParticipant(req.RoomName(), req.SIPIdentity())
	require.True(t, ok)
	assert.Equal(t, "c-100", id)

	req.CallID = ""
	_, ok = CallIDForSIPParticipant(req.RoomName(), req.SIPIdentity())
	assert.False(t, ok)

	_, ok = CallIDForSIPParticipant("call-c-1", "agent-7")
	assert.False(t, ok)
}

func TestStageError(t *testing.T) {
	cause := errors.New("boom")
	err := NewStageError(StageRoom, fmt.Errorf("%w: %w", ErrRoomCreationFailed, cause))

	assert.ErrorIs(t, err, ErrRoomCreationFailed)
	assert.ErrorIs(t, err, cause)
	stage, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageRoom, stage)
	assert.Nil(t, NewStageError(StageRoom, nil))

	_, ok = StageOf(cause)
	assert.False(t, ok)
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Stage: "participant"}
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "participant")
}
