package domain

import (
	"encoding/json"
	"strings"
)

// DispatchMetadata is the payload handed to a worker on job acceptance.
type DispatchMetadata struct {
	PhoneNumber string `json:"phone_number,omitempty"`
	CallID      string `json:"call_id,omitempty"`
}

// Encode renders the metadata as the JSON string carried by the dispatch.
func (m DispatchMetadata) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsOutbound reports whether the job should dial a number.
func (m DispatchMetadata) IsOutbound() bool {
	return m.PhoneNumber != ""
}

// SIPIdentity matches CallRequest.SIPIdentity for the call this metadata describes.
func (m DispatchMetadata) SIPIdentity() string {
	return CallRequest{PhoneNumber: m.PhoneNumber, CallID: m.CallID}.SIPIdentity()
}

// DecodeDispatchMetadata parses job metadata. Empty input yields empty metadata and no error;
// malformed input yields empty metadata and the parse error so callers can log it.
func DecodeDispatchMetadata(raw string) (DispatchMetadata, error) {
	var m DispatchMetadata
	if strings.TrimSpace(raw) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return DispatchMetadata{}, err
	}
	return m, nil
}

// DispatchRecord is an acknowledged dispatch of a worker into a room.
type DispatchRecord struct {
	DispatchID   string `json:"dispatch_id"`
	WorkerName   string `json:"worker_name"`
	RoomName     string `json:"room_name"`
	MetadataJSON string `json:"metadata"`
}
