package domain

// RoomOrigin tells whether a resolved room was found or newly created.
type RoomOrigin string

const (
	RoomExisting RoomOrigin = "existing"
	RoomCreated  RoomOrigin = "created"
)

// Room is a real-time session container.
type Room struct {
	RoomName            string `json:"room_name"`
	RoomID              string `json:"room_id"`
	EmptyTimeoutSeconds uint32 `json:"empty_timeout_seconds"`
}

// RoomRef is a resolved room and how it was obtained.
type RoomRef struct {
	Room
	Origin RoomOrigin `json:"origin"`
}

// Participant is an endpoint connected to a room.
type Participant struct {
	Identity   string            `json:"identity"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Matches reports whether the participant's identity or display name equals name.
func (p Participant) Matches(name string) bool {
	return name != "" && (p.Identity == name || p.Name == name)
}

// SIPCallRequest is what the provider needs to place a SIP call into a room.
type SIPCallRequest struct {
	TrunkID             string
	PhoneNumber         string
	RoomName            string
	ParticipantIdentity string
	ParticipantName     string
	PlayDialtone        bool
}

// SIPParticipant is the provider's acknowledgement of a SIP call.
type SIPParticipant struct {
	ParticipantID       string
	ParticipantIdentity string
	RoomName            string
	SIPCallID           string
}
