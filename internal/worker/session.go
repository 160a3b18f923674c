package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/internal/worker/voice"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// RoomSession is a worker's connection to one room.
type RoomSession interface {
	voice.Room
	RoomName() string
	// Participants lists remote participants other than the agent itself.
	Participants() []domain.Participant
	// Changed is closed on the next participant join, leave or track event. Fetch it before
	// inspecting Participants to avoid missing an event.
	Changed() <-chan struct{}
	// Done is closed once the agent is disconnected from the room.
	Done() <-chan struct{}
	Disconnect()
}

// Session is a RoomSession backed by a LiveKit room connection.
type Session struct {
	room     *lksdk.Room
	roomName string
	identity string
	logger   *zap.Logger

	mu      sync.Mutex
	tracks  map[string]*webrtc.TrackRemote
	changed chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// ConnectSession joins a room with a job token, subscribing to audio tracks only.
func ConnectSession(url, token, roomName, identity string) (*Session, error) {
	s := &Session{
		roomName: roomName,
		identity: identity,
		logger:   logger.Named("session").With(zap.String("room_name", roomName)),
		tracks:   make(map[string]*webrtc.TrackRemote),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if pub.Kind() != lksdk.TrackKindAudio {
					return
				}
				if err := pub.SetSubscribed(true); err != nil {
					s.logger.Warn("Failed to subscribe to audio track",
						zap.String("participant", rp.Identity()), zap.Error(err))
				}
			},
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				s.logger.Info("Audio track subscribed", zap.String("participant", rp.Identity()))
				s.mu.Lock()
				s.tracks[rp.Identity()] = track
				s.mu.Unlock()
				s.signal()
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			s.logger.Info("Participant connected", zap.String("participant", rp.Identity()))
			s.signal()
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			s.logger.Info("Participant disconnected", zap.String("participant", rp.Identity()))
			s.mu.Lock()
			delete(s.tracks, rp.Identity())
			s.mu.Unlock()
			s.signal()
		},
		OnDisconnected: func() {
			s.logger.Info("Agent disconnected from room")
			s.markDone()
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(url, token, callback, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to room: %w", err)
	}
	s.room = room

	// Tracks published before we joined do not fire OnTrackPublished.
	for _, rp := range room.GetRemoteParticipants() {
		for _, pub := range rp.TrackPublications() {
			if remote, ok := pub.(*lksdk.RemoteTrackPublication); ok && remote.Kind() == lksdk.TrackKindAudio {
				_ = remote.SetSubscribed(true)
			}
		}
	}

	s.logger.Info("Agent joined room")
	return s, nil
}

func (s *Session) signal() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.signal()
	})
}

// RoomName returns the connected room's name.
func (s *Session) RoomName() string {
	return s.roomName
}

// Participants lists connected remote participants with their current attributes.
func (s *Session) Participants() []domain.Participant {
	remotes := s.room.GetRemoteParticipants()
	out := make([]domain.Participant, 0, len(remotes))
	for _, rp := range remotes {
		if rp.Identity() == s.identity {
			continue
		}
		out = append(out, domain.Participant{
			Identity:   rp.Identity(),
			Name:       rp.Name(),
			Attributes: rp.Attributes(),
		})
	}
	return out
}

// Changed returns the channel closed on the next room event.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Done is closed once the room connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AudioTrack waits for the participant's subscribed audio track.
func (s *Session) AudioTrack(ctx context.Context, identity string) (*webrtc.TrackRemote, error) {
	for {
		s.mu.Lock()
		track := s.tracks[identity]
		wait := s.changed
		s.mu.Unlock()
		if track != nil {
			return track, nil
		}

		select {
		case <-wait:
		case <-s.done:
			return nil, fmt.Errorf("room %s closed before %s published audio", s.roomName, identity)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PublishAudio publishes a mono 48kHz Opus track with 20ms frames and DTX disabled.
func (s *Session) PublishAudio(name string) (voice.SampleWriter, error) {
	track, err := lksdk.NewLocalTrack(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   voice.RoomSampleRate,
		Channels:    1,
		SDPFmtpLine: "minptime=20;useinbandfec=1;usedtx=0",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	if _, err := s.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: name}); err != nil {
		return nil, fmt.Errorf("failed to publish track: %w", err)
	}
	s.logger.Info("Agent audio track published")
	return track, nil
}

// Disconnect leaves the room.
func (s *Session) Disconnect() {
	select {
	case <-s.done:
		return
	default:
	}
	s.room.Disconnect()
	s.markDone()
}
