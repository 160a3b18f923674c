package call

import (
	"context"
	"fmt"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"go.uber.org/zap"
)

// Provider places SIP calls into rooms.
type Provider interface {
	CreateSIPParticipant(ctx context.Context, req domain.SIPCallRequest) (*domain.SIPParticipant, error)
}

// TrunkChecker reports whether a trunk id is currently known to the provider.
type TrunkChecker interface {
	Known(ctx context.Context, trunkID string) (bool, error)
}

// EventNotifier receives call lifecycle events.
type EventNotifier interface {
	Notify(ctx context.Context, event domain.CallEvent)
}

// Initiator places outbound SIP calls.
type Initiator struct {
	provider Provider
	trunks   TrunkChecker
	notifier EventNotifier
	now      func() time.Time
}

// NewInitiator creates a call initiator. trunks may be nil to skip the pre-dial trunk check.
func NewInitiator(provider Provider, trunks TrunkChecker, notifier EventNotifier) *Initiator {
	return &Initiator{provider: provider, trunks: trunks, notifier: notifier, now: time.Now}
}

// Place dials req.PhoneNumber through trunkID into roomName. The returned attempt is always
// populated; on failure its status is failed and the error wraps ErrCallPlacementFailed or
// ErrTrunkUnavailable.
func (i *Initiator) Place(ctx context.Context, trunkID, roomName string, req domain.CallRequest) (*domain.CallAttempt, error) {
	log := logger.From(ctx).With(zap.String("trunk_id", trunkID), zap.String("room_name", roomName))

	attempt := &domain.CallAttempt{
		RoomName:    roomName,
		TrunkID:     trunkID,
		PhoneNumber: req.PhoneNumber,
		CallID:      req.CallID,
		CreatedAt:   i.now(),
	}

	if i.trunks != nil {
		known, err := i.trunks.Known(ctx, trunkID)
		switch {
		case err != nil:
			return i.fail(ctx, attempt, fmt.Errorf("%w: check trunk %s: %w", domain.ErrCallPlacementFailed, trunkID, err))
		case !known:
			return i.fail(ctx, attempt, fmt.Errorf("%w: trunk %s is not configured", domain.ErrTrunkUnavailable, trunkID))
		}
	}

	participant, err := i.provider.CreateSIPParticipant(ctx, domain.SIPCallRequest{
		TrunkID:             trunkID,
		PhoneNumber:         req.PhoneNumber,
		RoomName:            roomName,
		ParticipantIdentity: req.SIPIdentity(),
		ParticipantName:     req.PhoneNumber,
		PlayDialtone:        true,
	})
	if err != nil {
		return i.fail(ctx, attempt, fmt.Errorf("%w: %w", domain.ErrCallPlacementFailed, err))
	}
	if participant == nil || participant.ParticipantID == "" {
		return i.fail(ctx, attempt, fmt.Errorf("%w: provider returned no participant id", domain.ErrCallPlacementFailed))
	}

	attempt.ParticipantID = participant.ParticipantID
	attempt.SIPCallID = participant.SIPCallID
	attempt.Status = domain.CallStatusDialing
	log.Info("Outbound call dialing",
		zap.String("participant_id", participant.ParticipantID),
		zap.String("participant_identity", participant.ParticipantIdentity),
		zap.String("sip_call_id", participant.SIPCallID))

	i.notify(ctx, domain.CallEvent{CallID: req.CallID, Status: domain.CallStatusDialing, CallSID: participant.ParticipantID})
	return attempt, nil
}

func (i *Initiator) fail(ctx context.Context, attempt *domain.CallAttempt, err error) (*domain.CallAttempt, error) {
	attempt.Status = domain.CallStatusFailed
	attempt.Error = err.Error()
	logger.From(ctx).Warn("Outbound call placement failed", zap.String("room_name", attempt.RoomName), zap.Error(err))

	i.notify(ctx, domain.CallEvent{CallID: attempt.CallID, Status: domain.CallStatusFailed, Error: attempt.Error})
	return attempt, err
}

func (i *Initiator) notify(ctx context.Context, event domain.CallEvent) {
	if i.notifier != nil {
		i.notifier.Notify(ctx, event)
	}
}
