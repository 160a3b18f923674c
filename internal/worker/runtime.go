package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/internal/worker/voice"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"go.uber.org/zap"
)

const (
	// CallStatusAttribute is set by the SIP bridge on the phone participant.
	CallStatusAttribute = "sip.callStatus"
	// HangupStatus is the CallStatusAttribute value once the callee hangs up.
	HangupStatus = "hangup"
)

// End reasons reported in Outcome.
const (
	EndParticipantLeft = "participant_left"
	EndHangup          = "hangup"
	EndMaxDuration     = "max_duration"
	EndRoomClosed      = "room_closed"
	EndCanceled        = "canceled"
)

var errRoomClosed = errors.New("room closed")

// Job is one room assignment.
type Job struct {
	ID       string
	RoomName string
	Metadata string
	URL      string
	Token    string
}

// Dialer places the SIP leg of an outbound call.
type Dialer interface {
	CreateSIPParticipant(ctx context.Context, req domain.SIPCallRequest) (*domain.SIPParticipant, error)
}

// Pipeline is a running conversation with one participant.
type Pipeline interface {
	Start(ctx context.Context, identity, greeting string) error
	Close() error
}

// Connector joins the job's room.
type Connector func(ctx context.Context, job Job) (RoomSession, error)

// PipelineFactory builds the speech pipeline for a connected room.
type PipelineFactory func(ctx context.Context, room RoomSession, res *voice.Resources, instructions string) (Pipeline, error)

// Outcome summarises a finished job.
type Outcome struct {
	Participant string
	Dialed      bool
	EndReason   string
}

// Runtime runs jobs for one agent identity. Prewarmed resources live as long as the Runtime.
type Runtime struct {
	config      *Config
	connect     Connector
	dialer      Dialer
	newPipeline PipelineFactory
	prewarmFn   func() (*voice.Resources, error)
	logger      *zap.Logger

	prewarmOnce sync.Once
	resources   *voice.Resources
	prewarmErr  error
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithPrewarm replaces the process-wide resource loader.
func WithPrewarm(fn func() (*voice.Resources, error)) RuntimeOption {
	return func(r *Runtime) {
		r.prewarmFn = fn
	}
}

// NewRuntime creates a job runtime. dialer may be nil when the worker never dials out.
func NewRuntime(cfg *Config, connect Connector, dialer Dialer, newPipeline PipelineFactory, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		config:      cfg,
		connect:     connect,
		dialer:      dialer,
		newPipeline: newPipeline,
		prewarmFn:   voice.Prewarm,
		logger:      logger.Named("runtime").With(zap.String("agent_name", cfg.Name)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prewarm loads shared resources once for the life of the process.
func (r *Runtime) Prewarm() (*voice.Resources, error) {
	r.prewarmOnce.Do(func() {
		r.logger.Info("Prewarming agent resources")
		r.resources, r.prewarmErr = r.prewarmFn()
		if r.prewarmErr != nil {
			r.logger.Error("Prewarm failed", zap.Error(r.prewarmErr))
		}
	})
	return r.resources, r.prewarmErr
}

// Run handles one job from connect to termination.
func (r *Runtime) Run(ctx context.Context, job Job) (*Outcome, error) {
	log := r.logger.With(zap.String("job_id", job.ID), zap.String("room_name", job.RoomName))
	ctx = logger.With(ctx, zap.String("job_id", job.ID), zap.String("room_name", job.RoomName))

	res, _ := r.Prewarm()

	meta, err := domain.DecodeDispatchMetadata(job.Metadata)
	if err != nil {
		log.Warn("Ignoring malformed job metadata", zap.String("metadata", job.Metadata), zap.Error(err))
	}
	if meta.CallID != "" {
		log = log.With(zap.String("call_id", meta.CallID))
	}

	session, err := r.connect(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("connect to room: %w", err)
	}
	defer session.Disconnect()

	out := &Outcome{}

	participant, ok, err := waitForParticipant(ctx, session, "", r.config.ParticipantTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info("No participant yet", zap.Duration("waited", r.config.ParticipantTimeout), zap.Bool("outbound", meta.IsOutbound()))
	}

	if !ok && meta.IsOutbound() {
		if r.dial(ctx, log, job, meta) {
			out.Dialed = true
			participant, ok, err = waitForParticipant(ctx, session, meta.SIPIdentity(), r.config.DialTimeout)
			if err != nil {
				return nil, err
			}
		}
	}

	if !ok {
		participant, ok, err = waitForParticipant(ctx, session, "", r.config.FallbackTimeout)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warn("No participant joined, abandoning job", zap.Duration("waited", r.config.FallbackTimeout))
			return nil, &domain.TimeoutError{Stage: "participant"}
		}
	}
	out.Participant = participant.Identity
	log = log.With(zap.String("participant", participant.Identity))
	log.Info("Participant present, starting conversation")

	pipeline, err := r.newPipeline(ctx, session, res, r.config.Instructions())
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	defer pipeline.Close()

	if err := pipeline.Start(ctx, participant.Identity, r.config.Greeting(meta)); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	if meta.PhoneNumber != "" {
		out.EndReason = r.monitor(ctx, session, participant.Identity)
	} else {
		select {
		case <-session.Done():
			out.EndReason = EndRoomClosed
		case <-ctx.Done():
			out.EndReason = EndCanceled
		}
	}
	log.Info("Job finished", zap.String("end_reason", out.EndReason))
	return out, nil
}

// dial places the SIP leg. Any failure is logged and reported as false.
func (r *Runtime) dial(ctx context.Context, log *zap.Logger, job Job, meta domain.DispatchMetadata) (ok bool) {
	if r.dialer == nil || r.config.SIPTrunkID == "" {
		log.Warn("Outbound call requested but no SIP trunk is configured")
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Dial panicked", zap.Any("panic", rec))
			ok = false
		}
	}()

	p, err := r.dialer.CreateSIPParticipant(ctx, domain.SIPCallRequest{
		TrunkID:             r.config.SIPTrunkID,
		PhoneNumber:         meta.PhoneNumber,
		RoomName:            job.RoomName,
		ParticipantIdentity: meta.SIPIdentity(),
		ParticipantName:     meta.PhoneNumber,
	})
	if err != nil {
		log.Error("Outbound dial failed", zap.String("phone_number", meta.PhoneNumber), zap.Error(err))
		return false
	}
	log.Info("Outbound dial placed", zap.String("participant_id", p.ParticipantID), zap.String("sip_call_id", p.SIPCallID))
	return true
}

// monitor polls the call until the callee leaves or hangs up, the room closes, or the ceiling passes.
func (r *Runtime) monitor(ctx context.Context, session RoomSession, identity string) string {
	ticker := time.NewTicker(r.config.MonitorInterval)
	defer ticker.Stop()
	ceiling := time.NewTimer(r.config.MaxCallDuration)
	defer ceiling.Stop()

	for {
		select {
		case <-ctx.Done():
			return EndCanceled
		case <-session.Done():
			return EndRoomClosed
		case <-ceiling.C:
			return EndMaxDuration
		case <-ticker.C:
			p, ok := findParticipant(session.Participants(), identity)
			if !ok {
				return EndParticipantLeft
			}
			if p.Attributes[CallStatusAttribute] == HangupStatus {
				return EndHangup
			}
		}
	}
}

// waitForParticipant blocks until a participant (any when identity is empty) is in the room.
// A timeout is reported as ok=false, not as an error.
func waitForParticipant(ctx context.Context, session RoomSession, identity string, timeout time.Duration) (domain.Participant, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		changed := session.Changed()
		if p, ok := findParticipant(session.Participants(), identity); ok {
			return p, true, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return domain.Participant{}, false, nil
		case <-session.Done():
			return domain.Participant{}, false, errRoomClosed
		case <-ctx.Done():
			return domain.Participant{}, false, ctx.Err()
		}
	}
}

func findParticipant(participants []domain.Participant, identity string) (domain.Participant, bool) {
	for _, p := range participants {
		if identity == "" || p.Identity == identity {
			return p, true
		}
	}
	return domain.Participant{}, false
}
