package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/internal/metrics"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is a step of the outbound call workflow.
type State string

const (
	StatePending         State = "pending"
	StateTrunkResolved   State = "trunk_resolved"
	StateRoomResolved    State = "room_resolved"
	StateAgentDispatched State = "agent_dispatched"
	StateDialing         State = "dialing"
	StateFailed          State = "failed"
)

type TrunkResolver interface {
	Resolve(ctx context.Context, requestedTrunkID string) (string, error)
}

type RoomResolver interface {
	Resolve(ctx context.Context, roomName string, emptyTimeoutSeconds uint32) (*domain.RoomRef, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, workerName, roomName string, metadata domain.DispatchMetadata) (*domain.DispatchRecord, error)
}

type CallInitiator interface {
	Place(ctx context.Context, trunkID, roomName string, req domain.CallRequest) (*domain.CallAttempt, error)
}

// WorkerEnsurer makes sure the agent's worker process is running before dispatch.
type WorkerEnsurer interface {
	Deploy(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error)
}

type EventNotifier interface {
	Notify(ctx context.Context, event domain.CallEvent)
}

// Config tunes the workflow.
type Config struct {
	EmptyTimeoutSeconds uint32
	ConcurrentResolve   bool
	DefaultTrunkID      string
}

// Result is the single terminal outcome of one workflow run.
type Result struct {
	Status        domain.CallStatus `json:"status"`
	CallID        string            `json:"call_id,omitempty"`
	RoomName      string            `json:"room_name,omitempty"`
	RoomOrigin    domain.RoomOrigin `json:"room_origin,omitempty"`
	TrunkID       string            `json:"trunk_id,omitempty"`
	DispatchID    string            `json:"dispatch_id,omitempty"`
	ParticipantID string            `json:"participant_id,omitempty"`
	SIPCallID     string            `json:"sip_call_id,omitempty"`
	Stage         domain.Stage      `json:"stage,omitempty"`
	Error         string            `json:"error,omitempty"`

	err error
}

// Err returns the error behind a failed result.
func (r *Result) Err() error {
	return r.err
}

// Orchestrator sequences trunk and room resolution, agent dispatch and call placement.
type Orchestrator struct {
	trunks    TrunkResolver
	rooms     RoomResolver
	dispatch  Dispatcher
	initiator CallInitiator
	workers   WorkerEnsurer
	notifier  EventNotifier
	metrics   *metrics.Metrics
	config    Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkerEnsurer deploys the agent's worker before dispatching it.
func WithWorkerEnsurer(w WorkerEnsurer) Option {
	return func(o *Orchestrator) { o.workers = w }
}

// WithMetrics records stage timings and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator wires the workflow stages.
func NewOrchestrator(trunks TrunkResolver, rooms RoomResolver, dispatch Dispatcher, initiator CallInitiator, notifier EventNotifier, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		trunks:    trunks,
		rooms:     rooms,
		dispatch:  dispatch,
		initiator: initiator,
		notifier:  notifier,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type workflow struct {
	state State
	log   *zap.Logger
}

func (w *workflow) transition(to State) {
	w.log.Debug("Outbound call state", zap.String("from", string(w.state)), zap.String("to", string(to)))
	w.state = to
}

// Initiate runs the workflow for req. It returns once the call is dialing or has failed and never
// waits for the call to complete. Already created rooms and trunks are left in place on failure.
func (o *Orchestrator) Initiate(ctx context.Context, req domain.CallRequest) *Result {
	if req.TrunkID == "" {
		req.TrunkID = o.config.DefaultTrunkID
	}
	roomName := ""
	if req.AgentID != "" {
		roomName = req.RoomName()
	}
	ctx = logger.With(ctx,
		zap.String("call_id", req.CallID),
		zap.String("agent_id", req.AgentID),
		zap.String("room_name", roomName))
	wf := &workflow{state: StatePending, log: logger.From(ctx)}
	res := &Result{CallID: req.CallID, RoomName: roomName}

	if err := req.Validate(); err != nil {
		return o.fail(ctx, wf, res, "", err)
	}

	wf.log.Info("Outbound call initiated", zap.String("phone_number", req.PhoneNumber), zap.String("trunk_id", req.TrunkID))

	trunkID, room, err := o.resolve(ctx, wf, req, roomName)
	if err != nil {
		stage, _ := domain.StageOf(err)
		return o.fail(ctx, wf, res, stage, err)
	}
	res.TrunkID = trunkID
	res.RoomOrigin = room.Origin

	if o.workers != nil {
		err := o.timed(domain.StageDeploy, func() error {
			dep, err := o.workers.Deploy(ctx, domain.DeployRequest{
				AgentID:        req.AgentID,
				Name:           req.AgentName,
				PromptTemplate: req.PromptTemplate,
			})
			if err != nil {
				return err
			}
			if dep.Status == domain.ProcessError {
				return fmt.Errorf("%w: %s", domain.ErrProcessSpawnFailed, dep.Error)
			}
			return nil
		})
		if err != nil {
			return o.fail(ctx, wf, res, domain.StageDeploy, err)
		}
	}

	var rec *domain.DispatchRecord
	err = o.timed(domain.StageDispatch, func() error {
		var derr error
		rec, derr = o.dispatch.Dispatch(ctx, req.WorkerName(), roomName, domain.DispatchMetadata{
			PhoneNumber: req.PhoneNumber,
			CallID:      req.CallID,
		})
		return derr
	})
	if err != nil {
		return o.fail(ctx, wf, res, domain.StageDispatch, err)
	}
	res.DispatchID = rec.DispatchID
	wf.transition(StateAgentDispatched)

	var attempt *domain.CallAttempt
	err = o.timed(domain.StageCall, func() error {
		var cerr error
		attempt, cerr = o.initiator.Place(ctx, trunkID, roomName, req)
		return cerr
	})
	if err != nil {
		// The initiator already emitted the failed event.
		wf.transition(StateFailed)
		res.Status = domain.CallStatusFailed
		res.Stage = domain.StageCall
		res.Error = err.Error()
		res.err = domain.NewStageError(domain.StageCall, err)
		o.metrics.IncStageFailure(string(domain.StageCall))
		o.metrics.IncCallResult(string(res.Status))
		return res
	}

	wf.transition(StateDialing)
	res.Status = attempt.Status
	res.ParticipantID = attempt.ParticipantID
	res.SIPCallID = attempt.SIPCallID
	o.metrics.IncCallResult(string(res.Status))
	wf.log.Info("Outbound call dialing", zap.String("participant_id", res.ParticipantID), zap.String("dispatch_id", res.DispatchID))
	return res
}

// resolve obtains the trunk and the room, concurrently when configured.
func (o *Orchestrator) resolve(ctx context.Context, wf *workflow, req domain.CallRequest, roomName string) (string, *domain.RoomRef, error) {
	var (
		trunkID string
		room    *domain.RoomRef
	)
	resolveTrunk := func(ctx context.Context) error {
		return o.timed(domain.StageTrunk, func() error {
			id, err := o.trunks.Resolve(ctx, req.TrunkID)
			if err != nil {
				if !errors.Is(err, domain.ErrTrunkUnavailable) {
					err = fmt.Errorf("%w: %w", domain.ErrTrunkUnavailable, err)
				}
				return domain.NewStageError(domain.StageTrunk, err)
			}
			trunkID = id
			return nil
		})
	}
	resolveRoom := func(ctx context.Context) error {
		return o.timed(domain.StageRoom, func() error {
			r, err := o.rooms.Resolve(ctx, roomName, o.config.EmptyTimeoutSeconds)
			if err != nil {
				if !errors.Is(err, domain.ErrRoomCreationFailed) {
					err = fmt.Errorf("%w: %w", domain.ErrRoomCreationFailed, err)
				}
				return domain.NewStageError(domain.StageRoom, err)
			}
			room = r
			return nil
		})
	}

	if o.config.ConcurrentResolve {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return resolveTrunk(gctx) })
		g.Go(func() error { return resolveRoom(gctx) })
		if err := g.Wait(); err != nil {
			return "", nil, err
		}
		wf.transition(StateTrunkResolved)
		wf.transition(StateRoomResolved)
		return trunkID, room, nil
	}

	if err := resolveTrunk(ctx); err != nil {
		return "", nil, err
	}
	wf.transition(StateTrunkResolved)
	if err := resolveRoom(ctx); err != nil {
		return "", nil, err
	}
	wf.transition(StateRoomResolved)
	return trunkID, room, nil
}

// timed runs fn and records its duration under stage.
func (o *Orchestrator) timed(stage domain.Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.ObserveStage(string(stage), status, time.Since(start))
	return err
}

func (o *Orchestrator) fail(ctx context.Context, wf *workflow, res *Result, stage domain.Stage, err error) *Result {
	wf.transition(StateFailed)
	if stage != "" {
		if _, ok := domain.StageOf(err); !ok {
			err = domain.NewStageError(stage, err)
		}
		o.metrics.IncStageFailure(string(stage))
	}
	res.Status = domain.CallStatusFailed
	res.Stage = stage
	res.Error = err.Error()
	res.err = err
	o.metrics.IncCallResult(string(res.Status))

	wf.log.Warn("Outbound call failed", zap.String("stage", string(stage)), zap.Error(err))
	o.notify(ctx, domain.CallEvent{CallID: res.CallID, Status: domain.CallStatusFailed, Error: res.Error})
	return res
}

func (o *Orchestrator) notify(ctx context.Context, event domain.CallEvent) {
	if o.notifier != nil {
		o.notifier.Notify(ctx, event)
	}
}
