package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"go.uber.org/zap"
)

// DefaultVerifyDelay is how long the join check waits before listing participants.
const DefaultVerifyDelay = 1500 * time.Millisecond

const verifyTimeout = 10 * time.Second

// Provider is the agent dispatch surface of the real-time provider.
type Provider interface {
	CreateDispatch(ctx context.Context, agentName, roomName, metadata string) (*domain.DispatchRecord, error)
	ListParticipants(ctx context.Context, roomName string) ([]domain.Participant, error)
}

// VerifyFunc observes the outcome of a join check.
type VerifyFunc func(roomName, workerName string, joined bool)

// Dispatcher sends named workers into rooms and checks, in the background, that they showed up.
type Dispatcher struct {
	provider    Provider
	verifyDelay time.Duration
	onVerify    VerifyFunc

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithVerifyDelay overrides DefaultVerifyDelay.
func WithVerifyDelay(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.verifyDelay = d }
}

// WithVerifyObserver registers a callback for join check outcomes.
func WithVerifyObserver(fn VerifyFunc) Option {
	return func(dp *Dispatcher) { dp.onVerify = fn }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(provider Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{provider: provider, verifyDelay: DefaultVerifyDelay}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch places workerName into roomName with metadata. It returns once the provider acknowledges
// the dispatch; the join check runs afterwards and only logs.
func (d *Dispatcher) Dispatch(ctx context.Context, workerName, roomName string, metadata domain.DispatchMetadata) (*domain.DispatchRecord, error) {
	log := logger.From(ctx).With(zap.String("worker_name", workerName), zap.String("room_name", roomName))

	raw, err := metadata.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %w", domain.ErrDispatchFailed, err)
	}

	rec, err := d.provider.CreateDispatch(ctx, workerName, roomName, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDispatchFailed, err)
	}
	if rec.WorkerName == "" {
		rec.WorkerName = workerName
	}
	if rec.RoomName == "" {
		rec.RoomName = roomName
	}
	if rec.MetadataJSON == "" {
		rec.MetadataJSON = raw
	}
	log.Info("Agent dispatched", zap.String("dispatch_id", rec.DispatchID))

	d.wg.Add(1)
	go d.verifyJoin(context.WithoutCancel(ctx), workerName, roomName)

	return rec, nil
}

func (d *Dispatcher) verifyJoin(ctx context.Context, workerName, roomName string) {
	defer d.wg.Done()
	log := logger.From(ctx).With(zap.String("worker_name", workerName), zap.String("room_name", roomName))

	timer := time.NewTimer(d.verifyDelay)
	defer timer.Stop()
	<-timer.C

	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	participants, err := d.provider.ListParticipants(ctx, roomName)
	if err != nil {
		log.Warn("Join check could not list participants", zap.Error(err))
		return
	}

	joined := false
	for _, p := range participants {
		if p.Matches(workerName) {
			joined = true
			break
		}
	}
	if joined {
		log.Info("Agent joined room")
	} else {
		log.Warn("Agent has not joined room after dispatch", zap.Int("participants", len(participants)))
	}
	if d.onVerify != nil {
		d.onVerify(roomName, workerName, joined)
	}
}

// Wait blocks until every pending join check has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
