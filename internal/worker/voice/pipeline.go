package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Room is what the pipeline needs from a connected room.
type Room interface {
	AudioTrack(ctx context.Context, identity string) (*webrtc.TrackRemote, error)
	PublishAudio(name string) (SampleWriter, error)
}

// Resources are loaded once per worker process and shared by every job.
type Resources struct {
	VAD VADParams
}

// Prewarm checks the Opus codec loads and returns the shared resources.
func Prewarm() (*Resources, error) {
	if _, err := NewCodec(); err != nil {
		return nil, err
	}
	return &Resources{VAD: DefaultVADParams()}, nil
}

// Pipeline bridges one caller's audio with a realtime model session.
type Pipeline struct {
	room   Room
	model  *RealtimeClient
	res    *Resources
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPipeline opens the model session and applies the system instructions.
func NewPipeline(ctx context.Context, room Room, res *Resources, cfg RealtimeConfig, instructions string) (*Pipeline, error) {
	if res == nil {
		res = &Resources{VAD: DefaultVADParams()}
	}
	model, err := DialRealtime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := model.UpdateSession(instructions, cfg.Voice); err != nil {
		model.Close()
		return nil, fmt.Errorf("update realtime session: %w", err)
	}
	return &Pipeline{
		room:   room,
		model:  model,
		res:    res,
		logger: logger.Named("pipeline"),
	}, nil
}

// Start publishes the agent track, begins streaming the participant's audio, and speaks the greeting.
func (p *Pipeline) Start(ctx context.Context, identity, greeting string) error {
	track, err := p.room.PublishAudio("agent-audio")
	if err != nil {
		return fmt.Errorf("publish agent audio: %w", err)
	}
	pump, err := NewOutputPump(NewOpusWriter(track), p.logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	log := p.logger.With(zap.String("participant", identity))

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		pump.Run(runCtx, p.model.Audio())
	}()
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-p.model.Done():
				return
			case <-p.model.SpeechStarted():
				pump.Flush()
			}
		}
	}()

	// The track reader blocks until the room drops the track, so it is not waited on in Close.
	go func() {
		trackCtx, cancelTrack := context.WithTimeout(runCtx, 15*time.Second)
		remote, err := p.room.AudioTrack(trackCtx, identity)
		cancelTrack()
		if err != nil {
			log.Warn("No audio track from participant", zap.Error(err))
			return
		}
		vad := NewEnergyVAD(RoomSampleRate, p.res.VAD)
		ForwardInput(runCtx, TrackSource(remote), p.model, vad, pump.Flush, log)
	}()

	if err := p.model.CreateResponse(greeting); err != nil {
		return fmt.Errorf("trigger greeting: %w", err)
	}
	log.Info("Conversation started")
	return nil
}

// Close ends the model session.
func (p *Pipeline) Close() error {
	var err error
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		err = p.model.Close()
		p.wg.Wait()
	})
	return err
}
