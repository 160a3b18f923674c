package voice

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PacketSource yields Opus payloads from a remote audio track.
type PacketSource interface {
	ReadPayload() ([]byte, error)
}

// AudioSink receives caller PCM at ModelSampleRate.
type AudioSink interface {
	AppendAudio(pcm []int16) error
}

// FrameWriter accepts encoded Opus frames for the room.
type FrameWriter interface {
	WriteOpusFrame(packet []byte) error
}

type trackSource struct {
	track *webrtc.TrackRemote
}

// TrackSource adapts a subscribed remote track.
func TrackSource(track *webrtc.TrackRemote) PacketSource {
	return trackSource{track: track}
}

func (s trackSource) ReadPayload() ([]byte, error) {
	pkt, _, err := s.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

// ForwardInput decodes caller audio, runs it through the VAD, and streams it to the model.
// onSpeech fires on every QUIET to SPEAKING transition. Returns when the source ends or ctx is done.
func ForwardInput(ctx context.Context, src PacketSource, sink AudioSink, vad *EnergyVAD, onSpeech func(), log *zap.Logger) {
	codec, err := NewCodec()
	if err != nil {
		log.Error("Failed to create opus codec", zap.Error(err))
		return
	}

	var frames, dtxFrames, consecutiveDTX int64
	prev := vad.State()

	for {
		payload, err := src.ReadPayload()
		if err != nil {
			log.Debug("Caller audio track ended", zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}

		var pcm []int16
		if len(payload) < 3 {
			// DTX silence: pass one in four through so the model's VAD sees a steady gap.
			dtxFrames++
			consecutiveDTX++
			if consecutiveDTX%4 != 1 {
				continue
			}
			pcm = make([]int16, FrameSamples)
		} else {
			consecutiveDTX = 0
			pcm, err = codec.Decode(payload)
			if err != nil {
				log.Warn("Opus decode failed", zap.Int("size_bytes", len(payload)), zap.Error(err))
				continue
			}
		}
		if len(pcm) == 0 {
			continue
		}

		state := vad.Analyze(pcm)
		if state == VADStateSpeaking && prev != VADStateSpeaking && onSpeech != nil {
			onSpeech()
		}
		prev = state

		if err := sink.AppendAudio(Resample(pcm, RoomSampleRate, ModelSampleRate)); err != nil {
			log.Warn("Failed to send caller audio", zap.Error(err))
			return
		}

		frames++
		if frames%500 == 0 {
			log.Debug("Caller audio flowing", zap.Int64("frames", frames), zap.Int64("dtx_frames", dtxFrames))
		}
	}
}

// OutputPump turns model PCM into paced 20ms Opus frames.
type OutputPump struct {
	writer FrameWriter
	codec  *Codec
	logger *zap.Logger

	mu      sync.Mutex
	pending []int16
}

// NewOutputPump creates a pump writing to w.
func NewOutputPump(w FrameWriter, log *zap.Logger) (*OutputPump, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}
	return &OutputPump{writer: w, codec: codec, logger: log}, nil
}

// Push queues model PCM at ModelSampleRate.
func (p *OutputPump) Push(pcm []int16) {
	up := Resample(pcm, ModelSampleRate, RoomSampleRate)
	p.mu.Lock()
	p.pending = append(p.pending, up...)
	p.mu.Unlock()
}

// Flush drops queued audio, used when the caller barges in.
func (p *OutputPump) Flush() {
	p.mu.Lock()
	p.pending = p.pending[:0]
	p.mu.Unlock()
}

// Buffered returns the queued sample count.
func (p *OutputPump) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *OutputPump) nextFrame() []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	frame := make([]int16, FrameSamples)
	n := copy(frame, p.pending)
	p.pending = p.pending[n:]
	return frame
}

// Run drains audio from src into the pump and writes one frame every 20ms until ctx is done or src closes.
func (p *OutputPump) Run(ctx context.Context, src <-chan []int16) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-src:
			if !ok {
				p.drain(ctx, ticker)
				return
			}
			p.Push(pcm)
		case <-ticker.C:
			p.writeOne()
		}
	}
}

func (p *OutputPump) drain(ctx context.Context, ticker *time.Ticker) {
	for p.Buffered() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.writeOne()
		}
	}
}

func (p *OutputPump) writeOne() {
	frame := p.nextFrame()
	if frame == nil {
		return
	}
	packet, err := p.codec.Encode(frame)
	if err != nil {
		p.logger.Warn("Opus encode failed", zap.Error(err))
		return
	}
	if err := p.writer.WriteOpusFrame(packet); err != nil {
		p.logger.Warn("Failed to write agent audio", zap.Error(err))
	}
}
