package voice

import (
	"sync/atomic"
	"time"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SampleWriter is the part of a published local track the writer needs.
type SampleWriter interface {
	WriteSample(sample media.Sample, opts *lksdk.SampleWriteOptions) error
}

// OpusWriter writes 20ms Opus frames to a room track.
type OpusWriter struct {
	track  SampleWriter
	frames atomic.Int64
}

// NewOpusWriter wraps a published track.
func NewOpusWriter(track SampleWriter) *OpusWriter {
	return &OpusWriter{track: track}
}

// WriteOpusFrame writes one packet. Duration must match the encoded frame size to avoid drift.
func (w *OpusWriter) WriteOpusFrame(packet []byte) error {
	if w.track == nil {
		return nil
	}
	if err := w.track.WriteSample(media.Sample{
		Data:     packet,
		Duration: 20 * time.Millisecond,
	}, nil); err != nil {
		return err
	}
	w.frames.Add(1)
	return nil
}

// Frames returns how many packets were written.
func (w *OpusWriter) Frames() int64 {
	return w.frames.Load()
}
