package voice

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

const (
	// RoomSampleRate is the Opus clock rate used on room tracks.
	RoomSampleRate = 48000
	// ModelSampleRate is the PCM16 rate the realtime model consumes and produces.
	ModelSampleRate = 24000
	// FrameSamples is one 20ms mono frame at RoomSampleRate.
	FrameSamples = 960

	// Opus can use 20ms, 40ms, or 60ms frames; 40ms of headroom covers what SIP legs send.
	maxDecodeSamples = 1920
	maxOpusPacket    = 4000
)

// BytesToPCM converts little-endian PCM16 bytes to samples.
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes converts samples to little-endian PCM16 bytes.
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

// Resample converts between sample rates with linear interpolation.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	out := make([]int16, int(float64(len(input))/ratio))
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		switch {
		case idx+1 < len(input):
			a, b := float64(input[idx]), float64(input[idx+1])
			out[i] = int16(a + (b-a)*frac)
		case idx < len(input):
			out[i] = input[idx]
		}
	}
	return out
}

// Codec holds one Opus decoder and encoder for a single mono 48kHz stream.
// gopus codecs are not safe for concurrent use; give each direction its own Codec or lock.
type Codec struct {
	decoder *gopus.Decoder
	encoder *gopus.Encoder
}

// NewCodec creates a decoder and a VoIP-tuned encoder.
func NewCodec() (*Codec, error) {
	dec, err := gopus.NewDecoder(RoomSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(RoomSampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &Codec{decoder: dec, encoder: enc}, nil
}

// Decode turns one Opus packet into 48kHz PCM.
func (c *Codec) Decode(packet []byte) ([]int16, error) {
	return c.decoder.Decode(packet, maxDecodeSamples, false)
}

// Encode turns exactly one 20ms frame of 48kHz PCM into an Opus packet.
func (c *Codec) Encode(frame []int16) ([]byte, error) {
	if len(frame) != FrameSamples {
		return nil, fmt.Errorf("opus frame must be %d samples, got %d", FrameSamples, len(frame))
	}
	return c.encoder.Encode(frame, FrameSamples, maxOpusPacket)
}
