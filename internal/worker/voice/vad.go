package voice

import (
	"math"
	"sync"
)

// VADState is the speech state of the caller's audio.
type VADState int

const (
	VADStateQuiet VADState = iota + 1
	VADStateStarting
	VADStateSpeaking
	VADStateStopping
)

func (s VADState) String() string {
	switch s {
	case VADStateQuiet:
		return "quiet"
	case VADStateStarting:
		return "starting"
	case VADStateSpeaking:
		return "speaking"
	case VADStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// VADParams tunes the energy detector.
type VADParams struct {
	// MinVolume is the smoothed RMS (0..1) above which a frame counts as voice.
	MinVolume float64
	// StartSecs of continuous voice moves QUIET to SPEAKING.
	StartSecs float64
	// StopSecs of continuous silence moves SPEAKING to QUIET.
	StopSecs float64
}

// DefaultVADParams suit 8kHz telephone audio upsampled to 48kHz.
func DefaultVADParams() VADParams {
	return VADParams{
		MinVolume: 0.02,
		StartSecs: 0.2,
		StopSecs:  0.8,
	}
}

// EnergyVAD detects caller speech from frame RMS with start/stop hysteresis.
type EnergyVAD struct {
	params     VADParams
	sampleRate int

	mu          sync.Mutex
	state       VADState
	startFrames int
	stopFrames  int
	smoothed    float64
}

// NewEnergyVAD creates a detector for PCM at sampleRate.
func NewEnergyVAD(sampleRate int, params VADParams) *EnergyVAD {
	return &EnergyVAD{
		params:     params,
		sampleRate: sampleRate,
		state:      VADStateQuiet,
	}
}

// State returns the current state.
func (v *EnergyVAD) State() VADState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Reset returns the detector to QUIET.
func (v *EnergyVAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = VADStateQuiet
	v.startFrames = 0
	v.stopFrames = 0
	v.smoothed = 0
}

// Analyze feeds one frame and returns the resulting state.
func (v *EnergyVAD) Analyze(frame []int16) VADState {
	if len(frame) == 0 {
		return v.State()
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	const smoothing = 0.2
	v.smoothed = smoothing*rms(frame) + (1-smoothing)*v.smoothed
	voiced := v.smoothed >= v.params.MinVolume

	frameSecs := float64(len(frame)) / float64(v.sampleRate)
	startThreshold := max(1, int(v.params.StartSecs/frameSecs+1e-9))
	stopThreshold := max(1, int(v.params.StopSecs/frameSecs+1e-9))

	switch v.state {
	case VADStateQuiet, VADStateStarting:
		if !voiced {
			v.state = VADStateQuiet
			v.startFrames = 0
			break
		}
		v.startFrames++
		if v.startFrames >= startThreshold {
			v.state = VADStateSpeaking
			v.startFrames = 0
		} else {
			v.state = VADStateStarting
		}

	case VADStateSpeaking, VADStateStopping:
		if voiced {
			v.state = VADStateSpeaking
			v.stopFrames = 0
			break
		}
		v.stopFrames++
		if v.stopFrames >= stopThreshold {
			v.state = VADStateQuiet
			v.stopFrames = 0
		} else {
			v.state = VADStateStopping
		}
	}
	return v.state
}

func rms(frame []int16) float64 {
	var sum float64
	for _, s := range frame {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(frame)))
}
