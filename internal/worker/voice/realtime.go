package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// RealtimeConfig selects the realtime speech model.
type RealtimeConfig struct {
	APIKey  string
	Model   string
	Voice   string
	BaseURL string
}

type sessionUpdateEvent struct {
	Type    string          `json:"type"`
	Session realtimeSession `json:"session"`
}

type realtimeSession struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type responseCreateEvent struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type simpleEvent struct {
	Type string `json:"type"`
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// RealtimeClient is one websocket session with the OpenAI Realtime API.
type RealtimeClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	audio   chan []int16
	speech  chan struct{}
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

// DialRealtime opens a realtime session.
func DialRealtime(ctx context.Context, cfg RealtimeConfig) (*RealtimeClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultRealtimeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	c := &RealtimeClient{
		conn:    conn,
		audio:   make(chan []int16, 256),
		speech:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		logger:  logger.Named("realtime").With(zap.String("model", cfg.Model)),
	}
	go c.readLoop()
	return c, nil
}

// UpdateSession sets the system instructions and audio formats.
func (c *RealtimeClient) UpdateSession(instructions, voiceName string) error {
	return c.send(sessionUpdateEvent{
		Type: "session.update",
		Session: realtimeSession{
			Modalities:        []string{"audio", "text"},
			Instructions:      instructions,
			Voice:             voiceName,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	})
}

// AppendAudio streams caller PCM16 at ModelSampleRate.
func (c *RealtimeClient) AppendAudio(pcm []int16) error {
	return c.send(audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(PCMToBytes(pcm)),
	})
}

// CreateResponse asks the model to speak, optionally with per-response instructions.
func (c *RealtimeClient) CreateResponse(instructions string) error {
	ev := responseCreateEvent{Type: "response.create"}
	if instructions != "" {
		ev.Response = &responseParams{Instructions: instructions}
	}
	return c.send(ev)
}

// CancelResponse interrupts the response in progress.
func (c *RealtimeClient) CancelResponse() error {
	return c.send(simpleEvent{Type: "response.cancel"})
}

// Audio delivers model speech as PCM16 at ModelSampleRate.
func (c *RealtimeClient) Audio() <-chan []int16 {
	return c.audio
}

// SpeechStarted fires when the model's server VAD hears the caller.
func (c *RealtimeClient) SpeechStarted() <-chan struct{} {
	return c.speech
}

// Done is closed when the session ends.
func (c *RealtimeClient) Done() <-chan struct{} {
	return c.done
}

// Close ends the session.
func (c *RealtimeClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *RealtimeClient) send(v any) error {
	select {
	case <-c.done:
		return errors.New("realtime session closed")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *RealtimeClient) readLoop() {
	defer close(c.done)
	defer close(c.audio)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("Realtime read ended", zap.Error(err))
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Unparseable realtime event", zap.Error(err))
			continue
		}

		switch ev.Type {
		case "response.audio.delta":
			raw, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				c.logger.Warn("Bad audio delta", zap.Error(err))
				continue
			}
			pcm, err := BytesToPCM(raw)
			if err != nil {
				continue
			}
			select {
			case c.audio <- pcm:
			case <-c.closing:
				return
			}
		case "input_audio_buffer.speech_started":
			select {
			case c.speech <- struct{}{}:
			default:
			}
		case "error":
			if ev.Error != nil {
				c.logger.Error("Realtime error event",
					zap.String("code", ev.Error.Code),
					zap.String("message", ev.Error.Message))
			}
		default:
			c.logger.Debug("Realtime event", zap.String("event_type", ev.Type))
		}
	}
}
