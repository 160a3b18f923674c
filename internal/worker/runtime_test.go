package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/internal/worker/voice"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoom struct {
	mu           sync.Mutex
	participants []domain.Participant
	changed      chan struct{}
	done         chan struct{}
	disconnected atomic.Bool
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{changed: make(chan struct{}), done: make(chan struct{})}
}

func (r *fakeRoom) AudioTrack(ctx context.Context, identity string) (*webrtc.TrackRemote, error) {
	return nil, errors.New("no audio in tests")
}

func (r *fakeRoom) PublishAudio(name string) (voice.SampleWriter, error) {
	return nil, errors.New("no audio in tests")
}

func (r *fakeRoom) RoomName() string { return "call-c-1" }

func (r *fakeRoom) Participants() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Participant(nil), r.participants...)
}

func (r *fakeRoom) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

func (r *fakeRoom) Done() <-chan struct{} { return r.done }

func (r *fakeRoom) Disconnect() {
	if r.disconnected.CompareAndSwap(false, true) {
		close(r.done)
	}
}

func (r *fakeRoom) join(p domain.Participant) {
	r.mu.Lock()
	r.participants = append(r.participants, p)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

func (r *fakeRoom) leave(identity string) {
	r.mu.Lock()
	kept := r.participants[:0]
	for _, p := range r.participants {
		if p.Identity != identity {
			kept = append(kept, p)
		}
	}
	r.participants = kept
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

func (r *fakeRoom) setAttr(identity, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.participants {
		if r.participants[i].Identity == identity {
			attrs := map[string]string{key: value}
			r.participants[i].Attributes = attrs
		}
	}
}

type fakeDialer struct {
	room  *fakeRoom
	err   error
	panic bool
	calls atomic.Int32
	req   domain.SIPCallRequest
}

func (d *fakeDialer) CreateSIPParticipant(ctx context.Context, req domain.SIPCallRequest) (*domain.SIPParticipant, error) {
	d.calls.Add(1)
	d.req = req
	if d.panic {
		panic("sip client exploded")
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.room != nil {
		go func() {
			time.Sleep(10 * time.Millisecond)
			d.room.join(domain.Participant{Identity: req.ParticipantIdentity})
		}()
	}
	return &domain.SIPParticipant{ParticipantID: "PA_1", ParticipantIdentity: req.ParticipantIdentity}, nil
}

type fakePipeline struct {
	mu       sync.Mutex
	identity string
	greeting string
	closed   bool
}

func (p *fakePipeline) Start(ctx context.Context, identity, greeting string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = identity
	p.greeting = greeting
	return nil
}

func (p *fakePipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type harness struct {
	room     *fakeRoom
	dialer   *fakeDialer
	pipeline *fakePipeline
	prewarms atomic.Int32
	runtime  *Runtime
}

func testConfig() *Config {
	return &Config{
		Name:               "agent-7",
		Identity:           "agent-7",
		DisplayName:        "Sales",
		SIPTrunkID:         "ST_1",
		ParticipantTimeout: 50 * time.Millisecond,
		DialTimeout:        200 * time.Millisecond,
		FallbackTimeout:    100 * time.Millisecond,
		MonitorInterval:    10 * time.Millisecond,
		MaxCallDuration:    2 * time.Second,
		MaxJobs:            1,
	}
}

func newHarness(cfg *Config) *harness {
	h := &harness{room: newFakeRoom(), pipeline: &fakePipeline{}}
	h.dialer = &fakeDialer{room: h.room}
	h.runtime = NewRuntime(cfg,
		func(ctx context.Context, job Job) (RoomSession, error) { return h.room, nil },
		h.dialer,
		func(ctx context.Context, room RoomSession, res *voice.Resources, instructions string) (Pipeline, error) {
			return h.pipeline, nil
		},
		WithPrewarm(func() (*voice.Resources, error) {
			h.prewarms.Add(1)
			return &voice.Resources{VAD: voice.DefaultVADParams()}, nil
		}),
	)
	return h
}

const outboundMeta = `{"phone_number":"+15551234567","call_id":"c-1"}`

func TestRunOutboundDialsWhenNobodyJoins(t *testing.T) {
	h := newHarness(testConfig())

	go func() {
		time.Sleep(150 * time.Millisecond)
		h.room.setAttr("sip-c-1", CallStatusAttribute, HangupStatus)
	}()

	out, err := h.runtime.Run(context.Background(), Job{ID: "J1", RoomName: "call-c-1", Metadata: outboundMeta})
	require.NoError(t, err)

	assert.True(t, out.Dialed)
	assert.Equal(t, "sip-c-1", out.Participant)
	assert.Equal(t, EndHangup, out.EndReason)
	assert.Equal(t, int32(1), h.dialer.calls.Load())
	assert.Equal(t, "ST_1", h.dialer.req.TrunkID)
	assert.Equal(t, "+15551234567", h.dialer.req.PhoneNumber)
	assert.Equal(t, "call-c-1", h.dialer.req.RoomName)
	assert.Contains(t, h.pipeline.greeting, "Sales")
	assert.True(t, h.pipeline.closed)
	assert.True(t, h.room.disconnected.Load())
}

func TestRunOutboundSkipsDialWhenCalleeAlreadyJoined(t *testing.T) {
	h := newHarness(testConfig())
	h.room.join(domain.Participant{Identity: "sip-c-1"})

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.room.leave("sip-c-1")
	}()

	out, err := h.runtime.Run(context.Background(), Job{ID: "J1", Metadata: outboundMeta})
	require.NoError(t, err)
	assert.False(t, out.Dialed)
	assert.Zero(t, h.dialer.calls.Load())
	assert.Equal(t, EndParticipantLeft, out.EndReason)
}

func TestRunWithoutPhoneNumberFallsBackInsteadOfFailing(t *testing.T) {
	h := newHarness(testConfig())

	// Joins after the first wait expired but inside the fallback wait.
	go func() {
		time.Sleep(90 * time.Millisecond)
		h.room.join(domain.Participant{Identity: "caller"})
		time.Sleep(20 * time.Millisecond)
		h.room.Disconnect()
	}()

	out, err := h.runtime.Run(context.Background(), Job{ID: "J2"})
	require.NoError(t, err)
	assert.Zero(t, h.dialer.calls.Load())
	assert.Equal(t, "caller", out.Participant)
	assert.Equal(t, EndRoomClosed, out.EndReason)
	assert.Equal(t, inboundGreeting, h.pipeline.greeting)
}

func TestRunFallbackTimeoutIsFatalForJob(t *testing.T) {
	h := newHarness(testConfig())

	_, err := h.runtime.Run(context.Background(), Job{ID: "J3"})
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.True(t, h.room.disconnected.Load())
	assert.Empty(t, h.pipeline.identity)
}

func TestRunDialFailureProceedsToFallback(t *testing.T) {
	for name, d := range map[string]*fakeDialer{
		"error": {err: errors.New("486 busy")},
		"panic": {panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(testConfig())
			h.dialer = d
			h.runtime.dialer = d

			_, err := h.runtime.Run(context.Background(), Job{ID: "J4", Metadata: outboundMeta})
			assert.ErrorIs(t, err, domain.ErrTimeout)
			assert.Equal(t, int32(1), d.calls.Load())
		})
	}
}

func TestRunMalformedMetadataIsTreatedAsAbsent(t *testing.T) {
	h := newHarness(testConfig())
	h.room.join(domain.Participant{Identity: "caller"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	out, err := h.runtime.Run(ctx, Job{ID: "J5", Metadata: "{not json"})
	require.NoError(t, err)
	assert.Equal(t, EndCanceled, out.EndReason)
	assert.Zero(t, h.dialer.calls.Load())
}

func TestRunMonitorCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCallDuration = 60 * time.Millisecond
	h := newHarness(cfg)
	h.room.join(domain.Participant{Identity: "sip-c-1"})

	out, err := h.runtime.Run(context.Background(), Job{ID: "J6", Metadata: outboundMeta})
	require.NoError(t, err)
	assert.Equal(t, EndMaxDuration, out.EndReason)
}

func TestPrewarmRunsOncePerRuntime(t *testing.T) {
	h := newHarness(testConfig())
	for i := 0; i < 2; i++ {
		h.room = newFakeRoom()
		_, _ = h.runtime.Run(context.Background(), Job{ID: "J"})
	}
	assert.Equal(t, int32(1), h.prewarms.Load())
}

func TestRunConnectFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.runtime.connect = func(ctx context.Context, job Job) (RoomSession, error) {
		return nil, errors.New("401 unauthorized")
	}
	_, err := h.runtime.Run(context.Background(), Job{ID: "J7"})
	assert.ErrorContains(t, err, "401 unauthorized")
}

func TestConfigPrompts(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, DefaultPrompt, cfg.Instructions())
	cfg.PromptTemplate = "  Sell solar panels.  "
	assert.Equal(t, "Sell solar panels.", cfg.Instructions())

	assert.Equal(t, inboundGreeting, cfg.Greeting(domain.DispatchMetadata{}))
	assert.Contains(t, cfg.Greeting(domain.DispatchMetadata{PhoneNumber: "+1"}), "introduce yourself as Sales")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AGENT_NAME", "agent-9")
	t.Setenv("LIVEKIT_URL", "wss://x")
	t.Setenv("LIVEKIT_API_KEY", "k")
	t.Setenv("LIVEKIT_API_SECRET", "s")
	t.Setenv("OPENAI_API_KEY", "sk")
	t.Setenv("DIAL_PARTICIPANT_TIMEOUT", "45s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "agent-9", cfg.Name)
	assert.Equal(t, 60*time.Second, cfg.ParticipantTimeout)
	assert.Equal(t, 45*time.Second, cfg.DialTimeout)
	assert.Equal(t, 120*time.Second, cfg.FallbackTimeout)
	assert.Equal(t, 5*time.Second, cfg.MonitorInterval)
	assert.Equal(t, 30*time.Minute, cfg.MaxCallDuration)
	assert.Equal(t, "agent-9", cfg.ParticipantName())

	cfg.ApplyAgentID("12")
	assert.Equal(t, "agent-12", cfg.Identity)

	cfg.OpenAIAPIKey = ""
	assert.Error(t, cfg.Validate())
}
