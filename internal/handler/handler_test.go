package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-outbound/internal/config"
	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/internal/services/outbound"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
)

type fakeOrchestrator struct {
	result *outbound.Result
	calls  []domain.CallRequest
}

func (f *fakeOrchestrator) Initiate(ctx context.Context, req domain.CallRequest) *outbound.Result {
	f.calls = append(f.calls, req)
	return f.result
}

type fakeSupervisor struct {
	records map[string]*domain.AgentProcessRecord
	deploy  func(req domain.DeployRequest) (*domain.DeployResult, error)
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{records: map[string]*domain.AgentProcessRecord{}}
}

func (f *fakeSupervisor) Deploy(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error) {
	if f.deploy != nil {
		return f.deploy(req)
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrInvalidCallRequest)
	}
	id := domain.WorkerID(req.AgentID)
	if rec, ok := f.records[id]; ok {
		return &domain.DeployResult{WorkerID: id, PID: rec.PID, Status: domain.ProcessAlreadyRunning}, nil
	}
	f.records[id] = &domain.AgentProcessRecord{AgentID: req.AgentID, WorkerID: id, PID: 4242, Status: domain.ProcessRunning}
	return &domain.DeployResult{WorkerID: id, PID: 4242, Status: domain.ProcessRunning}, nil
}

func (f *fakeSupervisor) Status(ctx context.Context, agentID string) (*domain.AgentProcessRecord, error) {
	id := domain.WorkerID(agentID)
	rec, ok := f.records[id]
	if !ok {
		return &domain.AgentProcessRecord{AgentID: agentID, WorkerID: id, Status: domain.ProcessNotFound}, domain.ErrProcessNotFound
	}
	return rec, nil
}

func (f *fakeSupervisor) List(ctx context.Context) []domain.AgentProcessRecord {
	out := []domain.AgentProcessRecord{}
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out
}

func (f *fakeSupervisor) Stop(ctx context.Context, agentID string) (*domain.AgentProcessRecord, error) {
	rec, ok := f.records[domain.WorkerID(agentID)]
	if !ok {
		return nil, domain.ErrProcessNotFound
	}
	rec.Status = domain.ProcessStopped
	return rec, nil
}

func (f *fakeSupervisor) RunningCount() int {
	n := 0
	for _, rec := range f.records {
		if rec.Status == domain.ProcessRunning {
			n++
		}
	}
	return n
}

type fakeTrunks struct{}

func (fakeTrunks) CreateOutboundTrunk(ctx context.Context, req domain.CreateTrunkRequest) (*domain.Trunk, error) {
	if req.PhoneNumber == "" {
		return nil, fmt.Errorf("%w: phone_number is required", domain.ErrInvalidCallRequest)
	}
	return &domain.Trunk{TrunkID: "ST_new", Numbers: []string{req.PhoneNumber}}, nil
}

func (fakeTrunks) ProvisionInbound(ctx context.Context, req domain.InboundProvisionRequest) (*domain.InboundProvision, error) {
	return nil, fmt.Errorf("%w: provider down", domain.ErrTrunkUnavailable)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.CallEvent
}

func (f *fakeNotifier) Notify(ctx context.Context, event domain.CallEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type testServer struct {
	router       *mux.Router
	orchestrator *fakeOrchestrator
	supervisor   *fakeSupervisor
	notifier     *fakeNotifier
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	ts := &testServer{
		router:       mux.NewRouter(),
		orchestrator: &fakeOrchestrator{},
		supervisor:   newFakeSupervisor(),
		notifier:     &fakeNotifier{},
	}
	cfg := &config.Config{InstanceID: "test-1", APISecretKey: secret}
	cfg.LiveKit = config.LiveKitConfig{URL: "wss://x", APIKey: "k", APISecret: "s"}

	NewHandlerManager(cfg, Services{
		Orchestrator: ts.orchestrator,
		Supervisor:   ts.supervisor,
		Trunks:       fakeTrunks{},
		Notifier:     ts.notifier,
		Webhook: func(r *http.Request) (*livekit.WebhookEvent, error) {
			if r.Header.Get("Authorization") != "signed" {
				return nil, errors.New("bad signature")
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, err
			}
			event := &livekit.WebhookEvent{}
			return event, protojson.Unmarshal(body, event)
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	}).SetupAllRoutes(ts.router)
	return ts
}

func (ts *testServer) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const callBody = `{"agent_id":"7","phone_number":"+15551234567","trunk_id":"trunk-a","call_id":"c-100"}`

func TestInitiateCallDialing(t *testing.T) {
	ts := newTestServer(t, "")
	ts.orchestrator.result = &outbound.Result{Status: domain.CallStatusDialing, CallID: "c-100", ParticipantID: "PA_1", RoomName: "call-c-100"}

	rec := ts.do(http.MethodPost, "/api/calls/initiate", callBody)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[outbound.Result](t, rec)
	assert.Equal(t, domain.CallStatusDialing, res.Status)
	assert.Equal(t, "PA_1", res.ParticipantID)

	require.Len(t, ts.orchestrator.calls, 1)
	assert.Equal(t, "trunk-a", ts.orchestrator.calls[0].TrunkID)
	assert.Equal(t, "c-100", ts.orchestrator.calls[0].CallID)
}

func TestInitiateCallFailedIsBadGateway(t *testing.T) {
	ts := newTestServer(t, "")
	ts.orchestrator.result = &outbound.Result{Status: domain.CallStatusFailed, Stage: domain.StageCall, Error: "486 busy"}

	rec := ts.do(http.MethodPost, "/api/calls/initiate", callBody)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	res := decode[outbound.Result](t, rec)
	assert.Equal(t, domain.CallStatusFailed, res.Status)
	assert.Equal(t, "486 busy", res.Error)
}

func TestInitiateCallValidation(t *testing.T) {
	ts := newTestServer(t, "")

	for name, body := range map[string]string{
		"no plus":    `{"agent_id":"7","phone_number":"15551234567"}`,
		"no agent":   `{"phone_number":"+15551234567"}`,
		"not json":   `{"agent_id":`,
		"empty body": ``,
	} {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, "/api/calls/initiate", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, ts.orchestrator.calls)

	rec := ts.do(http.MethodPost, "/api/calls/initiate", callBody, "Content-Type", "text/plain")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAgentLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/agents/deploy", `{"agent_id":"7","name":"Sales"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ProcessRunning, decode[domain.DeployResult](t, rec).Status)

	rec = ts.do(http.MethodPost, "/api/agents/deploy", `{"agent_id":"7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ProcessAlreadyRunning, decode[domain.DeployResult](t, rec).Status)

	rec = ts.do(http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.AgentProcessRecord](t, rec), 1)

	rec = ts.do(http.MethodGet, "/api/agents/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-7", decode[domain.AgentProcessRecord](t, rec).WorkerID)

	rec = ts.do(http.MethodPost, "/api/agents/7/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ProcessStopped, decode[domain.AgentProcessRecord](t, rec).Status)

	rec = ts.do(http.MethodGet, "/api/agents/99", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, domain.ProcessNotFound, decode[domain.AgentProcessRecord](t, rec).Status)

	rec = ts.do(http.MethodPost, "/api/agents/99/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodPost, "/api/agents/deploy", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeploySpawnFailure(t *testing.T) {
	ts := newTestServer(t, "")
	ts.supervisor.deploy = func(req domain.DeployRequest) (*domain.DeployResult, error) {
		return &domain.DeployResult{WorkerID: "agent-7", Status: domain.ProcessError, Error: "exec: not found"}, domain.ErrProcessSpawnFailed
	}

	rec := ts.do(http.MethodPost, "/api/agents/deploy", `{"agent_id":"7"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	res := decode[domain.DeployResult](t, rec)
	assert.Equal(t, domain.ProcessError, res.Status)
	assert.Equal(t, "exec: not found", res.Error)
}

func TestTrunkRoutes(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(http.MethodPost, "/api/trunks", `{"phone_number":"+15550001111"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "ST_new", decode[domain.Trunk](t, rec).TrunkID)

	rec = ts.do(http.MethodPost, "/api/trunks", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/trunks/inbound", `{"phone_number":"+1","agent_name":"agent-7"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, "secret")
	_, _ = ts.supervisor.Deploy(context.Background(), domain.DeployRequest{AgentID: "1"})

	rec := ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.LiveKitConfigured)
	assert.False(t, health.TwilioConfigured)
	assert.Equal(t, 1, health.WorkersRunning)

	rec = ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func signed(t *testing.T, secret string, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, jwt.MapClaims{"sub": "ops", "exp": exp.Unix()}).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestAPIKeyMiddleware(t *testing.T) {
	ts := newTestServer(t, "secret")
	ts.orchestrator.result = &outbound.Result{Status: domain.CallStatusDialing}

	rec := ts.do(http.MethodPost, "/api/calls/initiate", callBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/calls/initiate", callBody, "X-API-Key", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/calls/initiate", callBody,
		"X-API-Key", signed(t, "other", jwt.SigningMethodHS256, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/calls/initiate", callBody,
		"X-API-Key", signed(t, "secret", jwt.SigningMethodHS384, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/calls/initiate", callBody,
		"X-API-Key", signed(t, "secret", jwt.SigningMethodHS256, time.Now().Add(-time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/calls/initiate", callBody,
		"X-API-Key", signed(t, "secret", jwt.SigningMethodHS256, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, "secret")

	rec := ts.do(http.MethodOptions, "/api/calls/initiate", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestLiveKitWebhookReportsCompletedCall(t *testing.T) {
	ts := newTestServer(t, "secret")

	left := `{"event":"participant_left","room":{"name":"call-c-100"},` +
		`"participant":{"identity":"sip-c-100","kind":"SIP","attributes":{"sip.callID":"SCL_1"}}}`
	rec := ts.do(http.MethodPost, "/livekit/webhook", left, "Authorization", "signed")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, ts.notifier.events, 1)
	assert.Equal(t, domain.CallEvent{CallID: "c-100", Status: domain.CallStatusCompleted, CallSID: "SCL_1"}, ts.notifier.events[0])

	// The agent leaving is not a call event.
	agentLeft := `{"event":"participant_left","room":{"name":"call-c-100"},"participant":{"identity":"agent-7","kind":"AGENT"}}`
	rec = ts.do(http.MethodPost, "/livekit/webhook", agentLeft, "Authorization", "signed")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.notifier.events, 1)

	rec = ts.do(http.MethodPost, "/livekit/webhook", left)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, ts.notifier.events, 1)
}
