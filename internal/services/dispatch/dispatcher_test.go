package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu           sync.Mutex
	dispatchErr  error
	listErr      error
	participants []domain.Participant
	lastMetadata string
	listCalls    int
}

func (f *fakeProvider) CreateDispatch(ctx context.Context, agentName, roomName, metadata string) (*domain.DispatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	f.lastMetadata = metadata
	return &domain.DispatchRecord{DispatchID: "AD_1"}, nil
}

func (f *fakeProvider) ListParticipants(ctx context.Context, roomName string) ([]domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.participants, f.listErr
}

type verifyResult struct {
	room, worker string
	joined       bool
}

func TestDispatchReturnsBeforeVerification(t *testing.T) {
	p := &fakeProvider{participants: []domain.Participant{{Identity: "agent-7"}}}
	results := make(chan verifyResult, 1)
	d := NewDispatcher(p,
		WithVerifyDelay(100*time.Millisecond),
		WithVerifyObserver(func(room, worker string, joined bool) {
			results <- verifyResult{room, worker, joined}
		}))

	start := time.Now()
	rec, err := d.Dispatch(context.Background(), "agent-7", "call-c-1", domain.DispatchMetadata{PhoneNumber: "+15551234567", CallID: "c-1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.Equal(t, "AD_1", rec.DispatchID)
	assert.Equal(t, "agent-7", rec.WorkerName)
	assert.Equal(t, "call-c-1", rec.RoomName)
	assert.JSONEq(t, `{"phone_number":"+15551234567","call_id":"c-1"}`, rec.MetadataJSON)
	assert.JSONEq(t, rec.MetadataJSON, p.lastMetadata)

	select {
	case r := <-results:
		assert.True(t, r.joined)
		assert.Equal(t, "call-c-1", r.room)
	case <-time.After(2 * time.Second):
		t.Fatal("join check did not run")
	}
	d.Wait()
}

func TestVerificationMatchesDisplayName(t *testing.T) {
	p := &fakeProvider{participants: []domain.Participant{{Identity: "AG_x1", Name: "agent-7"}}}
	var joined bool
	d := NewDispatcher(p, WithVerifyDelay(time.Millisecond), WithVerifyObserver(func(_, _ string, j bool) { joined = j }))

	_, err := d.Dispatch(context.Background(), "agent-7", "call-c-1", domain.DispatchMetadata{})
	require.NoError(t, err)
	d.Wait()
	assert.True(t, joined)
}

func TestVerificationMissingWorkerIsNotAnError(t *testing.T) {
	p := &fakeProvider{participants: []domain.Participant{{Identity: "sip-c-1"}}}
	joined := true
	d := NewDispatcher(p, WithVerifyDelay(time.Millisecond), WithVerifyObserver(func(_, _ string, j bool) { joined = j }))

	_, err := d.Dispatch(context.Background(), "agent-7", "call-c-1", domain.DispatchMetadata{})
	require.NoError(t, err)
	d.Wait()
	assert.False(t, joined)
}

func TestVerificationListFailureIsSwallowed(t *testing.T) {
	p := &fakeProvider{listErr: errors.New("unavailable")}
	called := false
	d := NewDispatcher(p, WithVerifyDelay(time.Millisecond), WithVerifyObserver(func(_, _ string, _ bool) { called = true }))

	_, err := d.Dispatch(context.Background(), "agent-7", "call-c-1", domain.DispatchMetadata{})
	require.NoError(t, err)
	d.Wait()
	assert.False(t, called)
	assert.Equal(t, 1, p.listCalls)
}

func TestVerificationSurvivesCallerCancel(t *testing.T) {
	p := &fakeProvider{participants: []domain.Participant{{Identity: "agent-7"}}}
	var joined bool
	d := NewDispatcher(p, WithVerifyDelay(20*time.Millisecond), WithVerifyObserver(func(_, _ string, j bool) { joined = j }))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := d.Dispatch(ctx, "agent-7", "call-c-1", domain.DispatchMetadata{})
	require.NoError(t, err)
	cancel()
	d.Wait()
	assert.True(t, joined)
}

func TestDispatchFailure(t *testing.T) {
	p := &fakeProvider{dispatchErr: errors.New("no such agent")}
	d := NewDispatcher(p, WithVerifyDelay(time.Millisecond))

	_, err := d.Dispatch(context.Background(), "agent-7", "call-c-1", domain.DispatchMetadata{})
	assert.ErrorIs(t, err, domain.ErrDispatchFailed)
	d.Wait()
	assert.Zero(t, p.listCalls)
}
