package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent_state.json")
	fs := NewFileStore(path)
	ctx := context.Background()

	empty, err := fs.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	deployed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, fs.Save(ctx, &domain.AgentProcessRecord{AgentID: "7", WorkerID: "agent-7", PID: 42, Status: domain.ProcessRunning, DeployedAt: deployed}))
	require.NoError(t, fs.Save(ctx, &domain.AgentProcessRecord{AgentID: "8", WorkerID: "agent-8", PID: 43, Status: domain.ProcessStopped}))
	require.NoError(t, fs.Save(ctx, &domain.AgentProcessRecord{AgentID: "7", WorkerID: "agent-7", PID: 44, Status: domain.ProcessRunning, DeployedAt: deployed}))

	got, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 44, got["agent-7"].PID)
	assert.True(t, deployed.Equal(got["agent-7"].DeployedAt))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

type memoryHash struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func (m *memoryHash) GenerateKey(keyType redis.KeyType, identifier string) string {
	return string(keyType) + ":" + identifier + ":"
}

func (m *memoryHash) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.data[key] {
		out[k] = v
	}
	return out, nil
}

func (m *memoryHash) HashSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]map[string]string{}
	}
	if m.data[key] == nil {
		m.data[key] = map[string]string{}
	}
	m.data[key][field] = value
	return nil
}

func TestRedisStoreRoundTrip(t *testing.T) {
	h := &memoryHash{}
	rs := NewRedisStore(h, "pod-1")
	ctx := context.Background()

	require.NoError(t, rs.Save(ctx, &domain.AgentProcessRecord{AgentID: "7", WorkerID: "agent-7", PID: 42, Status: domain.ProcessRunning}))

	got, err := rs.Load(ctx)
	require.NoError(t, err)
	require.Contains(t, got, "agent-7")
	assert.Equal(t, 42, got["agent-7"].PID)
	assert.Contains(t, h.data, "astra_agent_process_state:pod-1:")
}
