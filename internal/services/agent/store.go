package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/pkg/redis"
)

// Store persists worker records so a restarted supervisor can rediscover its processes.
type Store interface {
	Load(ctx context.Context) (map[string]*domain.AgentProcessRecord, error)
	Save(ctx context.Context, rec *domain.AgentProcessRecord) error
}

// FileStore keeps all records in one JSON file keyed by worker id.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads every record. A missing file yields an empty set.
func (fs *FileStore) Load(_ context.Context) (map[string]*domain.AgentProcessRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.read()
}

// Save writes rec, replacing any record with the same worker id.
func (fs *FileStore) Save(_ context.Context, rec *domain.AgentProcessRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	records, err := fs.read()
	if err != nil {
		return err
	}
	records[rec.WorkerID] = rec

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Atomic write: tmp file + rename
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp agent state: %w", err)
	}
	return os.Rename(tmp, fs.path)
}

func (fs *FileStore) read() (map[string]*domain.AgentProcessRecord, error) {
	records := make(map[string]*domain.AgentProcessRecord)
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent state: %w", err)
	}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse agent state %s: %w", fs.path, err)
	}
	return records, nil
}

// hashStore is the subset of the redis service the RedisStore needs.
type hashStore interface {
	GenerateKey(keyType redis.KeyType, identifier string) string
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSet(ctx context.Context, key, field, value string) error
}

// RedisStore keeps records in a redis hash, one field per worker id.
type RedisStore struct {
	client hashStore
	key    string
}

// NewRedisStore creates a store under the hash for namespace (typically the instance id).
func NewRedisStore(client hashStore, namespace string) *RedisStore {
	return &RedisStore{client: client, key: client.GenerateKey(redis.AGENT_PROCESS_STATE, namespace)}
}

// Load reads every record in the hash.
func (rs *RedisStore) Load(ctx context.Context) (map[string]*domain.AgentProcessRecord, error) {
	fields, err := rs.client.HashGetAll(ctx, rs.key)
	if err != nil {
		return nil, fmt.Errorf("load agent state: %w", err)
	}
	records := make(map[string]*domain.AgentProcessRecord, len(fields))
	for workerID, raw := range fields {
		var rec domain.AgentProcessRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("parse agent state for %s: %w", workerID, err)
		}
		records[workerID] = &rec
	}
	return records, nil
}

// Save writes rec into its hash field.
func (rs *RedisStore) Save(ctx context.Context, rec *domain.AgentProcessRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	return rs.client.HashSet(ctx, rs.key, rec.WorkerID, string(data))
}
