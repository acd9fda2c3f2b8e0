package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-resto/internal/pricing"
)

// ErrCorruptSnapshot marks a stored snapshot that cannot be decoded.
var ErrCorruptSnapshot = errors.New("cart: corrupt snapshot")

// Persisted is the stored form of a cart: lines and delivery fee only.
type Persisted struct {
	Items       []Line        `json:"items"`
	DeliveryFee pricing.Money `json:"deliveryFee"`
}

// Store reads and writes cart snapshots.
type Store interface {
	Load(ctx context.Context, key string) (Persisted, bool, error)
	Save(ctx context.Context, key string, snap Persisted) error
}

// Deleter is implemented by stores that can drop a snapshot entirely.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// EncodeSnapshot serialises a snapshot.
func EncodeSnapshot(snap Persisted) ([]byte, error) {
	if snap.Items == nil {
		snap.Items = []Line{}
	}
	return json.Marshal(snap)
}

// DecodeSnapshot parses a stored snapshot. Decoding failures wrap ErrCorruptSnapshot.
func DecodeSnapshot(data []byte) (Persisted, error) {
	var snap Persisted
	if err := json.Unmarshal(data, &snap); err != nil {
		return Persisted{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return snap, nil
}

// MemoryStore keeps encoded snapshots in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, key string) (Persisted, bool, error) {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return Persisted{}, false, nil
	}
	snap, err := DecodeSnapshot(raw)
	return snap, err == nil, err
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, key string, snap Persisted) error {
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = raw
	return nil
}

// Delete implements Deleter.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Raw returns the stored bytes for key; tests use it to inspect or corrupt snapshots.
func (m *MemoryStore) Raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	return raw, ok
}

// SetRaw stores raw bytes under key.
func (m *MemoryStore) SetRaw(key string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = raw
}

// RedisStore keeps snapshots as JSON strings under "cart:{key}" with a sliding TTL.
type RedisStore struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

func (s RedisStore) redisKey(key string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "cart:"
	}
	return prefix + key
}

// Load implements Store.
func (s RedisStore) Load(ctx context.Context, key string) (Persisted, bool, error) {
	if s.R == nil {
		return Persisted{}, false, errors.New("cart: redis client not configured")
	}
	raw, err := s.R.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Persisted{}, false, nil
		}
		return Persisted{}, false, err
	}
	snap, err := DecodeSnapshot(raw)
	return snap, err == nil, err
}

// Save implements Store.
func (s RedisStore) Save(ctx context.Context, key string, snap Persisted) error {
	if s.R == nil {
		return errors.New("cart: redis client not configured")
	}
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.R.Set(ctx, s.redisKey(key), raw, s.TTL).Err()
}

// Delete implements Deleter.
func (s RedisStore) Delete(ctx context.Context, key string) error {
	if s.R == nil {
		return errors.New("cart: redis client not configured")
	}
	return s.R.Del(ctx, s.redisKey(key)).Err()
}

// FileStore keeps one JSON file per key in Dir. The smoke CLI uses it to keep
// a cart between invocations.
type FileStore struct {
	Dir string
}

func (s FileStore) path(key string) (string, error) {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	if clean == "" {
		return "", errors.New("cart: empty snapshot key")
	}
	return filepath.Join(s.Dir, clean+".json"), nil
}

// Load implements Store.
func (s FileStore) Load(_ context.Context, key string) (Persisted, bool, error) {
	p, err := s.path(key)
	if err != nil {
		return Persisted{}, false, err
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Persisted{}, false, nil
		}
		return Persisted{}, false, err
	}
	snap, err := DecodeSnapshot(raw)
	return snap, err == nil, err
}

// Save implements Store. The snapshot is written to a temporary file and
// renamed so a crash never leaves a half-written cart behind.
func (s FileStore) Save(_ context.Context, key string, snap Persisted) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Delete implements Deleter.
func (s FileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
