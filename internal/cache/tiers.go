package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	r "github.com/redis/go-redis/v9"
)

// MemoryTier is the small-object backend: an in-process map.
type MemoryTier struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{data: make(map[string][]byte)}
}

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(val))
	copy(cp, val)
	m.data[key] = cp
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryTier) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// RedisTier is the large-object backend. A hard expiry well beyond any
// sensible max age keeps abandoned blobs from accumulating; logical expiry
// stays lazy at read time.
type RedisTier struct {
	rdb *r.Client
	ttl time.Duration
}

func NewRedisTier(rdb *r.Client) *RedisTier {
	return &RedisTier{rdb: rdb, ttl: 24 * time.Hour}
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := t.rdb.Get(ctx, key).Bytes()
	if err == r.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, val []byte) error {
	return t.rdb.Set(ctx, key, val, t.ttl).Err()
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	return t.rdb.Del(ctx, key).Err()
}

func (t *RedisTier) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := t.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}
