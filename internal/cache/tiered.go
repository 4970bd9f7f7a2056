// Package cache is a two-tier key/value store used while preparing listing
// media client-side. Small payloads stay in process memory; large payloads go
// to Redis. Entries expire lazily against a caller-supplied max age.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrMiss is returned by tiers when a key is absent.
var ErrMiss = errors.New("cache miss")

type TierName string

const (
	TierSmall TierName = "small"
	TierLarge TierName = "large"
)

// Tier is one storage backend. Implementations must be safe for concurrent
// use.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// envelope wraps every stored value with its write timestamp so expiry is
// decided at read time.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	SavedAt int64           `json:"saved_at"` // unix milliseconds
}

type Status struct {
	Exists bool          `json:"exists"`
	Tier   TierName      `json:"tier,omitempty"`
	Size   int           `json:"size"`
	Count  int           `json:"count"`
	Age    time.Duration `json:"age"`
}

type TieredCache struct {
	prefix    string
	threshold int
	small     Tier
	large     Tier

	mu   sync.Mutex
	meta map[string]TierName

	log *zap.Logger
	now func() time.Time
}

func New(prefix string, threshold int, small, large Tier, log *zap.Logger) *TieredCache {
	if threshold <= 0 {
		threshold = 64 * 1024
	}
	return &TieredCache{
		prefix:    prefix,
		threshold: threshold,
		small:     small,
		large:     large,
		meta:      make(map[string]TierName),
		log:       log.Named("cache"),
		now:       time.Now,
	}
}

func (c *TieredCache) fullKey(key string) string { return c.prefix + ":" + key }

// Save serializes v and routes it by size: payloads strictly above the
// threshold go to the large tier. A failing tier degrades to the other one
// instead of surfacing the error. Any previous entry for the key is
// replaced.
func (c *TieredCache) Save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{Data: data, SavedAt: c.now().UnixMilli()})
	if err != nil {
		return err
	}

	tier, other := c.small, c.large
	name, otherName := TierSmall, TierLarge
	if len(data) > c.threshold {
		tier, other = c.large, c.small
		name, otherName = TierLarge, TierSmall
	}

	fk := c.fullKey(key)
	if err := tier.Set(ctx, fk, env); err != nil {
		c.log.Warn("tier write failed, degrading",
			zap.String("key", key), zap.String("tier", string(name)), zap.Error(err))
		if err := other.Set(ctx, fk, env); err != nil {
			c.log.Error("both tiers failed", zap.String("key", key), zap.Error(err))
			return nil
		}
		tier, other = other, tier
		name = otherName
	}
	// Stale copy in the other tier would make reads ambiguous.
	_ = other.Delete(ctx, fk)

	c.mu.Lock()
	c.meta[key] = name
	c.mu.Unlock()
	return nil
}

// Load reads a previously saved value into out. It returns false on a miss,
// on an expired entry or on corrupt data (which is purged). The tier index
// resolves the lookup when present; otherwise both tiers are probed.
func (c *TieredCache) Load(ctx context.Context, key string, maxAge time.Duration, out any) (bool, error) {
	fk := c.fullKey(key)

	c.mu.Lock()
	name, known := c.meta[key]
	c.mu.Unlock()

	var raw []byte
	var err error
	switch {
	case known && name == TierSmall:
		raw, err = c.small.Get(ctx, fk)
	case known && name == TierLarge:
		raw, err = c.large.Get(ctx, fk)
	default:
		raw, err = c.small.Get(ctx, fk)
		name = TierSmall
		if errors.Is(err, ErrMiss) {
			raw, err = c.large.Get(ctx, fk)
			name = TierLarge
		}
	}
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		c.log.Warn("tier read failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.SavedAt == 0 {
		c.purge(ctx, key, fk)
		c.log.Warn("corrupt cache entry purged", zap.String("key", key))
		return false, nil
	}
	age := c.now().Sub(time.UnixMilli(env.SavedAt))
	if maxAge > 0 && age > maxAge {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		c.purge(ctx, key, fk)
		c.log.Warn("corrupt cache payload purged", zap.String("key", key))
		return false, nil
	}
	c.mu.Lock()
	c.meta[key] = name
	c.mu.Unlock()
	return true, nil
}

// Clear removes the given keys from both tiers, or every entry under the
// cache prefix when called with no keys.
func (c *TieredCache) Clear(ctx context.Context, keys ...string) error {
	if len(keys) > 0 {
		for _, k := range keys {
			c.purge(ctx, k, c.fullKey(k))
		}
		return nil
	}
	for _, t := range []Tier{c.small, c.large} {
		ks, err := t.Keys(ctx, c.prefix+":")
		if err != nil {
			c.log.Warn("tier scan failed", zap.Error(err))
			continue
		}
		for _, fk := range ks {
			_ = t.Delete(ctx, fk)
		}
	}
	c.mu.Lock()
	c.meta = make(map[string]TierName)
	c.mu.Unlock()
	return nil
}

// Status reports where a key lives without mutating cache state. Count is
// the total number of entries under the cache prefix across both tiers.
func (c *TieredCache) Status(ctx context.Context, key string) Status {
	var st Status
	for _, t := range []Tier{c.small, c.large} {
		ks, err := t.Keys(ctx, c.prefix+":")
		if err == nil {
			st.Count += len(ks)
		}
	}

	fk := c.fullKey(key)
	raw, err := c.small.Get(ctx, fk)
	st.Tier = TierSmall
	if errors.Is(err, ErrMiss) || err != nil {
		raw, err = c.large.Get(ctx, fk)
		st.Tier = TierLarge
	}
	if err != nil {
		st.Tier = ""
		return st
	}
	st.Exists = true
	st.Size = len(raw)
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.SavedAt > 0 {
		st.Age = c.now().Sub(time.UnixMilli(env.SavedAt))
		st.Size = len(env.Data)
	}
	return st
}

func (c *TieredCache) purge(ctx context.Context, key, fullKey string) {
	_ = c.small.Delete(ctx, fullKey)
	_ = c.large.Delete(ctx, fullKey)
	c.mu.Lock()
	delete(c.meta, key)
	c.mu.Unlock()
}
