// Package ratelimit tracks the provider's per-endpoint request budget as
// reported by response headers, and gates outbound calls when a window is
// exhausted.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	headerRemaining = "X-Limit-Per-Second-Remaining"
	headerReset     = "X-Limit-Reset"

	// Assumed budget when the provider omits or mangles the headers.
	defaultRemaining = 10
)

type state struct {
	remaining int
	resetAt   time.Time
}

type Tracker struct {
	mu        sync.Mutex
	endpoints map[string]state
	now       func() time.Time
}

func New() *Tracker {
	return &Tracker{
		endpoints: make(map[string]state),
		now:       time.Now,
	}
}

// Wait blocks until the endpoint has budget, or returns early when ctx is
// done. A window whose reset time has passed is treated as replenished.
func (t *Tracker) Wait(ctx context.Context, endpoint string) error {
	for {
		t.mu.Lock()
		s, ok := t.endpoints[endpoint]
		now := t.now()
		if !ok || s.remaining > 0 || !now.Before(s.resetAt) {
			if ok && !now.Before(s.resetAt) {
				s.remaining = defaultRemaining
				t.endpoints[endpoint] = s
			}
			t.mu.Unlock()
			return nil
		}
		wait := s.resetAt.Sub(now)
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// UpdateFromHeaders records the remaining quota and reset time reported in a
// response. Missing or malformed values fall back to a generous default
// rather than blocking the endpoint.
func (t *Tracker) UpdateFromHeaders(endpoint string, h http.Header) {
	remaining := defaultRemaining
	if v := h.Get(headerRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			remaining = n
		}
	}
	resetAt := t.now().Add(time.Second)
	if v := h.Get(headerReset); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			resetAt = t.now().Add(time.Duration(secs * float64(time.Second)))
		}
	}

	t.mu.Lock()
	t.endpoints[endpoint] = state{remaining: remaining, resetAt: resetAt}
	t.mu.Unlock()
}

// Snapshot returns the tracked remaining quota and reset time for an
// endpoint; ok is false when the endpoint has never been observed.
func (t *Tracker) Snapshot(endpoint string) (remaining int, resetAt time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.endpoints[endpoint]
	return s.remaining, s.resetAt, ok
}
