package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type memStore struct {
	mu    sync.Mutex
	creds map[string]Credential
	saves int
}

func newMemStore(creds ...Credential) *memStore {
	s := &memStore{creds: make(map[string]Credential)}
	for _, c := range creds {
		s.creds[c.OwnerID] = c
	}
	return s
}

func (s *memStore) Credential(_ context.Context, ownerID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[ownerID]
	if !ok {
		return Credential{}, errors.New("not found")
	}
	return c, nil
}

func (s *memStore) SaveTokens(_ context.Context, ownerID, access, refresh string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[ownerID] = Credential{
		OwnerID: ownerID, AccessToken: access, RefreshToken: refresh,
		ExpiresAt: expiresAt, IsValid: true,
	}
	s.saves++
	return nil
}

func (s *memStore) MarkInvalid(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.creds[ownerID]
	c.IsValid = false
	s.creds[ownerID] = c
	return nil
}

func (s *memStore) get(ownerID string) Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[ownerID]
}

func tokenEndpoint(t *testing.T, calls *int64, status int, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		if delay > 0 {
			time.Sleep(delay)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("client_secret"); got != "secret" {
			t.Errorf("client_secret = %q", got)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
}

func TestAccessTokenUsesCacheWhileFresh(t *testing.T) {
	var calls int64
	srv := tokenEndpoint(t, &calls, http.StatusOK, 0)
	defer srv.Close()

	store := newMemStore(Credential{
		OwnerID: "o1", RefreshToken: "r", IsValid: true,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	b := NewBroker(store, srv.URL, "client", "secret", nil, zap.NewNop())

	first, err := b.AccessToken(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}

	second, err := b.AccessToken(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("cached token not reused")
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("refresh calls = %d after cached read, want 1", got)
	}
}

func TestAccessTokenRefreshesInsideSafetyMargin(t *testing.T) {
	var calls int64
	srv := tokenEndpoint(t, &calls, http.StatusOK, 0)
	defer srv.Close()

	store := newMemStore(Credential{
		OwnerID: "o1", RefreshToken: "r", IsValid: true,
		ExpiresAt: time.Now().Add(30 * time.Second), // inside the 2m margin
	})
	b := NewBroker(store, srv.URL, "client", "secret", nil, zap.NewNop())

	tok, err := b.AccessToken(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "new-access" {
		t.Errorf("token = %q, want refreshed token", tok)
	}
	if store.get("o1").AccessToken != "new-access" {
		t.Error("refreshed tokens not persisted")
	}
}

func TestConcurrentRefreshCoalesced(t *testing.T) {
	var calls int64
	srv := tokenEndpoint(t, &calls, http.StatusOK, 50*time.Millisecond)
	defer srv.Close()

	store := newMemStore(Credential{
		OwnerID: "o1", RefreshToken: "r", IsValid: true,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	b := NewBroker(store, srv.URL, "client", "secret", nil, zap.NewNop())

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.AccessToken(context.Background(), "o1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("underlying refresh calls = %d, want exactly 1", got)
	}
}

func TestRefreshRejectedIsTerminal(t *testing.T) {
	var calls int64
	srv := tokenEndpoint(t, &calls, http.StatusBadRequest, 0)
	defer srv.Close()

	store := newMemStore(Credential{
		OwnerID: "o1", RefreshToken: "stale", IsValid: true,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	b := NewBroker(store, srv.URL, "client", "secret", nil, zap.NewNop())

	_, err := b.AccessToken(context.Background(), "o1")
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("err = %v, want ErrReconnectRequired", err)
	}
	if store.get("o1").IsValid {
		t.Error("credential not flipped invalid")
	}

	// A credential already marked invalid short-circuits without a call.
	before := atomic.LoadInt64(&calls)
	if _, err := b.AccessToken(context.Background(), "o1"); !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("err = %v, want ErrReconnectRequired", err)
	}
	if atomic.LoadInt64(&calls) != before {
		t.Error("invalid credential still hit the token endpoint")
	}
}

func TestInvalidate(t *testing.T) {
	var calls int64
	srv := tokenEndpoint(t, &calls, http.StatusOK, 0)
	defer srv.Close()

	store := newMemStore(Credential{
		OwnerID: "o1", RefreshToken: "r", IsValid: true,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	b := NewBroker(store, srv.URL, "client", "secret", nil, zap.NewNop())

	if _, err := b.AccessToken(context.Background(), "o1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Invalidate(context.Background(), "o1"); err != nil {
		t.Fatal(err)
	}
	if store.get("o1").IsValid {
		t.Error("durable record still valid after Invalidate")
	}
}
