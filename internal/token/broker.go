// Package token owns OAuth credential lifecycle for connected shops: cached
// access tokens, coalesced refresh against the provider's token endpoint and
// terminal invalidation when a refresh token is rejected.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrReconnectRequired means the stored refresh token was rejected by the
// provider. The owner must re-authorize; no automatic retry can succeed.
var ErrReconnectRequired = errors.New("reconnect required")

// safetyMargin forces a refresh shortly before the recorded expiry so a
// token never goes stale mid-request.
const safetyMargin = 2 * time.Minute

// Credential is the durable OAuth record for one owner (user+shop).
type Credential struct {
	OwnerID      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	IsValid      bool
}

// Store persists credentials. The in-memory cache entry and the durable row
// are updated together on every refresh.
type Store interface {
	Credential(ctx context.Context, ownerID string) (Credential, error)
	SaveTokens(ctx context.Context, ownerID, access, refresh string, expiresAt time.Time) error
	MarkInvalid(ctx context.Context, ownerID string) error
}

type Broker struct {
	store        Store
	client       *http.Client
	tokenURL     string
	clientID     string
	clientSecret string

	mu    sync.Mutex
	cache map[string]Credential

	group singleflight.Group
	log   *zap.Logger
	now   func() time.Time
}

func NewBroker(store Store, tokenURL, clientID, clientSecret string, client *http.Client, log *zap.Logger) *Broker {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Broker{
		store:        store,
		client:       client,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		cache:        make(map[string]Credential),
		log:          log.Named("token"),
		now:          time.Now,
	}
}

// AccessToken returns a valid access token for the owner, refreshing if the
// cached token is missing or inside the safety margin. Concurrent callers
// for the same owner share a single refresh.
func (b *Broker) AccessToken(ctx context.Context, ownerID string) (string, error) {
	b.mu.Lock()
	cred, ok := b.cache[ownerID]
	b.mu.Unlock()

	if ok && cred.IsValid && b.now().Before(cred.ExpiresAt.Add(-safetyMargin)) {
		return cred.AccessToken, nil
	}

	v, err, _ := b.group.Do(ownerID, func() (interface{}, error) {
		return b.refresh(ctx, ownerID)
	})
	if err != nil {
		return "", err
	}
	return v.(Credential).AccessToken, nil
}

// Invalidate drops the cached entry and flips the durable record, e.g. after
// the gateway sees a 401 that a fresh token could not cure.
func (b *Broker) Invalidate(ctx context.Context, ownerID string) error {
	b.mu.Lock()
	delete(b.cache, ownerID)
	b.mu.Unlock()
	return b.store.MarkInvalid(ctx, ownerID)
}

// ForceRefresh bypasses the cached token, e.g. after a 401 mid-request.
func (b *Broker) ForceRefresh(ctx context.Context, ownerID string) (string, error) {
	b.mu.Lock()
	delete(b.cache, ownerID)
	b.mu.Unlock()
	return b.AccessToken(ctx, ownerID)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (b *Broker) refresh(ctx context.Context, ownerID string) (Credential, error) {
	stored, err := b.store.Credential(ctx, ownerID)
	if err != nil {
		return Credential{}, pkgerrors.Wrap(err, "load credential")
	}
	if !stored.IsValid || stored.RefreshToken == "" {
		return Credential{}, ErrReconnectRequired
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {b.clientID},
		"refresh_token": {stored.RefreshToken},
	}
	if b.clientSecret != "" {
		form.Set("client_secret", b.clientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return Credential{}, pkgerrors.Wrap(err, "token endpoint")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// Provider rejected the refresh token; this is terminal until the
		// owner reconnects.
		if mErr := b.store.MarkInvalid(ctx, ownerID); mErr != nil {
			b.log.Error("mark credential invalid", zap.String("owner", ownerID), zap.Error(mErr))
		}
		b.mu.Lock()
		delete(b.cache, ownerID)
		b.mu.Unlock()
		b.log.Warn("refresh token rejected",
			zap.String("owner", ownerID), zap.Int("status", resp.StatusCode))
		return Credential{}, ErrReconnectRequired
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, pkgerrors.Errorf("token endpoint status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Credential{}, pkgerrors.Wrap(err, "token response")
	}
	if tr.AccessToken == "" {
		return Credential{}, pkgerrors.New("token response missing access_token")
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = stored.RefreshToken
	}

	cred := Credential{
		OwnerID:      ownerID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    b.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		IsValid:      true,
	}
	if err := b.store.SaveTokens(ctx, ownerID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt); err != nil {
		return Credential{}, pkgerrors.Wrap(err, "persist tokens")
	}
	b.mu.Lock()
	b.cache[ownerID] = cred
	b.mu.Unlock()
	return cred, nil
}
