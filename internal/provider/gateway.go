// Package provider wraps all outbound calls to the marketplace API behind a
// single gateway that owns auth headers, rate-limit back-off, bounded retry
// and in-flight de-duplication. It holds no job state.
package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/ratelimit"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/token"
)

// TokenSource supplies bearer tokens per owner. Implemented by token.Broker.
type TokenSource interface {
	AccessToken(ctx context.Context, ownerID string) (string, error)
	ForceRefresh(ctx context.Context, ownerID string) (string, error)
	Invalidate(ctx context.Context, ownerID string) error
}

type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

const (
	maxTransientAttempts = 3
	backoffBase          = time.Second
)

type Gateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	tokens  TokenSource
	limits  *ratelimit.Tracker

	inflight singleflight.Group
	timeout  time.Duration
	log      *zap.Logger

	// sleep is swapped in tests to observe back-off without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewGateway(baseURL, apiKey string, tokens TokenSource, limits *ratelimit.Tracker, timeout time.Duration, log *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		tokens:  tokens,
		limits:  limits,
		timeout: timeout,
		log:     log.Named("gateway"),
		sleep:   sleepCtx,
	}
}

// Do dispatches one call on behalf of an owner. Identical in-flight GETs for
// the same owner collapse into a single network call; mutating requests are
// never de-duplicated.
func (g *Gateway) Do(ctx context.Context, ownerID string, req Request) (*Response, error) {
	if req.Method != http.MethodGet {
		return g.do(ctx, ownerID, req)
	}
	key := ownerID + "|" + req.Method + "|" + req.Path + "?" + req.Query.Encode()
	v, err, shared := g.inflight.Do(key, func() (interface{}, error) {
		return g.do(ctx, ownerID, req)
	})
	if shared {
		g.log.Debug("request coalesced", zap.String("key", key))
	}
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (g *Gateway) do(ctx context.Context, ownerID string, req Request) (*Response, error) {
	endpoint := req.Method + " " + req.Path

	attempts := 0
	authRetried := false
	for {
		if err := g.limits.Wait(ctx, endpoint); err != nil {
			return nil, newError(ClassNetwork, 0, "rate limit wait interrupted", err)
		}

		accessToken, err := g.tokens.AccessToken(ctx, ownerID)
		if err != nil {
			if errors.Is(err, token.ErrReconnectRequired) {
				return nil, newError(ClassAuthExpired, 0, "credentials invalid", err)
			}
			return nil, newError(ClassNetwork, 0, "token acquisition failed", err)
		}

		resp, err := g.dispatch(ctx, req, accessToken)
		if err != nil {
			attempts++
			if attempts >= maxTransientAttempts {
				return nil, newError(ClassNetwork, 0, "request failed", err)
			}
			if serr := g.sleep(ctx, backoff(attempts)); serr != nil {
				return nil, newError(ClassNetwork, 0, "request failed", err)
			}
			continue
		}

		g.limits.UpdateFromHeaders(endpoint, resp.Header)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			attempts++
			if attempts >= maxTransientAttempts {
				return nil, newError(ClassRateLimited, resp.StatusCode, "rate limit exceeded", nil)
			}
			delay := retryAfter(resp.Header, attempts)
			g.log.Warn("rate limited",
				zap.String("endpoint", endpoint), zap.Duration("retry_after", delay))
			if serr := g.sleep(ctx, delay); serr != nil {
				return nil, newError(ClassRateLimited, resp.StatusCode, "rate limit exceeded", serr)
			}

		case resp.StatusCode == http.StatusUnauthorized:
			if authRetried {
				// A freshly refreshed token was still rejected.
				_ = g.tokens.Invalidate(ctx, ownerID)
				return nil, newError(ClassAuthExpired, resp.StatusCode, "unauthorized after refresh", token.ErrReconnectRequired)
			}
			authRetried = true
			if _, rerr := g.tokens.ForceRefresh(ctx, ownerID); rerr != nil {
				if errors.Is(rerr, token.ErrReconnectRequired) {
					return nil, newError(ClassAuthExpired, resp.StatusCode, "refresh rejected", rerr)
				}
				return nil, newError(ClassNetwork, resp.StatusCode, "token refresh failed", rerr)
			}

		case resp.StatusCode >= 500:
			attempts++
			if attempts >= maxTransientAttempts {
				return nil, newError(ClassUnknown, resp.StatusCode, string(resp.Body), nil)
			}
			if serr := g.sleep(ctx, backoff(attempts)); serr != nil {
				return nil, newError(ClassUnknown, resp.StatusCode, string(resp.Body), serr)
			}

		default:
			return nil, newError(ClassValidation, resp.StatusCode, string(resp.Body), nil)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, req Request, accessToken string) (*Response, error) {
	u := g.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	hr, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Authorization", "Bearer "+accessToken)
	hr.Header.Set("x-api-key", g.apiKey)
	if req.ContentType != "" {
		hr.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := g.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// MultipartUpload builds a multipart form body with one file part and
// optional extra fields, ready to pass as a Request.
func MultipartUpload(field, filename string, data []byte, extra map[string]string) (body []byte, contentType string, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	for k, v := range extra {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func retryAfter(h http.Header, attempt int) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return backoff(attempt)
}

func backoff(attempt int) time.Duration {
	return backoffBase * time.Duration(1<<uint(attempt-1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
