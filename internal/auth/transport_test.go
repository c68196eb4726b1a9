package auth_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/graphauth/internal/auth"
)

// trackedBody records whether it was closed.
type trackedBody struct {
	io.Reader
	mu     sync.Mutex
	closed int
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *trackedBody) closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestDecorateRequest_SetsBearerHeader(t *testing.T) {
	h := newHarness(t)
	h.cache.stored = &auth.TokenSet{AccessToken: "cached", ExpiresAt: h.clock.Now().Add(time.Hour)}
	p := h.build(t)

	req := httptest.NewRequest(http.MethodGet, "https://graph.example/v1.0/me", nil)
	require.NoError(t, p.DecorateRequest(req))
	assert.Equal(t, "Bearer cached", req.Header.Get("Authorization"))
}

func TestDecorateRequest_PropagatesFailure(t *testing.T) {
	h := newHarness(t)
	h.authority.device = oauthErr("invalid_client")
	p := h.build(t)

	req := httptest.NewRequest(http.MethodGet, "https://graph.example/v1.0/me", nil)
	err := p.DecorateRequest(req)
	require.ErrorIs(t, err, auth.ErrProtocol)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestTransport_DoesNotSendUnauthenticatedRequests(t *testing.T) {
	called := false
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer resource.Close()

	h := newHarness(t)
	h.authority.device = oauthErr("invalid_client")
	p := h.build(t)

	_, err := p.Client().Get(resource.URL)
	require.Error(t, err)
	assert.False(t, called)
}

func TestTransport_RefreshesAndRetriesOn401(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	var bodies []string
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		bodies = append(bodies, string(body))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer tok2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer resource.Close()

	h := newHarness(t)
	h.cache.stored = &auth.TokenSet{AccessToken: "revoked", RefreshToken: "r1", ExpiresAt: h.clock.Now().Add(time.Hour)}
	h.authority.refreshes = []reply{tokenReply("tok2", 3600)}
	p := h.build(t)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, resource.URL, strings.NewReader("payload"))
	require.NoError(t, err)
	resp, err := p.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Bearer revoked", "Bearer tok2"}, seen)
	assert.Equal(t, []string{"payload", "payload"}, bodies)
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestTransport_ClosesBodyOnlyWhenNotSent(t *testing.T) {
	h := newHarness(t)
	h.authority.device = oauthErr("invalid_client")
	failing := h.build(t)

	body := &trackedBody{Reader: strings.NewReader("payload")}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "https://graph.example/v1.0/me", body)
	require.NoError(t, err)
	_, err = (&auth.Transport{Provider: failing}).RoundTrip(req)
	require.Error(t, err)
	assert.Equal(t, 1, body.closes())

	h = newHarness(t)
	h.cache.stored = &auth.TokenSet{AccessToken: "cached", ExpiresAt: h.clock.Now().Add(time.Hour)}
	p := h.build(t)

	body = &trackedBody{Reader: strings.NewReader("payload")}
	req, err = http.NewRequestWithContext(context.Background(), http.MethodPost, "https://graph.example/v1.0/me", body)
	require.NoError(t, err)
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Request: r}, nil
	})
	resp, err := (&auth.Transport{Provider: p, Base: base}).RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Zero(t, body.closes(), "the base transport owns the body once it is sent")
}
