package auth

import (
	"fmt"
	"net/http"
)

// DecorateRequest sets the Authorization header of req to the provider's bearer token.
// The token is fetched with req.Context(). On failure the header is left untouched and
// the error is returned so that no unauthenticated request is sent.
func (p *Provider) DecorateRequest(req *http.Request) error {
	token, err := p.AccessToken(req.Context())
	if err != nil {
		return fmt.Errorf("authenticating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Invalidate marks the cached set as expired if its access token is token, so the next
// AccessToken call refreshes it. It is used after the resource server rejected the token.
func (p *Provider) Invalidate(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.AccessToken != token {
		return
	}
	expired := *p.current
	expired.ExpiresAt = p.clock.Now()
	p.current = &expired
}

// Client returns an HTTP client that authenticates every request with the provider.
func (p *Provider) Client() *http.Client {
	return &http.Client{Transport: &Transport{Provider: p}}
}

// Transport is an http.RoundTripper that decorates requests with the provider's bearer token.
// A 401 response triggers one retry with a refreshed token when the request body can be replayed.
type Transport struct {
	Provider *Provider
	Base     http.RoundTripper
}

// Ensure Transport implements http.RoundTripper.
var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper. The caller's request is never modified.
// Once handed to the base transport the body is closed by it.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	authed := req.Clone(req.Context())
	if err := t.Provider.DecorateRequest(authed); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	resp, err := t.base().RoundTrip(authed)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	t.Provider.Invalidate(bearer(authed))

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return resp, nil
		}
		retry.Body = body
	}
	if err := t.Provider.DecorateRequest(retry); err != nil {
		if retry.Body != nil {
			retry.Body.Close()
		}
		return resp, nil
	}
	resp.Body.Close()
	return t.base().RoundTrip(retry)
}

func bearer(req *http.Request) string {
	const prefix = "Bearer "
	h := req.Header.Get("Authorization")
	if len(h) > len(prefix) {
		return h[len(prefix):]
	}
	return ""
}
