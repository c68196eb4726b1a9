package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/oauth2"
)

const (
	grantTypeDeviceCode   = "urn:ietf:params:oauth:grant-type:device_code"
	grantTypeRefreshToken = "refresh_token"

	maxResponseBytes = 1 << 20
)

// PollStatus is the outcome of a single, non-terminal token poll.
type PollStatus int

const (
	// PollComplete means the user approved and a TokenSet was issued.
	PollComplete PollStatus = iota
	// PollPending means the user has not finished signing in yet.
	PollPending
	// PollSlowDown means the server asks the client to poll less often.
	PollSlowDown
)

// DeviceFlow is the wire client for the OAuth 2.0 Device Authorization Grant (RFC 8628)
// and the refresh_token grant against a single authority.
type DeviceFlow struct {
	clientID string
	endpoint oauth2.Endpoint
	client   *http.Client
	clock    clockwork.Clock
}

// NewDeviceFlow creates a DeviceFlow.
// A nil client gets a 15 second timeout; a nil clock uses the real clock.
func NewDeviceFlow(clientID string, endpoint oauth2.Endpoint, client *http.Client, clock clockwork.Clock) *DeviceFlow {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DeviceFlow{
		clientID: clientID,
		endpoint: endpoint,
		client:   client,
		clock:    clock,
	}
}

// RequestCode sends the device authorization request and returns the challenge to show the user.
func (f *DeviceFlow) RequestCode(ctx context.Context, scopes []string) (DeviceCodeChallenge, error) {
	data := url.Values{}
	data.Set("client_id", f.clientID)
	data.Set("scope", requestScope(scopes))

	var raw struct {
		DeviceCode      string      `json:"device_code"`
		UserCode        string      `json:"user_code"`
		VerificationURI string      `json:"verification_uri"`
		VerificationURL string      `json:"verification_url"`
		ExpiresIn       json.Number `json:"expires_in"`
		Interval        json.Number `json:"interval"`
		Message         string      `json:"message"`
		errorBody
	}
	status, correlationID, err := f.post(ctx, f.endpoint.DeviceAuthURL, data, &raw)
	if err != nil {
		return DeviceCodeChallenge{}, fmt.Errorf("requesting device code: %w", err)
	}
	if raw.Error != "" || status != http.StatusOK {
		return DeviceCodeChallenge{}, fmt.Errorf("requesting device code: %w", raw.oauthError(status, correlationID))
	}

	verificationURI := raw.VerificationURI
	if verificationURI == "" {
		// older Azure AD v1 endpoints spell it verification_url
		verificationURI = raw.VerificationURL
	}
	expiresIn, _ := raw.ExpiresIn.Int64()
	if raw.DeviceCode == "" || raw.UserCode == "" || verificationURI == "" || expiresIn <= 0 {
		return DeviceCodeChallenge{}, fmt.Errorf("requesting device code: %w", &OAuthError{
			StatusCode:    status,
			Description:   "incomplete device authorization response",
			CorrelationID: correlationID,
		})
	}

	interval := defaultPollInterval
	if secs, convErr := raw.Interval.Int64(); convErr == nil && secs > 0 {
		interval = time.Duration(secs) * time.Second
	}

	message := raw.Message
	if !strings.Contains(message, raw.UserCode) || !strings.Contains(message, verificationURI) {
		message = defaultMessage(raw.UserCode, verificationURI)
	}

	return DeviceCodeChallenge{
		DeviceCode:      raw.DeviceCode,
		UserCode:        raw.UserCode,
		VerificationURI: verificationURI,
		ExpiresAt:       f.clock.Now().Add(time.Duration(expiresIn) * time.Second),
		Interval:        interval,
		Message:         message,
	}, nil
}

// Poll asks the token endpoint once whether the user approved the device code.
// authorization_pending and slow_down are reported as PollPending and PollSlowDown without error.
// expired_token, access_denied and any other error code end the flow with an error.
func (f *DeviceFlow) Poll(ctx context.Context, deviceCode string) (TokenSet, PollStatus, error) {
	data := url.Values{}
	data.Set("client_id", f.clientID)
	data.Set("device_code", deviceCode)
	data.Set("grant_type", grantTypeDeviceCode)

	var raw tokenBody
	status, correlationID, err := f.post(ctx, f.endpoint.TokenURL, data, &raw)
	if err != nil {
		return TokenSet{}, 0, fmt.Errorf("polling token: %w", err)
	}

	switch raw.Error {
	case "":
		ts, convErr := raw.tokenSet(f.clock.Now(), status, correlationID)
		if convErr != nil {
			return TokenSet{}, 0, fmt.Errorf("polling token: %w", convErr)
		}
		return ts, PollComplete, nil
	case "authorization_pending":
		return TokenSet{}, PollPending, nil
	case "slow_down":
		return TokenSet{}, PollSlowDown, nil
	default:
		return TokenSet{}, 0, fmt.Errorf("polling token: %w", raw.oauthError(status, correlationID))
	}
}

// Refresh exchanges refreshToken for a new TokenSet without user interaction.
// When the response carries no refresh token the given one is kept.
func (f *DeviceFlow) Refresh(ctx context.Context, refreshToken string, scopes []string) (TokenSet, error) {
	if refreshToken == "" {
		return TokenSet{}, ErrNoRefreshToken
	}

	data := url.Values{}
	data.Set("client_id", f.clientID)
	data.Set("grant_type", grantTypeRefreshToken)
	data.Set("refresh_token", refreshToken)
	data.Set("scope", requestScope(scopes))

	var raw tokenBody
	status, correlationID, err := f.post(ctx, f.endpoint.TokenURL, data, &raw)
	if err != nil {
		return TokenSet{}, fmt.Errorf("refreshing token: %w", err)
	}
	if raw.Error != "" {
		return TokenSet{}, fmt.Errorf("refreshing token: %w", raw.oauthError(status, correlationID))
	}
	ts, err := raw.tokenSet(f.clock.Now(), status, correlationID)
	if err != nil {
		return TokenSet{}, fmt.Errorf("refreshing token: %w", err)
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

// post sends a form-encoded POST and decodes the JSON body into out regardless of status,
// since RFC 8628 error codes arrive with HTTP 400.
func (f *DeviceFlow) post(ctx context.Context, endpoint string, data url.Values, out any) (int, string, error) {
	correlationID := uuid.NewString()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return 0, correlationID, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("client-request-id", correlationID)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, correlationID, ctxErr
		}
		return 0, correlationID, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, correlationID, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, correlationID, &OAuthError{
			StatusCode:    resp.StatusCode,
			Description:   "malformed response body: " + http.StatusText(resp.StatusCode),
			CorrelationID: correlationID,
		}
	}
	return resp.StatusCode, correlationID, nil
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e errorBody) oauthError(status int, correlationID string) *OAuthError {
	return &OAuthError{
		StatusCode:    status,
		Code:          e.Error,
		Description:   e.ErrorDescription,
		CorrelationID: correlationID,
	}
}

type tokenBody struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	IDToken      string      `json:"id_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	Scope        string      `json:"scope"`
	errorBody
}

func (b tokenBody) tokenSet(now time.Time, status int, correlationID string) (TokenSet, error) {
	expiresIn, _ := b.ExpiresIn.Int64()
	if b.AccessToken == "" || expiresIn <= 0 {
		return TokenSet{}, &OAuthError{
			StatusCode:    status,
			Description:   "token response without access_token or positive expires_in",
			CorrelationID: correlationID,
		}
	}
	return TokenSet{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
		Scopes:       NormalizeScopes(strings.Fields(b.Scope)),
		Account:      accountFromIDToken(b.IDToken),
	}, nil
}

// accountFromIDToken derives the signed-in principal from an ID token without verifying it.
// The token came straight from the token endpoint over TLS and is only used as a cache label.
func accountFromIDToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims := new(oidc.IDTokenClaims)
	if _, err := oidc.ParseToken(idToken, claims); err != nil {
		return ""
	}
	oid, _ := claims.Claims["oid"].(string)
	tid, _ := claims.Claims["tid"].(string)
	if oid != "" && tid != "" {
		return oid + "." + tid
	}
	if claims.Subject == "" {
		return ""
	}
	return claims.Issuer + "|" + claims.Subject
}
