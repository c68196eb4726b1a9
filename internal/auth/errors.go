package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped) by the provider. Callers check them with errors.Is.
var (
	// ErrConfiguration is returned by New for an empty client ID or scope set.
	ErrConfiguration = errors.New("invalid provider configuration")
	// ErrTransport is returned when a request to the authorization server fails on the network.
	ErrTransport = errors.New("transport failure")
	// ErrDeviceCodeExpired is returned when the user did not finish signing in before the code expired.
	ErrDeviceCodeExpired = errors.New("device code expired")
	// ErrUserDeclined is returned when the user denied the authorization request.
	ErrUserDeclined = errors.New("authorization declined by user")
	// ErrProtocol is returned for malformed or unrecognized authorization server responses.
	ErrProtocol = errors.New("protocol error")
	// ErrNoRefreshToken is returned by a refresh attempt when the cached set carries no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrSignedOut is returned to callers whose sign-in or refresh was abandoned by SignOut.
	ErrSignedOut = errors.New("signed out while acquiring token")
)

// OAuthError describes an error response from the authorization server.
// It never contains credential material.
type OAuthError struct {
	StatusCode    int
	Code          string
	Description   string
	CorrelationID string
}

func (e *OAuthError) Error() string {
	msg := fmt.Sprintf("oauth error (status %d)", e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + truncate(e.Description, 200)
	}
	return msg
}

// Unwrap maps server error codes onto the sentinel taxonomy.
func (e *OAuthError) Unwrap() error {
	switch e.Code {
	case "expired_token":
		return ErrDeviceCodeExpired
	case "access_denied":
		return ErrUserDeclined
	default:
		return ErrProtocol
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
