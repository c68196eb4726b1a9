package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// defaultPollInterval is used when the authorization server omits "interval" (RFC 8628 section 3.2).
const defaultPollInterval = 5 * time.Second

// slowDownStep is added to the polling interval on every slow_down response (RFC 8628 section 3.5).
const slowDownStep = 5 * time.Second

// reservedScopes are always requested so the server issues an ID token and a refresh token.
// They are never part of TokenSet.Scopes.
var reservedScopes = []string{"openid", "profile", "offline_access"}

// DeviceCodeChallenge holds the state of a device authorization request while the user
// has not yet signed in. It is created by RequestCode and consumed by the polling loop.
type DeviceCodeChallenge struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresAt       time.Time
	Interval        time.Duration // minimum spacing between polls
	Message         string        // instructions for the user, always mentions UserCode
}

// TokenSet is the result of a successful device-code completion or silent refresh.
// A TokenSet is a value: refreshing produces a new one.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	Account      string
}

// Expiring reports whether the set is expired or will expire within margin of now.
// A set expiring exactly at now+margin is considered expiring.
func (ts TokenSet) Expiring(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(ts.ExpiresAt)
}

// OAuth2Token converts the set to the golang.org/x/oauth2 representation.
func (ts TokenSet) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  ts.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: ts.RefreshToken,
		Expiry:       ts.ExpiresAt,
	}
}

// NormalizeScopes returns a sorted, deduplicated copy of scopes without blanks or reserved scopes.
func NormalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		for _, f := range strings.Fields(s) {
			if slices.Contains(reservedScopes, f) {
				continue
			}
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// requestScope joins scopes and the reserved OIDC scopes into the space-delimited "scope" parameter.
func requestScope(scopes []string) string {
	all := append(slices.Clone(scopes), reservedScopes...)
	return strings.Join(all, " ")
}

func defaultMessage(userCode, verificationURI string) string {
	return fmt.Sprintf("To sign in, use a web browser to open the page %s and enter the code %s to authenticate.",
		verificationURI, userCode)
}
