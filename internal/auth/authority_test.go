package auth_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

// reply is a canned JSON response from the fake authority.
type reply struct {
	status int
	body   map[string]any
}

func ok(body map[string]any) reply { return reply{status: http.StatusOK, body: body} }

func oauthErr(code string) reply {
	return reply{status: http.StatusBadRequest, body: map[string]any{"error": code, "error_description": code + " from test"}}
}

func pending() reply { return oauthErr("authorization_pending") }

func tokenReply(access string, expiresIn int) reply {
	return ok(map[string]any{"access_token": access, "expires_in": expiresIn, "scope": "User.Read", "token_type": "Bearer"})
}

// fakeAuthority serves the device authorization and token endpoints of a single tenant.
type fakeAuthority struct {
	server *httptest.Server
	clock  clockwork.Clock

	mu          sync.Mutex
	device      reply
	polls       []reply // consumed in order, the last one repeats
	refreshes   []reply
	deviceCalls int
	pollCalls   int
	refreshForm []string
	pollTimes   []time.Time
	lastScope   string
}

func newFakeAuthority(t *testing.T, clock clockwork.Clock) *fakeAuthority {
	t.Helper()
	fa := &fakeAuthority{
		clock: clock,
		device: ok(map[string]any{
			"device_code":      "D1",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://example/device",
			"expires_in":       900,
			"interval":         5,
		}),
		polls:     []reply{tokenReply("tok1", 3600)},
		refreshes: []reply{oauthErr("invalid_grant")},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant/devicecode", fa.handleDevice)
	mux.HandleFunc("/tenant/token", fa.handleToken)
	fa.server = httptest.NewServer(mux)
	t.Cleanup(fa.server.Close)
	return fa
}

func (fa *fakeAuthority) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		DeviceAuthURL: fa.server.URL + "/tenant/devicecode",
		TokenURL:      fa.server.URL + "/tenant/token",
	}
}

func (fa *fakeAuthority) handleDevice(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	fa.mu.Lock()
	fa.deviceCalls++
	fa.lastScope = r.PostForm.Get("scope")
	rep := fa.device
	fa.mu.Unlock()
	write(w, rep)
}

func (fa *fakeAuthority) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	fa.mu.Lock()
	var rep reply
	switch r.PostForm.Get("grant_type") {
	case "urn:ietf:params:oauth:grant-type:device_code":
		rep = next(fa.polls, fa.pollCalls)
		fa.pollCalls++
		fa.pollTimes = append(fa.pollTimes, fa.clock.Now())
	case "refresh_token":
		rep = next(fa.refreshes, len(fa.refreshForm))
		fa.refreshForm = append(fa.refreshForm, r.PostForm.Get("refresh_token"))
	default:
		rep = oauthErr("unsupported_grant_type")
	}
	fa.mu.Unlock()
	write(w, rep)
}

func (fa *fakeAuthority) counts() (device, poll, refresh int) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.deviceCalls, fa.pollCalls, len(fa.refreshForm)
}

func (fa *fakeAuthority) times() []time.Time {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]time.Time(nil), fa.pollTimes...)
}

func next(replies []reply, i int) reply {
	if i >= len(replies) {
		return replies[len(replies)-1]
	}
	return replies[i]
}

func write(w http.ResponseWriter, rep reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.status)
	json.NewEncoder(w).Encode(rep.body)
}
