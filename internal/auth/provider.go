package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/sync/singleflight"
)

// DefaultTenant restricts sign-in to work and school accounts; personal Microsoft
// accounts cannot use the device code flow.
const DefaultTenant = "organizations"

// DefaultExpiryMargin is how long before its literal expiry a cached token is treated as expired.
const DefaultExpiryMargin = 5 * time.Minute

// DisplaySink shows the device code instructions to the user.
// Show is called exactly once per interactive sign-in, before polling starts.
type DisplaySink interface {
	Show(message string)
}

// DisplayFunc adapts a function to DisplaySink.
type DisplayFunc func(message string)

// Show calls f(message).
func (f DisplayFunc) Show(message string) { f(message) }

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint overrides the authority endpoints (default: endpoints.AzureAD(tenant)).
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient sets the client used for token endpoint requests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// WithDisplay sets the sink that shows the user code. The default prints to stderr.
func WithDisplay(sink DisplaySink) Option {
	return func(p *Provider) { p.display = sink }
}

// WithClock sets the clock used for expiry checks and poll spacing.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Provider) { p.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithCache sets the persistent token cache.
// A nil cache keeps tokens in memory only.
func WithCache(cache TokenCache) Option {
	return func(p *Provider) {
		if cache != nil {
			p.cache = cache
		}
	}
}

// WithExpiryMargin overrides DefaultExpiryMargin.
func WithExpiryMargin(margin time.Duration) Option {
	return func(p *Provider) { p.margin = margin }
}

// Provider obtains, caches and refreshes a bearer token with the device code flow.
// It holds a single signed-in account. All methods are safe for concurrent use and at most
// one sign-in or refresh is in flight at any time.
type Provider struct {
	clientID string
	tenant   string
	scopes   []string

	endpoint   oauth2.Endpoint
	httpClient *http.Client
	flow       *DeviceFlow
	display    DisplaySink
	cache      TokenCache
	clock      clockwork.Clock
	logger     *slog.Logger
	margin     time.Duration

	group singleflight.Group
	// persistMu orders slot and cache writes against SignOut.
	persistMu sync.Mutex

	mu      sync.Mutex
	current *TokenSet
	loaded  bool   // persistent cache already consulted
	gen     uint64 // bumped by SignOut; older flights cannot commit
	flight  *flight
	flights uint64
}

// flight is one acquisition shared by every caller that joins it. It runs detached
// from the callers' contexts and is cancelled when the last caller leaves or on SignOut.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelCauseFunc
	gen     uint64
	waiters int
}

// Ensure Provider implements oauth2.TokenSource.
var _ oauth2.TokenSource = (*Provider)(nil)

// New creates a Provider. It performs no network calls.
// An empty tenant selects DefaultTenant. clientID and at least one scope are required.
func New(clientID string, tenant string, scopes []string, opts ...Option) (*Provider, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is empty", ErrConfiguration)
	}
	normalized := NormalizeScopes(scopes)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("%w: no scopes requested", ErrConfiguration)
	}
	if tenant == "" {
		tenant = DefaultTenant
	}

	p := &Provider{
		clientID: clientID,
		tenant:   tenant,
		scopes:   normalized,
		endpoint: endpoints.AzureAD(tenant),
		display: DisplayFunc(func(message string) {
			fmt.Fprintln(os.Stderr, message)
		}),
		cache:  noCache{},
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		margin: DefaultExpiryMargin,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.endpoint.DeviceAuthURL == "" || p.endpoint.TokenURL == "" {
		return nil, fmt.Errorf("%w: endpoint needs both device authorization and token URLs", ErrConfiguration)
	}

	p.logger = p.logger.With("client_id", clientID, "tenant", tenant)
	p.flow = NewDeviceFlow(clientID, p.endpoint, p.httpClient, p.clock)
	return p, nil
}

// Scopes returns the normalized scopes the provider requests.
func (p *Provider) Scopes() []string {
	return slices.Clone(p.scopes)
}

// AccessToken returns a bearer token, signing the user in or refreshing silently as needed.
// A cached token that is not within the expiry margin is returned without network calls.
// If a silent refresh fails the provider falls back to the interactive device code flow.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	ts, err := p.tokenSet(ctx)
	if err != nil {
		return "", err
	}
	return ts.AccessToken, nil
}

// Token implements oauth2.TokenSource.
func (p *Provider) Token() (*oauth2.Token, error) {
	ts, err := p.tokenSet(context.Background())
	if err != nil {
		return nil, err
	}
	return ts.OAuth2Token(), nil
}

// Account returns the identifier of the signed-in account, if any.
func (p *Provider) Account() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return "", false
	}
	return p.current.Account, true
}

// SignOut forgets the cached TokenSet and clears the persistent cache.
// The next AccessToken call starts a new interactive sign-in.
// A sign-in or refresh still in flight is abandoned and its callers get ErrSignedOut.
func (p *Provider) SignOut(ctx context.Context) error {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	p.mu.Lock()
	p.gen++
	p.current = nil
	p.loaded = true
	if p.flight != nil {
		p.flight.cancel(ErrSignedOut)
		p.flight = nil
	}
	p.mu.Unlock()

	if err := p.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clearing token cache: %w", err)
	}
	p.logger.Info("signed out")
	return nil
}

func (p *Provider) tokenSet(ctx context.Context) (TokenSet, error) {
	if ts, ok := p.fresh(); ok {
		return ts, nil
	}

	f := p.join(ctx)
	defer p.leave(f)

	ch := p.group.DoChan(f.key, func() (any, error) {
		defer p.land(f)
		ts, err := p.acquire(f.ctx, f.gen)
		if err != nil && errors.Is(context.Cause(f.ctx), ErrSignedOut) {
			return nil, ErrSignedOut
		}
		return ts, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return TokenSet{}, res.Err
		}
		return res.Val.(TokenSet), nil
	case <-ctx.Done():
		return TokenSet{}, ctx.Err()
	}
}

// join registers the caller with the running flight, starting one if none is running.
// The flight keeps the values of ctx but not its cancellation.
func (p *Provider) join(ctx context.Context) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flight == nil {
		p.flights++
		fctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
		p.flight = &flight{
			key:    strconv.FormatUint(p.flights, 10),
			ctx:    fctx,
			cancel: cancel,
			gen:    p.gen,
		}
	}
	p.flight.waiters++
	return p.flight
}

// leave drops the caller from f and cancels f once nobody is waiting for it.
func (p *Provider) leave(f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel(context.Canceled)
	if p.flight == f {
		p.flight = nil
	}
}

// land detaches a finished flight so the next caller starts a new one.
func (p *Provider) land(f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flight == f {
		p.flight = nil
	}
}

// fresh returns the cached set when it is outside the expiry margin.
func (p *Provider) fresh() (TokenSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.Expiring(p.clock.Now(), p.margin) {
		return TokenSet{}, false
	}
	return *p.current, true
}

// acquire runs inside the single flight.
func (p *Provider) acquire(ctx context.Context, gen uint64) (TokenSet, error) {
	cached, err := p.cached(ctx)
	if err != nil {
		return TokenSet{}, err
	}

	if cached != nil {
		if !cached.Expiring(p.clock.Now(), p.margin) {
			return *cached, nil
		}
		ts, refreshErr := p.refresh(ctx, *cached)
		if refreshErr == nil {
			return p.commit(ctx, gen, ts)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return TokenSet{}, ctxErr
		}
		p.logger.Warn("silent refresh failed, starting interactive sign-in", "error", refreshErr)
	}

	ts, err := p.interactive(ctx)
	if err != nil {
		return TokenSet{}, err
	}
	return p.commit(ctx, gen, ts)
}

// cached returns the in-memory set, consulting the persistent cache the first time the slot is empty.
func (p *Provider) cached(ctx context.Context) (*TokenSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil || p.loaded {
		return p.current, nil
	}
	p.loaded = true

	ts, ok, err := p.cache.Load(ctx)
	if err != nil {
		// an unreadable cache only costs a sign-in
		p.logger.Warn("loading token cache", "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	p.logger.Debug("token loaded from cache", "account", ts.Account, "expires_at", ts.ExpiresAt)
	p.current = &ts
	return p.current, nil
}

func (p *Provider) refresh(ctx context.Context, old TokenSet) (TokenSet, error) {
	if old.RefreshToken == "" {
		return TokenSet{}, ErrNoRefreshToken
	}
	p.logger.Debug("refreshing token silently", "account", old.Account, "expires_at", old.ExpiresAt)
	ts, err := p.flow.Refresh(ctx, old.RefreshToken, p.scopes)
	if err != nil {
		return TokenSet{}, err
	}
	if ts.Account == "" {
		ts.Account = old.Account
	}
	return ts, nil
}

// interactive runs the device code state machine:
// Requested -> AwaitingUser -> Polling -> Completed | Expired | Denied | Failed.
func (p *Provider) interactive(ctx context.Context) (TokenSet, error) {
	challenge, err := p.flow.RequestCode(ctx, p.scopes)
	if err != nil {
		p.logFailure("device authorization request failed", err)
		return TokenSet{}, err
	}
	p.logger.Info("device code issued",
		"verification_uri", challenge.VerificationURI,
		"expires_at", challenge.ExpiresAt,
		"interval", challenge.Interval)

	p.display.Show(challenge.Message)

	ts, err := p.poll(ctx, challenge)
	if err != nil {
		p.logFailure("device code sign-in failed", err)
		return TokenSet{}, err
	}
	p.logger.Info("signed in", "account", ts.Account, "expires_at", ts.ExpiresAt)
	return ts, nil
}

func (p *Provider) poll(ctx context.Context, challenge DeviceCodeChallenge) (TokenSet, error) {
	interval := challenge.Interval
	for {
		now := p.clock.Now()
		if !now.Before(challenge.ExpiresAt) {
			return TokenSet{}, fmt.Errorf("%w: sign in was not completed before %s", ErrDeviceCodeExpired,
				challenge.ExpiresAt.Format(time.RFC3339))
		}
		wait := interval
		if remaining := challenge.ExpiresAt.Sub(now); remaining < wait {
			wait = remaining
		}

		timer := p.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return TokenSet{}, ctx.Err()
		}
		if !p.clock.Now().Before(challenge.ExpiresAt) {
			continue
		}

		ts, status, err := p.flow.Poll(ctx, challenge.DeviceCode)
		if err != nil {
			return TokenSet{}, err
		}
		switch status {
		case PollComplete:
			return ts, nil
		case PollSlowDown:
			interval += slowDownStep
			p.logger.Debug("authorization server asked to slow down", "interval", interval)
		case PollPending:
		}
	}
}

// commit replaces the cached set and persists it, unless SignOut ran since the flight of
// generation gen started. A persistence failure does not fail the caller: the token is usable
// for this process.
func (p *Provider) commit(ctx context.Context, gen uint64, ts TokenSet) (TokenSet, error) {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		p.logger.Info("discarding token acquired before sign out", "account", ts.Account)
		return TokenSet{}, ErrSignedOut
	}
	p.current = &ts
	p.loaded = true
	p.mu.Unlock()

	if err := p.cache.Store(ctx, ts); err != nil {
		p.logger.Warn("token acquired but failed to save cache", "error", err)
	}
	return ts, nil
}

func (p *Provider) logFailure(msg string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		p.logger.Info(msg, "error", err)
		return
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) && errors.Is(err, ErrProtocol) {
		p.logger.Error(msg,
			"status", oauthErr.StatusCode,
			"error_code", oauthErr.Code,
			"error_description", oauthErr.Description,
			"correlation_id", oauthErr.CorrelationID)
		return
	}
	p.logger.Warn(msg, "error", err)
}
