package auth

import "context"

// TokenCache persists the provider's TokenSet across process restarts.
// The provider's in-memory slot stays authoritative; the cache is read once, lazily,
// and written after every successful acquisition or refresh.
type TokenCache interface {
	// Load returns the stored set and true, or false when nothing is stored.
	Load(ctx context.Context) (TokenSet, bool, error)
	// Store replaces the stored set.
	Store(ctx context.Context, ts TokenSet) error
	// Clear removes the stored set.
	Clear(ctx context.Context) error
}

// noCache is the default TokenCache: nothing survives the process.
type noCache struct{}

func (noCache) Load(context.Context) (TokenSet, bool, error) { return TokenSet{}, false, nil }
func (noCache) Store(context.Context, TokenSet) error        { return nil }
func (noCache) Clear(context.Context) error                  { return nil }
