// Package tokencache persists the signed-in TokenSet between runs.
// Credentials are AES encrypted at rest when a key is configured.
package tokencache

import (
	"errors"
	"fmt"

	"github.com/zitadel/oidc/v3/pkg/crypto"
)

// ErrLocked is returned when a stored entry is encrypted but no key is configured.
var ErrLocked = errors.New("token cache entry is encrypted and no key is configured")

// Partition returns the cache key for one application registration in one tenant.
func Partition(clientID, tenant string) string {
	return clientID + "|" + tenant
}

// sealer encrypts credentials with an AES key of 16, 24 or 32 bytes; an empty key disables it.
type sealer struct {
	key string
}

func newSealer(key string) (sealer, error) {
	switch len(key) {
	case 0, 16, 24, 32:
		return sealer{key: key}, nil
	default:
		return sealer{}, fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

func (s sealer) enabled() bool {
	return s.key != ""
}

func (s sealer) seal(value string) (string, error) {
	if !s.enabled() || value == "" {
		return value, nil
	}
	sealed, err := crypto.EncryptAES(value, s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt error: %w", err)
	}
	return sealed, nil
}

func (s sealer) open(value string, encrypted bool) (string, error) {
	if !encrypted || value == "" {
		return value, nil
	}
	if !s.enabled() {
		return "", ErrLocked
	}
	plain, err := crypto.DecryptAES(value, s.key)
	if err != nil {
		return "", fmt.Errorf("decrypt error: %w", err)
	}
	return plain, nil
}
