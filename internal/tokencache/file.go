package tokencache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/waabox/graphauth/internal/auth"
)

type fileEntry struct {
	AccessToken  string    `toml:"access_token"`
	RefreshToken string    `toml:"refresh_token,omitempty"`
	ExpiresAt    time.Time `toml:"expires_at"`
	Scopes       []string  `toml:"scopes"`
	Account      string    `toml:"account,omitempty"`
	Encrypted    bool      `toml:"encrypted"`
}

type fileDocument struct {
	Entries map[string]fileEntry `toml:"entries"`
}

// File is an auth.TokenCache backed by a TOML file. One file can hold the
// entries of several partitions; each File only touches its own.
type File struct {
	path      string
	partition string
	sealer    sealer
	mu        sync.Mutex
}

// Ensure File implements auth.TokenCache.
var _ auth.TokenCache = (*File)(nil)

// NewFile creates a File cache at path for the given partition.
// key is an optional AES key of 16, 24 or 32 bytes.
func NewFile(path string, partition string, key string) (*File, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	return &File{path: path, partition: partition, sealer: s}, nil
}

// DefaultFilePath returns the default location of the token cache file.
func DefaultFilePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".cache")
	}
	return filepath.Join(dir, "graphauth", "tokens.toml")
}

// Load implements auth.TokenCache. A missing file is not an error.
func (f *File) Load(_ context.Context) (auth.TokenSet, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return auth.TokenSet{}, false, err
	}
	entry, ok := doc.Entries[f.partition]
	if !ok {
		return auth.TokenSet{}, false, nil
	}

	access, err := f.sealer.open(entry.AccessToken, entry.Encrypted)
	if err != nil {
		return auth.TokenSet{}, false, err
	}
	refresh, err := f.sealer.open(entry.RefreshToken, entry.Encrypted)
	if err != nil {
		return auth.TokenSet{}, false, err
	}
	return auth.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    entry.ExpiresAt,
		Scopes:       entry.Scopes,
		Account:      entry.Account,
	}, true, nil
}

// Store implements auth.TokenCache.
func (f *File) Store(_ context.Context, ts auth.TokenSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	access, err := f.sealer.seal(ts.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := f.sealer.seal(ts.RefreshToken)
	if err != nil {
		return err
	}
	doc.Entries[f.partition] = fileEntry{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    ts.ExpiresAt.UTC(),
		Scopes:       ts.Scopes,
		Account:      ts.Account,
		Encrypted:    f.sealer.enabled(),
	}
	return f.write(doc)
}

// Clear implements auth.TokenCache.
func (f *File) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := doc.Entries[f.partition]; !ok {
		return nil
	}
	delete(doc.Entries, f.partition)
	return f.write(doc)
}

func (f *File) read() (fileDocument, error) {
	doc := fileDocument{Entries: map[string]fileEntry{}}
	if _, err := toml.DecodeFile(f.path, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileDocument{Entries: map[string]fileEntry{}}, nil
		}
		return fileDocument{}, fmt.Errorf("reading token cache: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]fileEntry{}
	}
	return doc, nil
}

// write replaces the file contents, creating parent directories as needed. Permissions are 0600.
func (f *File) write(doc fileDocument) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("creating token cache directory: %w", err)
	}
	out, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("opening token cache file: %w", err)
	}
	if encErr := toml.NewEncoder(out).Encode(doc); encErr != nil {
		out.Close()
		return fmt.Errorf("encoding token cache: %w", encErr)
	}
	return out.Close()
}
