package tokencache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/waabox/graphauth/internal/auth"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLite is an auth.TokenCache backed by a SQLite database, one row per partition.
type SQLite struct {
	db        *sql.DB
	partition string
	sealer    sealer
}

// Ensure SQLite implements auth.TokenCache.
var _ auth.TokenCache = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at dbPath and initializes its schema.
// key is an optional AES key of 16, 24 or 32 bytes.
func NewSQLite(dbPath string, partition string, key string) (*SQLite, error) {
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("creating token cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db, partition: partition, sealer: s}, nil
}

// Close releases the database handle.
func (c *SQLite) Close() error {
	return c.db.Close()
}

// Load implements auth.TokenCache.
func (c *SQLite) Load(ctx context.Context) (auth.TokenSet, bool, error) {
	query := `
		SELECT access_token, refresh_token, expires_at, scopes, account, encrypted
		FROM token_cache
		WHERE partition = ?
	`
	var (
		access, refresh, scopes, account string
		expiresAt                        int64
		encrypted                        bool
	)
	err := c.db.QueryRowContext(ctx, query, c.partition).Scan(&access, &refresh, &expiresAt, &scopes, &account, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.TokenSet{}, false, nil
	}
	if err != nil {
		return auth.TokenSet{}, false, fmt.Errorf("failed to load token: %w", err)
	}

	if access, err = c.sealer.open(access, encrypted); err != nil {
		return auth.TokenSet{}, false, err
	}
	if refresh, err = c.sealer.open(refresh, encrypted); err != nil {
		return auth.TokenSet{}, false, err
	}
	return auth.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.UnixMilli(expiresAt),
		Scopes:       strings.Fields(scopes),
		Account:      account,
	}, true, nil
}

// Store implements auth.TokenCache.
func (c *SQLite) Store(ctx context.Context, ts auth.TokenSet) error {
	access, err := c.sealer.seal(ts.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := c.sealer.seal(ts.RefreshToken)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO token_cache (partition, access_token, refresh_token, expires_at, scopes, account, encrypted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(partition) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			account = excluded.account,
			encrypted = excluded.encrypted,
			updated_at = excluded.updated_at
	`
	_, err = c.db.ExecContext(ctx, query,
		c.partition,
		access,
		refresh,
		ts.ExpiresAt.UnixMilli(),
		strings.Join(ts.Scopes, " "),
		ts.Account,
		boolInt(c.sealer.enabled()),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Clear implements auth.TokenCache.
func (c *SQLite) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM token_cache WHERE partition = ?`, c.partition); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
