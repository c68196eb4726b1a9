package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/waabox/graphauth/internal/auth"
)

// ErrInvalid is returned by Validate when required settings are missing or malformed.
var ErrInvalid = errors.New("missing or invalid settings")

// Cache backends.
const (
	CacheMemory = "memory"
	CacheFile   = "file"
	CacheSQLite = "sqlite"
)

// CacheConfig selects where the signed-in token survives between runs.
type CacheConfig struct {
	Backend       string `json:"backend" toml:"backend" yaml:"backend"`
	Path          string `json:"path" toml:"path" yaml:"path"`
	EncryptionKey string `json:"encryptionKey" toml:"encryption_key" yaml:"encryptionKey"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `json:"level" toml:"level" yaml:"level"`
	Format string `json:"format" toml:"format" yaml:"format"`
}

// Config holds all graphauth settings.
type Config struct {
	AppID     string      `json:"appId" toml:"app_id" yaml:"appId"`
	Tenant    string      `json:"tenant" toml:"tenant" yaml:"tenant"`
	Scopes    []string    `json:"scopes" toml:"scopes" yaml:"scopes"`
	Authority string      `json:"authority" toml:"authority" yaml:"authority"`
	Cache     CacheConfig `json:"cache" toml:"cache" yaml:"cache"`
	Log       LogConfig   `json:"log" toml:"log" yaml:"log"`
}

// TenantOrDefault returns Tenant if set, otherwise auth.DefaultTenant.
func (c Config) TenantOrDefault() string {
	if c.Tenant != "" {
		return c.Tenant
	}
	return auth.DefaultTenant
}

// CacheBackendOrDefault returns Cache.Backend if set, otherwise CacheMemory.
func (c Config) CacheBackendOrDefault() string {
	if c.Cache.Backend != "" {
		return strings.ToLower(c.Cache.Backend)
	}
	return CacheMemory
}

// Endpoint returns the device authorization and token endpoints of the configured tenant.
// Without an authority the Microsoft identity platform is used.
func (c Config) Endpoint() (oauth2.Endpoint, error) {
	tenant := c.TenantOrDefault()
	if c.Authority == "" {
		return endpoints.AzureAD(tenant), nil
	}
	deviceURL, err := url.JoinPath(c.Authority, tenant, "/oauth2/v2.0/devicecode")
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("building device code URL: %w", err)
	}
	tokenURL, err := url.JoinPath(c.Authority, tenant, "/oauth2/v2.0/token")
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("building token URL: %w", err)
	}
	return oauth2.Endpoint{DeviceAuthURL: deviceURL, TokenURL: tokenURL}, nil
}

// Validate checks the settings required before a provider can be built:
// an application id and at least one scope.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AppID) == "" {
		errs = append(errs, errors.New("appId is required"))
	}
	if len(auth.NormalizeScopes(c.Scopes)) == 0 {
		errs = append(errs, errors.New("at least one scope is required"))
	}
	switch c.CacheBackendOrDefault() {
	case CacheMemory, CacheFile, CacheSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Authority != "" {
		if u, err := url.Parse(c.Authority); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("authority %q is not an absolute URL", c.Authority))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LoadFrom reads configuration from the given file. The format follows the extension:
// .json (appsettings.json layout), .toml, or .yaml/.yml.
// If the file does not exist, it returns an empty config without error.
// Environment variables always take precedence over file values:
//   - GRAPHAUTH_APP_ID     overrides appId
//   - GRAPHAUTH_TENANT     overrides tenant
//   - GRAPHAUTH_SCOPES     overrides scopes (space separated)
//   - GRAPHAUTH_AUTHORITY  overrides authority
//   - GRAPHAUTH_CACHE_KEY  overrides cache.encryptionKey
//   - GRAPHAUTH_LOG_LEVEL  overrides log.level
func LoadFrom(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// DefaultConfigPath returns appsettings.json in the working directory when present,
// otherwise ~/.config/graphauth/config.toml.
func DefaultConfigPath() string {
	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, "appsettings.json")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "graphauth", "config.toml")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAPHAUTH_APP_ID"); v != "" {
		cfg.AppID = v
	}
	if v := os.Getenv("GRAPHAUTH_TENANT"); v != "" {
		cfg.Tenant = v
	}
	if v := os.Getenv("GRAPHAUTH_SCOPES"); v != "" {
		cfg.Scopes = strings.Fields(v)
	}
	if v := os.Getenv("GRAPHAUTH_AUTHORITY"); v != "" {
		cfg.Authority = v
	}
	if v := os.Getenv("GRAPHAUTH_CACHE_KEY"); v != "" {
		cfg.Cache.EncryptionKey = v
	}
	if v := os.Getenv("GRAPHAUTH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
