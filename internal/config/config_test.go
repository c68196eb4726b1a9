package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/graphauth/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_AppSettingsJSON(t *testing.T) {
	path := writeFile(t, "appsettings.json", `{
  "appId": "11111111-2222-3333-4444-555555555555",
  "scopes": ["User.Read", "Calendars.Read"],
  "cache": {"backend": "file", "encryptionKey": "0123456789abcdef"}
}`)

	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", cfg.AppID)
	assert.Equal(t, []string{"User.Read", "Calendars.Read"}, cfg.Scopes)
	assert.Equal(t, "organizations", cfg.TenantOrDefault())
	assert.Equal(t, config.CacheFile, cfg.CacheBackendOrDefault())
	assert.Equal(t, "0123456789abcdef", cfg.Cache.EncryptionKey)
	require.NoError(t, cfg.Validate())
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
app_id = "abc"
tenant = "contoso.onmicrosoft.com"
scopes = ["User.Read"]

[cache]
backend = "sqlite"
path = "/tmp/tokens.db"

[log]
level = "debug"
`)

	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.AppID)
	assert.Equal(t, "contoso.onmicrosoft.com", cfg.TenantOrDefault())
	assert.Equal(t, config.CacheSQLite, cfg.CacheBackendOrDefault())
	assert.Equal(t, "/tmp/tokens.db", cfg.Cache.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "appsettings.yaml", `
appId: abc
scopes:
  - User.Read
log:
  format: json
`)

	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.AppID)
	assert.Equal(t, []string{"User.Read"}, cfg.Scopes)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvVarsTakePrecedence(t *testing.T) {
	path := writeFile(t, "appsettings.json", `{"appId": "fromfile", "scopes": ["User.Read"]}`)

	t.Setenv("GRAPHAUTH_APP_ID", "fromenv")
	t.Setenv("GRAPHAUTH_TENANT", "contoso")
	t.Setenv("GRAPHAUTH_SCOPES", "Mail.Read  Calendars.Read")
	t.Setenv("GRAPHAUTH_CACHE_KEY", "0123456789abcdef")

	cfg, err := config.LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.AppID)
	assert.Equal(t, "contoso", cfg.Tenant)
	assert.Equal(t, []string{"Mail.Read", "Calendars.Read"}, cfg.Scopes)
	assert.Equal(t, "0123456789abcdef", cfg.Cache.EncryptionKey)
}

func TestLoad_MissingFileIsNotError(t *testing.T) {
	t.Setenv("GRAPHAUTH_APP_ID", "onlyenv")
	cfg, err := config.LoadFrom("/nonexistent/path/appsettings.json")
	require.NoError(t, err)
	assert.Equal(t, "onlyenv", cfg.AppID)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeFile(t, "appsettings.json", `{"appId": `)
	_, err := config.LoadFrom(path)
	require.Error(t, err)
}

func TestValidate_RequiresAppIDAndScopes(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{name: "empty", cfg: config.Config{}},
		{name: "no scopes", cfg: config.Config{AppID: "abc"}},
		{name: "only reserved scopes", cfg: config.Config{AppID: "abc", Scopes: []string{"openid", "offline_access"}}},
		{name: "no app id", cfg: config.Config{Scopes: []string{"User.Read"}}},
		{name: "unknown cache", cfg: config.Config{AppID: "abc", Scopes: []string{"User.Read"}, Cache: config.CacheConfig{Backend: "redis"}}},
		{name: "relative authority", cfg: config.Config{AppID: "abc", Scopes: []string{"User.Read"}, Authority: "login.example"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.cfg.Validate(), config.ErrInvalid)
		})
	}
}

func TestEndpoint(t *testing.T) {
	cfg := config.Config{Tenant: "contoso"}
	ep, err := cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://login.microsoftonline.com/contoso/oauth2/v2.0/devicecode", ep.DeviceAuthURL)
	assert.Equal(t, "https://login.microsoftonline.com/contoso/oauth2/v2.0/token", ep.TokenURL)

	cfg.Authority = "https://login.microsoftonline.us/"
	ep, err = cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "https://login.microsoftonline.us/contoso/oauth2/v2.0/devicecode", ep.DeviceAuthURL)
	assert.Equal(t, "https://login.microsoftonline.us/contoso/oauth2/v2.0/token", ep.TokenURL)
}
