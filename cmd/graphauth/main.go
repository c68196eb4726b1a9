package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/waabox/graphauth/internal/auth"
	"github.com/waabox/graphauth/internal/config"
	"github.com/waabox/graphauth/internal/logging"
	"github.com/waabox/graphauth/internal/tokencache"
	"github.com/waabox/graphauth/internal/tui"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	versionFlag := flag.Bool("version", false, "print version and exit")
	configFlag := flag.String("config", "", "path to the settings file (.json, .toml or .yaml)")
	flag.Parse()
	if *versionFlag {
		fmt.Println("graphauth", version)
		os.Exit(0)
	}

	fmt.Println("graphauth: device code sign-in for Microsoft Graph")

	configPath := *configFlag
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Missing or invalid appsettings (%s): %v\nexiting...\n", filepath.Base(configPath), err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, logging.Config{
		Version: version,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "graphauth error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, closeCache, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	endpoint, err := cfg.Endpoint()
	if err != nil {
		return err
	}

	sink := tui.NewSink(os.Stderr)
	provider, err := auth.New(cfg.AppID, cfg.TenantOrDefault(), cfg.Scopes,
		auth.WithEndpoint(endpoint),
		auth.WithCache(cache),
		auth.WithLogger(logger),
		auth.WithDisplay(sink),
	)
	if err != nil {
		return err
	}

	// Sign the user in before the menu takes over the terminal.
	if _, err := provider.AccessToken(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("signing in: %w", err)
	}

	return tui.Run(ctx, provider, sink)
}

// openCache builds the configured token cache. The returned func releases it.
func openCache(cfg config.Config) (auth.TokenCache, func(), error) {
	partition := tokencache.Partition(cfg.AppID, cfg.TenantOrDefault())
	noop := func() {}

	switch cfg.CacheBackendOrDefault() {
	case config.CacheFile:
		path := cfg.Cache.Path
		if path == "" {
			path = tokencache.DefaultFilePath()
		}
		c, err := tokencache.NewFile(path, partition, cfg.Cache.EncryptionKey)
		if err != nil {
			return nil, noop, fmt.Errorf("opening token cache: %w", err)
		}
		return c, noop, nil
	case config.CacheSQLite:
		path := cfg.Cache.Path
		if path == "" {
			path = filepath.Join(filepath.Dir(tokencache.DefaultFilePath()), "tokens.db")
		}
		c, err := tokencache.NewSQLite(path, partition, cfg.Cache.EncryptionKey)
		if err != nil {
			return nil, noop, fmt.Errorf("opening token cache: %w", err)
		}
		return c, closer(c), nil
	default:
		// Memory: the provider keeps the token for the life of the process.
		return nil, noop, nil
	}
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("closing token cache", "err", err)
		}
	}
}
