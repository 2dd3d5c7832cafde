package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Sync      SyncConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port     int
	MCPStdio bool
	// CORSOrigins is a comma-separated list of origins allowed to call the API.
	CORSOrigins string
}

// AllowedOrigins splits CORSOrigins, dropping empty entries.
func (c ServerConfig) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// SyncConfig configures the remote backup store. Sync is disabled while
// RemoteURL is empty.
type SyncConfig struct {
	RemoteURL         string
	Debounce          string
	MaxAttempts       int
	RetryMaxElapsed   string
	OAuthClientID     string
	OAuthTokenURL     string
	OAuthClientSecret string
	// RemoteToken is a fixed bearer token used when OAuth is not configured.
	RemoteToken string
}

type TelemetryConfig struct {
	Enabled      bool
	Stdout       bool
	OTLPEndpoint string
}

const (
	defaultDebounce        = 5 * time.Second
	defaultRetryMaxElapsed = 15 * time.Minute
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Sync: SyncConfig{
			Debounce:        defaultDebounce.String(),
			MaxAttempts:     5,
			RetryMaxElapsed: defaultRetryMaxElapsed.String(),
		},
	}
}

// DebounceDelay parses Debounce, falling back to the default on bad input.
func (c SyncConfig) DebounceDelay() time.Duration {
	return parseDurationOr("sync.debounce", c.Debounce, defaultDebounce)
}

// RetryMaxElapsedTime parses RetryMaxElapsed, falling back to the default on
// bad input.
func (c SyncConfig) RetryMaxElapsedTime() time.Duration {
	return parseDurationOr("sync.retry_max_elapsed", c.RetryMaxElapsed, defaultRetryMaxElapsed)
}

// OAuthEnabled reports whether enough is configured to refresh access tokens.
func (c SyncConfig) OAuthEnabled() bool {
	return c.OAuthClientID != "" && c.OAuthTokenURL != ""
}

func parseDurationOr(key, raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q. Using default value %s.\n", key, raw, def)
		return def
	}
	return d
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.pilltrack.app) and
// secrets live in the macOS Keychain.
// On Linux the backend is a TOML file at $XDG_CONFIG_HOME/pilltrack/config.toml
// and secrets live in a 0600 file under $XDG_DATA_HOME/pilltrack.
//
// Environment variables (PILLTRACK_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Sync.OAuthClientSecret == "" {
		if secret, err := kc.Get(keychainService, "oauth_client_secret"); err == nil && secret != "" {
			cfg.Sync.OAuthClientSecret = secret
		}
	}

	if cfg.Sync.RemoteToken == "" {
		if tok, err := kc.Get(keychainService, "remote_token"); err == nil && tok != "" {
			cfg.Sync.RemoteToken = tok
		}
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, fmt.Errorf("invalid config: server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Sync.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("invalid config: sync.max_attempts must be at least 1, got %d", cfg.Sync.MaxAttempts)
	}

	return cfg, nil
}
