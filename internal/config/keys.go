package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PILLTRACK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "PILLTRACK_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "server.cors_origins", typ: kString, env: "PILLTRACK_SERVER_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.CORSOrigins },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PILLTRACK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "PILLTRACK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "sync.remote_url", typ: kString, env: "PILLTRACK_SYNC_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.RemoteURL },
	},
	{
		key: "sync.debounce", typ: kString, env: "PILLTRACK_SYNC_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Debounce = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Debounce },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "PILLTRACK_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.retry_max_elapsed", typ: kString, env: "PILLTRACK_SYNC_RETRY_MAX_ELAPSED",
		apply:   func(cfg *Config, v any) { cfg.Sync.RetryMaxElapsed = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.RetryMaxElapsed },
	},
	{
		key: "sync.oauth_client_id", typ: kString, env: "PILLTRACK_SYNC_OAUTH_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Sync.OAuthClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.OAuthClientID },
	},
	{
		key: "sync.oauth_token_url", typ: kString, env: "PILLTRACK_SYNC_OAUTH_TOKEN_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.OAuthTokenURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.OAuthTokenURL },
	},
	{
		key: "sync.oauth_client_secret", typ: kString, env: "PILLTRACK_SYNC_OAUTH_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.OAuthClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.OAuthClientSecret },
	},
	{
		key: "sync.remote_token", typ: kString, env: "PILLTRACK_SYNC_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.RemoteToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.RemoteToken },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "PILLTRACK_TELEMETRY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "telemetry.stdout", typ: kBool, env: "PILLTRACK_TELEMETRY_STDOUT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Stdout = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Stdout },
	},
	{
		key: "telemetry.otlp_endpoint", typ: kString, env: "PILLTRACK_TELEMETRY_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPEndpoint },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
