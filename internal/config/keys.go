package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// account is the secret store account name for a secret key.
func (s keySpec) account() string {
	return s.key[strings.LastIndex(s.key, ".")+1:]
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CHATTER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "CHATTER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATTER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "proxy.base_url", typ: kString, env: "CHATTER_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "CHATTER_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "CHATTER_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "sync.remote_url", typ: kString, env: "CHATTER_SYNC_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.RemoteURL },
	},
	{
		key: "sync.auth_token", typ: kString, env: "CHATTER_SYNC_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sync.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.AuthToken },
	},
	{
		key: "sync.interval", typ: kDuration, env: "CHATTER_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "session.idle_timeout", typ: kDuration, env: "CHATTER_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "session.system_prompt", typ: kString, env: "CHATTER_SESSION_SYSTEM_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Session.SystemPrompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.SystemPrompt },
	},
	{
		key: "catalog.ttl", typ: kDuration, env: "CHATTER_CATALOG_TTL",
		apply:   func(cfg *Config, v any) { cfg.Catalog.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Catalog.TTL },
	},
	{
		key: "log.level", typ: kString, env: "CHATTER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
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
		case kDuration:
			d, ok, err := b.GetDuration(s.key)
			switch {
			case err != nil:
				slog.Warn("could not read duration from config key, using default", "key", s.key, "error", err)
			case ok:
				s.apply(cfg, d)
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
				slog.Warn("could not parse integer from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		case kDuration:
			if d, err := parseDuration(s.env, raw); err == nil {
				s.apply(cfg, d)
			} else {
				slog.Warn("could not parse duration from env var, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
