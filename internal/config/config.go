package config

import (
	"log/slog"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Proxy   ProxyConfig
	Sync    SyncConfig
	Session SessionConfig
	Catalog CatalogConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken protects the /v1 routes. It is generated on first serve when
	// empty.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type ProxyConfig struct {
	BaseURL          string
	OpenRouterAPIKey string
	DefaultModel     string
}

// SyncConfig points the remote backend at a libsql primary. With an empty
// RemoteURL remote conversations stay in a local libsql file.
type SyncConfig struct {
	RemoteURL string
	AuthToken string
	Interval  time.Duration
}

type SessionConfig struct {
	// IdleTimeout ends a stream that produced no bytes for this long. Zero
	// disables it.
	IdleTimeout  time.Duration
	SystemPrompt string
}

type CatalogConfig struct {
	TTL time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Proxy: ProxyConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "openai/gpt-4.1-mini",
		},
		Sync: SyncConfig{
			Interval: time.Minute,
		},
		Catalog: CatalogConfig{
			TTL: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: app.chatter) and secrets
// live in the macOS Keychain.
// On Linux the backend is a sectioned JSON file at
// $XDG_CONFIG_HOME/chatter/config.json and secrets live in
// $XDG_DATA_HOME/chatter/secrets.json.
//
// Environment variables (CHATTER_*) override backend values on all platforms.
// A missing OpenRouter key is not an error here; a chat turn without one is
// rejected when it is submitted.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), Keychain{})
}

// keychain abstracts secret store reads for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	return cfg, nil
}

// applySecrets fills secret keys not set through the environment from the
// secret store.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		v, err := kc.Get(Service, s.account())
		if err != nil {
			slog.Debug("secret not found in store", "key", s.key, "error", err)
			continue
		}
		if v != "" {
			s.apply(cfg, v)
		}
	}
}
