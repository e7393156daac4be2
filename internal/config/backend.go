package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConfigBackend stores the non-secret chatter settings. Keys are the dotted
// names from ValidKeys ("server.port", "session.idle_timeout"). Secrets never
// reach a backend; they live in the Keychain.
//
// GetDuration returns an error for a value that is present but does not
// parse; callers treat that as a warning and keep the default.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetDuration(key string) (val time.Duration, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetDuration(key string, val time.Duration) error
	Delete(key string) error
}

// splitKey turns "session.idle_timeout" into ("session", "idle_timeout").
func splitKey(key string) (section, name string, err error) {
	section, name, ok := strings.Cut(key, ".")
	if !ok || section == "" || name == "" {
		return "", "", fmt.Errorf("config key %q is not of the form section.name", key)
	}
	return section, name, nil
}

// parseDuration accepts Go duration strings ("90s", "1h") and a bare
// number of seconds.
func parseDuration(key, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 && secs < maxDurationSeconds {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration for %s: %q", key, s)
}

const maxDurationSeconds = float64(1<<63-1) / float64(time.Second)
