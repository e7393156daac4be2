//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "chatter")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "chatter", "config.json")
}

// xdgDir returns $env, or ~/fallback... when it is unset. Without a home
// directory paths are relative to the working directory.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(append([]string{home}, fallback...)...)
	}
	return "."
}

// fileBackend keeps settings in $XDG_CONFIG_HOME/chatter/config.json,
// grouped by section:
//
//	{
//	  "proxy":   {"default_model": "openai/gpt-4o"},
//	  "session": {"idle_timeout": "2m", "system_prompt": "be brief"}
//	}
//
// Flat "section.name" keys written by hand are read too and are folded into
// their section on the next save.
type fileBackend struct {
	path string
	data map[string]map[string]any
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath(), data: make(map[string]map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read config file, using defaults", "path", b.path, "error", err)
		}
		return
	}
	var top map[string]any
	if err := json.Unmarshal(raw, &top); err != nil {
		slog.Warn("could not parse config file, using defaults", "path", b.path, "error", err)
		return
	}
	for k, v := range top {
		if section, ok := v.(map[string]any); ok {
			for name, val := range section {
				b.put(k, name, val)
			}
			continue
		}
		section, name, err := splitKey(k)
		if err != nil {
			slog.Warn("ignoring config entry", "path", b.path, "key", k)
			continue
		}
		b.put(section, name, v)
	}
}

func (b *fileBackend) put(section, name string, v any) {
	if b.data[section] == nil {
		b.data[section] = make(map[string]any)
	}
	b.data[section][name] = v
}

func (b *fileBackend) lookup(key string) (any, bool) {
	section, name, err := splitKey(key)
	if err != nil {
		return nil, false
	}
	v, ok := b.data[section][name]
	return v, ok
}

// save replaces the file in one rename so that a concurrent `chatter
// config show` never reads a half-written file.
func (b *fileBackend) save() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

// GetDuration reads "2m"-style strings or a JSON number of seconds.
func (b *fileBackend) GetDuration(key string) (time.Duration, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		d, err := parseDuration(key, strconv.FormatFloat(val, 'f', -1, 64))
		return d, true, err
	case string:
		if val == "" {
			return 0, false, nil
		}
		d, err := parseDuration(key, val)
		return d, true, err
	default:
		return 0, true, fmt.Errorf("invalid type for %s", key)
	}
}

func (b *fileBackend) set(key string, v any) error {
	section, name, err := splitKey(key)
	if err != nil {
		return err
	}
	b.put(section, name, v)
	return b.save()
}

func (b *fileBackend) SetString(key, val string) error { return b.set(key, val) }

func (b *fileBackend) SetInt(key string, val int) error { return b.set(key, val) }

func (b *fileBackend) SetDuration(key string, val time.Duration) error {
	return b.set(key, val.String())
}

func (b *fileBackend) Delete(key string) error {
	section, name, err := splitKey(key)
	if err != nil {
		return err
	}
	delete(b.data[section], name)
	if len(b.data[section]) == 0 {
		delete(b.data, section)
	}
	return b.save()
}
