//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultsDomain = "app.chatter"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "chatter")
	}
	return filepath.Join(".", "chatter")
}

// defaultsBackend keeps settings in the app.chatter UserDefaults domain.
// Every value is written as a string except server.port, so `defaults read`
// shows durations as "2m" rather than nanoseconds.
type defaultsBackend struct {
	domain string
	run    func(args ...string) (string, error)
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain, run: runDefaults}
}

func runDefaults(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// notFound reports whether defaults exited because the key is absent.
func notFound(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

func (b *defaultsBackend) read(key string) (string, bool, error) {
	out, err := b.run("read", b.domain, key)
	if err != nil {
		if notFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading %s from %s: %w (%s)", key, b.domain, err, out)
	}
	return out, true, nil
}

func (b *defaultsBackend) write(key, typ, val string) error {
	if out, err := b.run("write", b.domain, key, typ, val); err != nil {
		return fmt.Errorf("writing %s to %s: %w (%s)", key, b.domain, err, out)
	}
	return nil
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) GetDuration(key string) (time.Duration, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil || s == "" {
		return 0, ok && s != "", err
	}
	d, err := parseDuration(key, s)
	return d, true, err
}

func (b *defaultsBackend) SetString(key, val string) error {
	return b.write(key, "-string", val)
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b *defaultsBackend) SetDuration(key string, val time.Duration) error {
	return b.write(key, "-string", val.String())
}

// Delete is a no-op for keys that were never set.
func (b *defaultsBackend) Delete(key string) error {
	out, err := b.run("delete", b.domain, key)
	if err != nil && !notFound(err) {
		return fmt.Errorf("deleting %s from %s: %w (%s)", key, b.domain, err, out)
	}
	return nil
}
