//go:build darwin

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// errSecItemNotFound is the exit status of `security` for a missing item.
const errSecItemNotFound = 44

func keychainGet(service, account string) (string, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == errSecItemNotFound {
			return "", fmt.Errorf("secret %s/%s: %w", service, account, fs.ErrNotExist)
		}
		return "", fmt.Errorf("reading keychain item %s/%s: %w", service, account, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func keychainSet(service, account, value string) error {
	out, err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w, output: %s", service, account, err, strings.TrimSpace(string(out)))
	}
	return nil
}
