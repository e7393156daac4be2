package keys

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
)

const (
	secretService = "chatter"
	secretAccount = "encryption_key"
)

// SecretStore persists small secrets. Get must return an error matching
// fs.ErrNotExist when nothing is stored.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// Keyring owns the installation secret. The secret is generated and saved on
// first use and only ever replaced by an explicit Import.
type Keyring struct {
	store SecretStore

	mu     sync.RWMutex
	secret string
	cipher *Cipher
}

// NewKeyring returns a Keyring over store. Nothing is read until Ensure or
// Stored is called.
func NewKeyring(store SecretStore) *Keyring {
	return &Keyring{store: store}
}

// Ensure loads the stored secret, generating and persisting one if none
// exists. A read error other than "not found" is returned as is so that an
// unreadable secret is never silently replaced.
func (k *Keyring) Ensure() (*Cipher, error) {
	k.mu.RLock()
	c := k.cipher
	k.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cipher != nil {
		return k.cipher, nil
	}

	secret, err := k.store.Get(secretService, secretAccount)
	switch {
	case err == nil && strings.TrimSpace(secret) != "":
		secret = strings.TrimSpace(secret)
	case err == nil, errors.Is(err, fs.ErrNotExist):
		secret, err = Generate()
		if err != nil {
			return nil, err
		}
		if err := k.store.Set(secretService, secretAccount, secret); err != nil {
			return nil, fmt.Errorf("saving encryption secret: %w", err)
		}
	default:
		return nil, fmt.Errorf("reading encryption secret: %w", err)
	}

	c, err = NewCipher(secret)
	if err != nil {
		return nil, err
	}
	k.secret, k.cipher = secret, c
	return c, nil
}

// Cipher returns the loaded cipher, or nil when Ensure has not succeeded yet.
func (k *Keyring) Cipher() *Cipher {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cipher
}

// Stored returns the saved secret without creating one, for showing it to
// the user or checking before a replacement. The error matches
// fs.ErrNotExist when nothing has been saved yet.
func (k *Keyring) Stored() (string, error) {
	secret, err := k.store.Get(secretService, secretAccount)
	if err != nil {
		return "", err
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("encryption secret: %w", fs.ErrNotExist)
	}
	return secret, nil
}

// Import replaces the stored secret with one exported from another device.
func (k *Keyring) Import(secret string) error {
	secret = strings.TrimSpace(secret)
	c, err := NewCipher(secret)
	if err != nil {
		return err
	}
	if err := k.store.Set(secretService, secretAccount, secret); err != nil {
		return fmt.Errorf("saving encryption secret: %w", err)
	}
	k.mu.Lock()
	k.secret, k.cipher = secret, c
	k.mu.Unlock()
	return nil
}
