// Package keys manages the installation-wide secret used to encrypt
// conversations stored in the remote backend.
//
// Ciphertext format: "enc1:" + base64(nonce | AES-256-GCM sealed data). The
// AES key is derived from the printable secret with PBKDF2-SHA-256.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Prefix marks a value produced by Encrypt.
const Prefix = "enc1:"

const (
	secretBytes      = 32
	keySize          = 32
	pbkdf2Iterations = 100_000
)

// The salt is fixed so that the same secret opens data on every device it is
// imported to.
var kdfSalt = []byte("chatter-v1-salt")

// ErrEmptySecret is returned when encrypting without a secret.
var ErrEmptySecret = errors.New("encryption secret is empty")

// Generate returns a new random secret as 64 hex characters (256 bits).
func Generate() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Cipher encrypts and decrypts strings with a key derived from one secret.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES key for secret. Derivation is deliberately slow;
// callers should keep the Cipher around.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := pbkdf2.Key([]byte(secret), kdfSalt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce, so two calls with the
// same input return different ciphertexts. The empty string maps to itself.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Input that was not produced by Encrypt with this
// key (legacy plaintext, foreign ciphertext, corrupt data) is returned
// unchanged. A nil error from Decrypt says nothing about authenticity.
func (c *Cipher) Decrypt(ciphertext string) string {
	if !strings.HasPrefix(ciphertext, Prefix) {
		return ciphertext
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(Prefix):])
	if err != nil {
		return ciphertext
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return ciphertext
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return ciphertext
	}
	return string(plain)
}

// IsEncrypted reports whether s carries the ciphertext prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

var ciphers sync.Map // sha256(secret) -> *Cipher

func cipherFor(secret string) (*Cipher, error) {
	sum := sha256.Sum256([]byte(secret))
	if c, ok := ciphers.Load(sum); ok {
		return c.(*Cipher), nil
	}
	c, err := NewCipher(secret)
	if err != nil {
		return nil, err
	}
	actual, _ := ciphers.LoadOrStore(sum, c)
	return actual.(*Cipher), nil
}

// Encrypt is a convenience wrapper around Cipher.Encrypt that caches the
// derived key per secret.
func Encrypt(plaintext, secret string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	c, err := cipherFor(secret)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// Decrypt is a convenience wrapper around Cipher.Decrypt. With an empty
// secret the input is returned unchanged.
func Decrypt(ciphertext, secret string) string {
	if ciphertext == "" {
		return ""
	}
	c, err := cipherFor(secret)
	if err != nil {
		return ciphertext
	}
	return c.Decrypt(ciphertext)
}
