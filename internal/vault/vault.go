// Package vault encrypts and decrypts stored store-account credentials.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrKeyMismatch means the ciphertext was not produced with the configured key
var ErrKeyMismatch = errors.New("credential decryption failed: the vault key does not match the key used to encrypt this credential; re-enter the account password or restore the previous LUNAR_VAULT_KEY")

// ErrEmptyKey is returned when no vault key is configured
var ErrEmptyKey = errors.New("vault key is empty: set general.vault_key or LUNAR_VAULT_KEY")

// ErrMalformed is returned for ciphertext that is not valid vault output
var ErrMalformed = errors.New("malformed ciphertext")

const hkdfInfo = "lunar-bot credential vault v1"

// Vault seals credentials with XChaCha20-Poly1305 under a key derived from a passphrase
type Vault struct {
	key []byte
}

// New derives the encryption key from secret
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt returns base64(nonce || ciphertext)
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Authentication failure yields ErrKeyMismatch.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrKeyMismatch
	}
	return string(plain), nil
}
