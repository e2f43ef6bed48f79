// Package creds is the credential adapter. API keys rest encrypted in the
// ledger and are decrypted only inside this package.
package creds

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"scalper-engine/internal/store"
)

// ErrNotFound is returned when no credentials exist for the requested slot.
var ErrNotFound = errors.New("credentials not found")

// Manager encrypts and decrypts credential pairs with AES-256-GCM under a
// single master key.
type Manager struct {
	aead  cipher.AEAD
	store *store.Store
}

// NewManager builds the adapter. masterKeyHex must be 64 hex characters
// (a 32-byte key).
func NewManager(masterKeyHex string, st *store.Store) (*Manager, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Manager{aead: aead, store: st}, nil
}

// SaveAPIKeys encrypts and persists a key pair for one account slot.
func (m *Manager) SaveAPIKeys(ctx context.Context, userID int64, exchange string, priority int, apiKey, apiSecret string) error {
	keyEnc, err := m.seal([]byte(apiKey))
	if err != nil {
		return err
	}
	secretEnc, err := m.seal([]byte(apiSecret))
	if err != nil {
		return err
	}
	return m.store.SaveAPIKey(ctx, userID, exchange, priority, keyEnc, secretEnc)
}

// GetAPIKeys returns the decrypted key pair for the slot, or ErrNotFound.
func (m *Manager) GetAPIKeys(ctx context.Context, userID int64, exchange string, priority int) (apiKey, apiSecret string, err error) {
	keyEnc, secretEnc, err := m.store.GetAPIKey(ctx, userID, exchange, priority)
	if err != nil {
		return "", "", err
	}
	if keyEnc == nil {
		return "", "", fmt.Errorf("%w: user %d %s account %d", ErrNotFound, userID, exchange, priority)
	}
	key, err := m.open(keyEnc)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	secret, err := m.open(secretEnc)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return string(key), string(secret), nil
}

// HasCredentials reports whether the slot is configured without decrypting.
func (m *Manager) HasCredentials(ctx context.Context, userID int64, exchange string, priority int) (bool, error) {
	keyEnc, _, err := m.store.GetAPIKey(ctx, userID, exchange, priority)
	if err != nil {
		return false, err
	}
	return keyEnc != nil, nil
}

// AccountPriorities lists the configured account slots for the user.
func (m *Manager) AccountPriorities(ctx context.Context, userID int64, exchange string) ([]int, error) {
	return m.store.ListAccountPriorities(ctx, userID, exchange)
}

// seal produces nonce || ciphertext.
func (m *Manager) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return m.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *Manager) open(blob []byte) ([]byte, error) {
	ns := m.aead.NonceSize()
	if len(blob) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return m.aead.Open(nil, blob[:ns], blob[ns:], nil)
}
