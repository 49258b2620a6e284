// Package keystore implements per-scope payload encryption with
// XChaCha20-Poly1305 data keys held by a pluggable Backend.
package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/terraskye/consistency"
)

// ErrKeyNotFound is returned by a Backend when no key exists for a scope.
var ErrKeyNotFound = errors.New("data key not found")

// Backend stores raw data keys.
type Backend interface {
	// Get returns the key of scopeID or ErrKeyNotFound.
	Get(ctx context.Context, scopeID string) ([]byte, error)

	// PutIfAbsent stores key unless scopeID already has one. It returns
	// the key that is stored afterwards.
	PutIfAbsent(ctx context.Context, scopeID string, key []byte) ([]byte, error)

	// Delete removes the key of scopeID. Deleting a missing key succeeds.
	Delete(ctx context.Context, scopeID string) error
}

// KeyStore implements consistency.KeyStore on top of a Backend.
type KeyStore struct {
	backend Backend
	log     *slog.Logger
}

var _ consistency.KeyStore = (*KeyStore)(nil)

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithLogger sets the logger used for decryption diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(k *KeyStore) {
		if log != nil {
			k.log = log
		}
	}
}

// New creates a KeyStore persisting keys in backend.
func New(backend Backend, opts ...Option) *KeyStore {
	k := &KeyStore{backend: backend, log: slog.Default()}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// NewKey returns a random data key.
func NewKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func (k *KeyStore) CreateKeyIfAbsent(ctx context.Context, scopeID string) error {
	if _, err := k.backend.Get(ctx, scopeID); err == nil {
		return nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("get key %q: %w", scopeID, err)
	}

	key, err := NewKey()
	if err != nil {
		return err
	}
	if _, err := k.backend.PutIfAbsent(ctx, scopeID, key); err != nil {
		return fmt.Errorf("store key %q: %w", scopeID, err)
	}
	return nil
}

func (k *KeyStore) Encrypt(ctx context.Context, scopeID string, data []byte) ([]byte, error) {
	key, err := k.backend.Get(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %q: %w", scopeID, err)
	}
	return Seal(key, scopeID, data)
}

func (k *KeyStore) TryDecrypt(ctx context.Context, scopeID string, data []byte) ([]byte, bool) {
	key, err := k.backend.Get(ctx, scopeID)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			k.log.WarnContext(ctx, "key lookup failed", slog.String("scope", scopeID), slog.Any("error", err))
		}
		return nil, false
	}
	plain, err := Open(key, scopeID, data)
	if err != nil {
		k.log.DebugContext(ctx, "decryption failed", slog.String("scope", scopeID), slog.Any("error", err))
		return nil, false
	}
	return plain, true
}

func (k *KeyStore) Destroy(ctx context.Context, scopeID string) error {
	if err := k.backend.Delete(ctx, scopeID); err != nil {
		return fmt.Errorf("destroy key %q: %w", scopeID, err)
	}
	return nil
}

// Seal encrypts data with key, binding it to scopeID. The random nonce is
// prepended to the ciphertext.
func Seal(key []byte, scopeID string, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return aead.Seal(nonce, nonce, data, []byte(scopeID)), nil
}

// Open reverses Seal.
func Open(key []byte, scopeID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("open: ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, []byte(scopeID))
}
