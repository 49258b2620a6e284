package memory

import (
	"context"
	"sync"

	"github.com/terraskye/consistency/keystore"
)

// Backend keeps data keys in process memory.
type Backend struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

var _ keystore.Backend = (*Backend)(nil)

func NewBackend() *Backend {
	return &Backend{keys: make(map[string][]byte)}
}

// NewKeyStore returns a KeyStore over a fresh in-memory Backend.
func NewKeyStore(opts ...keystore.Option) *keystore.KeyStore {
	return keystore.New(NewBackend(), opts...)
}

func (b *Backend) Get(_ context.Context, scopeID string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key, ok := b.keys[scopeID]
	if !ok {
		return nil, keystore.ErrKeyNotFound
	}
	return key, nil
}

func (b *Backend) PutIfAbsent(_ context.Context, scopeID string, key []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.keys[scopeID]; ok {
		return existing, nil
	}
	b.keys[scopeID] = append([]byte(nil), key...)
	return b.keys[scopeID], nil
}

func (b *Backend) Delete(_ context.Context, scopeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, scopeID)
	return nil
}
