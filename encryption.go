package consistency

import (
	"context"
	"fmt"
)

// KeyStore manages one data key per scope identity. Destroying a key makes
// every payload encrypted with it permanently unreadable.
type KeyStore interface {
	// CreateKeyIfAbsent provisions a key for scopeID unless one exists.
	CreateKeyIfAbsent(ctx context.Context, scopeID string) error

	// Encrypt seals data with the key of scopeID.
	Encrypt(ctx context.Context, scopeID string, data []byte) ([]byte, error)

	// TryDecrypt opens data with the key of scopeID. It reports false when
	// the key is gone or the ciphertext does not authenticate.
	TryDecrypt(ctx context.Context, scopeID string, data []byte) ([]byte, bool)

	// Destroy deletes the key of scopeID. Destroying a missing key is not
	// an error.
	Destroy(ctx context.Context, scopeID string) error
}

// WithEncryption returns processor factories that encrypt payloads with
// the key of the scope identity on the way out and decrypt them on the
// way in.
func WithEncryption(ks KeyStore) (PostProcessorFactory, PreProcessorFactory) {
	post := func(scopeID string) PostProcessor {
		return func(ctx context.Context, data []byte) ([]byte, error) {
			if err := ks.CreateKeyIfAbsent(ctx, scopeID); err != nil {
				return nil, fmt.Errorf("create key for %q: %w", scopeID, err)
			}
			return ks.Encrypt(ctx, scopeID, data)
		}
	}
	pre := func(scopeID string) PreProcessor {
		return func(ctx context.Context, data []byte) ([]byte, bool) {
			return ks.TryDecrypt(ctx, scopeID, data)
		}
	}
	return post, pre
}

// Encrypted is the EventOption registering WithEncryption processors.
func Encrypted(ks KeyStore) EventOption {
	return WithProcessors(WithEncryption(ks))
}
