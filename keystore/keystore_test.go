package keystore_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/terraskye/consistency/keystore"
	"github.com/terraskye/consistency/keystore/memory"
)

func TestSealOpen(t *testing.T) {
	key, err := keystore.NewKey()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	sealed, err := keystore.Seal(key, "user-1", []byte("secret"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	t.Run("same scope opens", func(t *testing.T) {
		plain, err := keystore.Open(key, "user-1", sealed)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if string(plain) != "secret" {
			t.Fatalf("expected secret, got %q", plain)
		}
	})

	t.Run("other scope fails", func(t *testing.T) {
		if _, err := keystore.Open(key, "user-2", sealed); err == nil {
			t.Fatal("expected authentication failure")
		}
	})

	t.Run("other key fails", func(t *testing.T) {
		other, _ := keystore.NewKey()
		if _, err := keystore.Open(other, "user-1", sealed); err == nil {
			t.Fatal("expected authentication failure")
		}
	})

	t.Run("truncated ciphertext fails", func(t *testing.T) {
		if _, err := keystore.Open(key, "user-1", sealed[:4]); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("nonces differ", func(t *testing.T) {
		again, _ := keystore.Seal(key, "user-1", []byte("secret"))
		if bytes.Equal(again, sealed) {
			t.Fatal("expected distinct ciphertexts")
		}
	})
}

func TestKeyStore(t *testing.T) {
	ctx := t.Context()
	ks := memory.NewKeyStore()

	t.Run("encrypt without key", func(t *testing.T) {
		_, err := ks.Encrypt(ctx, "nobody", []byte("x"))
		if !errors.Is(err, keystore.ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("create is idempotent", func(t *testing.T) {
		if err := ks.CreateKeyIfAbsent(ctx, "user-1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		sealed, err := ks.Encrypt(ctx, "user-1", []byte("x"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := ks.CreateKeyIfAbsent(ctx, "user-1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if _, ok := ks.TryDecrypt(ctx, "user-1", sealed); !ok {
			t.Fatal("expected key to survive a second create")
		}
	})

	t.Run("destroyed key cannot decrypt", func(t *testing.T) {
		if err := ks.CreateKeyIfAbsent(ctx, "user-2"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		sealed, _ := ks.Encrypt(ctx, "user-2", []byte("x"))
		if err := ks.Destroy(ctx, "user-2"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if _, ok := ks.TryDecrypt(ctx, "user-2", sealed); ok {
			t.Fatal("expected decryption to fail")
		}
	})
}
