// Package keystoretest provides the behavioral test suite for
// keystore.Backend implementations.
package keystoretest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraskye/consistency/keystore"
)

// Run executes the suite against backend. Scope ids are unique per case,
// so one backend may serve every case.
func Run(t *testing.T, backend keystore.Backend) {
	t.Run("missing key", func(t *testing.T) {
		_, err := backend.Get(t.Context(), uuid.NewString())
		require.ErrorIs(t, err, keystore.ErrKeyNotFound)
	})

	t.Run("put if absent keeps the first key", func(t *testing.T) {
		ctx := t.Context()
		scope := uuid.NewString()

		first, err := backend.PutIfAbsent(ctx, scope, []byte("first-key"))
		require.NoError(t, err)
		assert.Equal(t, []byte("first-key"), first)

		stored, err := backend.PutIfAbsent(ctx, scope, []byte("second-key"))
		require.NoError(t, err)
		assert.Equal(t, []byte("first-key"), stored)

		got, err := backend.Get(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, []byte("first-key"), got)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := t.Context()
		scope := uuid.NewString()

		_, err := backend.PutIfAbsent(ctx, scope, []byte("key"))
		require.NoError(t, err)
		require.NoError(t, backend.Delete(ctx, scope))

		_, err = backend.Get(ctx, scope)
		require.ErrorIs(t, err, keystore.ErrKeyNotFound)

		require.NoError(t, backend.Delete(ctx, scope), "deleting twice succeeds")
	})

	t.Run("encryption round trip", func(t *testing.T) {
		ctx := t.Context()
		ks := keystore.New(backend)
		scope := uuid.NewString()

		require.NoError(t, ks.CreateKeyIfAbsent(ctx, scope))
		sealed, err := ks.Encrypt(ctx, scope, []byte(`{"name":"John"}`))
		require.NoError(t, err)
		assert.NotContains(t, string(sealed), "John")

		plain, ok := ks.TryDecrypt(ctx, scope, sealed)
		require.True(t, ok)
		assert.Equal(t, `{"name":"John"}`, string(plain))

		require.NoError(t, ks.Destroy(ctx, scope))
		_, ok = ks.TryDecrypt(ctx, scope, sealed)
		assert.False(t, ok)
	})
}
