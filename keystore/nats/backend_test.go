package nats_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/terraskye/consistency/internal/natsconn"
	"github.com/terraskye/consistency/keystore/keystoretest"
	"github.com/terraskye/consistency/keystore/nats"
)

func TestBackend(t *testing.T) {
	connect := natsconn.NewTestContainer(t)

	backend, err := nats.NewBackend(t.Context(), nats.BackendConfig{
		Connect: connect,
		Bucket:  "test_keys",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	keystoretest.Run(t, backend)
}
