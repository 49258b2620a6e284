package kurrentdb_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/terraskye/consistency"
	"github.com/terraskye/consistency/eventstore/eventstoretest"
	"github.com/terraskye/consistency/eventstore/kurrentdb"
)

// urlEnv points the suite at a running KurrentDB node, e.g.
// kurrentdb://localhost:2113?tls=false.
const urlEnv = "CONSISTENCY_KURRENTDB_URL"

func TestEventStore(t *testing.T) {
	url := os.Getenv(urlEnv)
	if url == "" {
		t.Skip("set " + urlEnv + " to run KurrentDB integration tests")
	}

	eventstoretest.Run(t, func(t *testing.T) consistency.EventStore {
		client, err := kurrentdb.Connect(url)
		require.NoError(t, err)
		return kurrentdb.NewEventStore(client)
	})
}
