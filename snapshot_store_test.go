package consistency_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	cqrs "github.com/terraskye/consistency"
	"github.com/terraskye/consistency/fixtures"
)

func snapshotRegistry(t *testing.T, version int) *cqrs.Registry {
	t.Helper()
	r := fixtures.NewRegistry()
	if err := cqrs.RegisterSnapshot[fixtures.AccountSnapshot](r, version); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return r
}

func TestSnapshotStreamName(t *testing.T) {
	got := cqrs.SnapshotStreamName("account-1", reflect.TypeFor[*fixtures.AccountSnapshot]())
	if got != "snapshot-account-1_AccountSnapshot" {
		t.Fatalf("unexpected stream name %q", got)
	}
}

func TestSnapshotCapability(t *testing.T) {
	if cqrs.IsSnapshottable(fixtures.NewAccount("x")) {
		t.Fatal("expected Account not to be snapshottable")
	}
	if _, ok := cqrs.TakeSnapshot(fixtures.NewAccount("x")); ok {
		t.Fatal("expected no snapshot from Account")
	}
	applied, err := cqrs.ApplySnapshot(fixtures.NewAccount("x"), fixtures.AccountSnapshot{})
	if applied || err != nil {
		t.Fatalf("expected the call to be ignored, got %v, %v", applied, err)
	}

	a := fixtures.NewSnapshotAccount("x")
	if _, err := cqrs.ApplySnapshot(a, "wrong"); err == nil {
		t.Fatal("expected an error for a foreign payload")
	}
}

func TestSnapshotStoreLatest(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy(nil)
	snapshots := cqrs.NewSnapshotStore(store, snapshotRegistry(t, 1))
	payloadType := reflect.TypeFor[fixtures.AccountSnapshot]()

	if _, found, err := snapshots.Latest(ctx, "account-1", payloadType); found || err != nil {
		t.Fatalf("expected no snapshot, got %v, %v", found, err)
	}

	for i, balance := range []int{10, 20} {
		rev, err := snapshots.Write(ctx, "account-1", fixtures.AccountSnapshot{Owner: "ann", Balance: balance}, int64(i*10))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if rev != int64(i) {
			t.Fatalf("expected snapshot revision %d, got %d", i, rev)
		}
	}

	snap, found, err := snapshots.Latest(ctx, "account-1", payloadType)
	if err != nil || !found {
		t.Fatalf("expected a snapshot, got %v, %v", found, err)
	}
	if snap.Payload != (fixtures.AccountSnapshot{Owner: "ann", Balance: 20}) {
		t.Fatalf("unexpected payload %+v", snap.Payload)
	}
	if snap.StreamRevision != 10 || snap.SnapshotRevision != 1 || snap.SchemaVersion != 1 {
		t.Fatalf("unexpected positions %+v", snap)
	}

	outdated := cqrs.NewSnapshotStore(store, snapshotRegistry(t, 2))
	snap, found, err = outdated.Latest(ctx, "account-1", payloadType)
	if err != nil || !found {
		t.Fatalf("expected a snapshot record, got %v, %v", found, err)
	}
	if snap.Payload != nil || snap.SchemaVersion != 1 {
		t.Fatalf("expected an unusable v1 snapshot, got %+v", snap)
	}
}

func TestRepositorySnapshots(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy(nil)
	registry := snapshotRegistry(t, 1)
	repo := cqrs.NewRepository(store, registry, fixtures.NewSnapshotAccount, cqrs.SnapshotEvery(3))

	stream := repo.StreamName("acc-1")
	if stream != "snapshotAccount-acc-1" {
		t.Fatalf("unexpected stream %q", stream)
	}
	snapshotStream := cqrs.SnapshotStreamName(stream, reflect.TypeFor[fixtures.AccountSnapshot]())

	events := fixtures.For("acc-1")
	fixtures.Seed(t, store, registry, "acc-1", stream, events.Opened("ann"), events.Deposited(10), events.Deposited(5), events.Withdrawn(3))

	var starts []int64
	store.ReadForwardFn = func(ctx context.Context, s string, start int64) (*cqrs.Iterator[cqrs.SerializedEvent], error) {
		starts = append(starts, start)
		return store.EventStore.ReadForward(ctx, s, start, 100, cqrs.IgnoreNotFound)
	}

	a, versions, err := repo.Load(ctx, "acc-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if a.Balance != 12 || a.Owner != "ann" {
		t.Fatalf("unexpected state %+v", a.Account)
	}
	if token, _ := versions.Find(stream); token.Version != cqrs.Revision(3) {
		t.Fatalf("expected token 3, got %s", token)
	}
	if got := len(fixtures.ReadAll(t, store.EventStore, snapshotStream)); got != 1 {
		t.Fatalf("expected a snapshot after 4 replayed events, got %d", got)
	}

	fixtures.Seed(t, store, registry, "acc-1", stream, events.Deposited(1))
	a, versions, err = repo.Load(ctx, "acc-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if a.Balance != 13 {
		t.Fatalf("expected balance 13, got %d", a.Balance)
	}
	if token, _ := versions.Find(stream); token.Version != cqrs.Revision(4) {
		t.Fatalf("expected token 4, got %s", token)
	}
	if want := []int64{0, 4}; len(starts) != 2 || starts[0] != want[0] || starts[1] != want[1] {
		t.Fatalf("expected reads from %v, got %v", want, starts)
	}
	if got := len(fixtures.ReadAll(t, store.EventStore, snapshotStream)); got != 1 {
		t.Fatalf("expected no new snapshot below the threshold, got %d", got)
	}
}

func TestRepositoryIgnoresOutdatedSnapshot(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy(nil)
	events := fixtures.For("acc-1")

	v1 := cqrs.NewRepository(store, snapshotRegistry(t, 1), fixtures.NewSnapshotAccount, cqrs.SnapshotEvery(2))
	stream := v1.StreamName("acc-1")
	fixtures.Seed(t, store, fixtures.NewRegistry(), "acc-1", stream, events.Opened("ann"), events.Deposited(7))
	if _, _, err := v1.Load(ctx, "acc-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	v2 := cqrs.NewRepository(store, snapshotRegistry(t, 2), fixtures.NewSnapshotAccount, cqrs.SnapshotEvery(2))
	a, _, err := v2.Load(ctx, "acc-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if a.Balance != 7 {
		t.Fatalf("expected a full replay, got balance %d", a.Balance)
	}

	snapshotStream := cqrs.SnapshotStreamName(stream, reflect.TypeFor[fixtures.AccountSnapshot]())
	if got := len(fixtures.ReadAll(t, store.EventStore, snapshotStream)); got != 2 {
		t.Fatalf("expected a fresh snapshot in the new shape, got %d", got)
	}
}

func TestRepositorySkipsSnapshotWithoutRevision(t *testing.T) {
	ctx := t.Context()
	store := fixtures.NewStoreSpy(nil)
	registry := snapshotRegistry(t, 1)
	repo := cqrs.NewRepository(store, registry, fixtures.NewSnapshotAccount, cqrs.SnapshotEvery(10))
	stream := repo.StreamName("acc-1")

	events := fixtures.For("acc-1")
	fixtures.Seed(t, store, registry, "acc-1", stream, events.Opened("ann"), events.Deposited(10))

	rec, err := registry.EncodeSnapshot(fixtures.AccountSnapshot{Owner: "ann", Balance: 10}, 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var md map[string]json.RawMessage
	if err := json.Unmarshal(rec.Metadata, &md); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	delete(md, cqrs.SnapshotRevisionKey)
	if rec.Metadata, err = json.Marshal(md); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	snapshotStream := cqrs.SnapshotStreamName(stream, reflect.TypeFor[fixtures.AccountSnapshot]())
	if _, err := store.EventStore.Append(ctx, snapshotStream, cqrs.Any{}, []cqrs.SerializedEvent{rec}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	a, versions, err := repo.Load(ctx, "acc-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if a.Balance != 10 {
		t.Fatalf("expected each event applied once, got balance %d", a.Balance)
	}
	if token, _ := versions.Find(stream); token.Version != cqrs.Revision(1) {
		t.Fatalf("expected token 1, got %s", token)
	}
}
