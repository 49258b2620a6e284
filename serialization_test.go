package consistency_test

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"

	cqrs "github.com/terraskye/consistency"
	"github.com/terraskye/consistency/eventstore/memory"
	"github.com/terraskye/consistency/fixtures"
	keystorememory "github.com/terraskye/consistency/keystore/memory"
)

func TestRegisterEventValidation(t *testing.T) {
	r := fixtures.NewRegistry()

	if err := cqrs.RegisterEvent[*fixtures.Opened](r); !errors.Is(err, cqrs.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}

	post, _ := cqrs.WithEncryption(keystorememory.NewKeyStore())
	err := cqrs.RegisterEvent[*fixtures.Opened](cqrs.NewRegistry(), cqrs.WithProcessors(post, nil))
	if !errors.Is(err, cqrs.ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration for a lone post-processor, got %v", err)
	}

	err = cqrs.RegisterEvent[*fixtures.Opened](cqrs.NewRegistry(), cqrs.WithSchemaVersion(0))
	if !errors.Is(err, cqrs.ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration for version 0, got %v", err)
	}
}

func TestEncode(t *testing.T) {
	ctx := t.Context()
	r := fixtures.NewRegistry()
	e := fixtures.For("acc-1").Opened("ann")

	rec, err := r.Encode(ctx, "acc-1", e)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.Type != "opened" {
		t.Fatalf("expected wire name opened, got %q", rec.Type)
	}
	if rec.ID != e.EventID() {
		t.Fatalf("expected record id %s, got %s", e.EventID(), rec.ID)
	}
	if !bytes.Contains(rec.Data, []byte(`"owner":"ann"`)) {
		t.Fatalf("expected JSON payload, got %s", rec.Data)
	}

	md, err := cqrs.DecodeMetadata(rec.Metadata, -1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if md.Type() != "opened" || md.Version() != 1 {
		t.Fatalf("expected opened v1, got %q v%d", md.Type(), md.Version())
	}

	if e.EventMetadata().ReadOnly() {
		t.Fatal("expected metadata to stay writable until the record is appended")
	}

	if _, err := r.Encode(ctx, "acc-1", &fixtures.Opened{}); err != nil {
		t.Fatalf("expected a second event to encode, got %v", err)
	}
	if _, err := cqrs.NewRegistry().Encode(ctx, "acc-1", e); !errors.Is(err, cqrs.ErrNoEncoder) {
		t.Fatalf("expected ErrNoEncoder, got %v", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	ctx := t.Context()
	r := fixtures.NewRegistry()
	store := memory.NewMemoryStore()
	e := fixtures.For("acc-1").Deposited(12)
	if err := cqrs.WriteMetadata(e.EventMetadata(), "causation", "test"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	fixtures.Seed(t, store, r, "acc-1", "account-acc-1", fixtures.For("acc-1").Opened("ann"), e)
	records := fixtures.ReadAll(t, store, "account-acc-1")

	decoded := r.Decode(ctx, "acc-1", cqrs.GlobalScope, records[1])
	if len(decoded) != 1 {
		t.Fatalf("expected 1 event, got %d", len(decoded))
	}
	got, ok := decoded[0].(*fixtures.Deposited)
	if !ok {
		t.Fatalf("expected *fixtures.Deposited, got %T", decoded[0])
	}
	if got.Amount != 12 || got.EventID() != e.EventID() {
		t.Fatalf("unexpected event: %+v", got)
	}
	md := got.EventMetadata()
	if !md.ReadOnly() || md.StreamRevision() != 1 {
		t.Fatalf("expected read-only metadata at revision 1, got revision %d", md.StreamRevision())
	}
	if v, _ := cqrs.TryReadMetadata[string](md, "causation"); v != "test" {
		t.Fatalf("expected custom metadata to survive, got %q", v)
	}

	// re-encoding a decoded event gets fresh, writable metadata
	if _, err := r.Encode(ctx, "acc-1", got); err != nil {
		t.Fatalf("expected re-encode to succeed, got %v", err)
	}
}

func TestDecodeSkipsUnrecoverable(t *testing.T) {
	ctx := t.Context()
	r := fixtures.NewRegistry()

	tests := []struct {
		name string
		rec  cqrs.SerializedEvent
	}{
		{"unknown type", cqrs.SerializedEvent{ID: uuid.New(), Type: "renamed", Data: []byte(`{}`), Metadata: []byte(`{"type":"renamed","version":1}`)}},
		{"unknown version", cqrs.SerializedEvent{ID: uuid.New(), Type: "opened", Data: []byte(`{}`), Metadata: []byte(`{"type":"opened","version":7}`)}},
		{"malformed payload", cqrs.SerializedEvent{ID: uuid.New(), Type: "opened", Data: []byte(`{`), Metadata: []byte(`{"type":"opened","version":1}`)}},
		{"malformed metadata", cqrs.SerializedEvent{ID: uuid.New(), Type: "opened", Data: []byte(`{}`), Metadata: []byte(`[`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if events := r.Decode(ctx, "acc-1", cqrs.GlobalScope, tt.rec); len(events) != 0 {
				t.Fatalf("expected no events, got %d", len(events))
			}
		})
	}
}

type legacyTransfer struct {
	AccountID string `json:"accountId"`
	Amount    int    `json:"amount"`
}

func TestUpcaster(t *testing.T) {
	ctx := t.Context()
	r := fixtures.NewRegistry()
	err := cqrs.RegisterUpcaster(r, cqrs.GlobalScope, "transferred", 1, func(old legacyTransfer, _ *cqrs.Metadata) []cqrs.Event {
		if old.Amount == 0 {
			return nil
		}
		return []cqrs.Event{
			&fixtures.Withdrawn{AccountID: old.AccountID, Amount: old.Amount},
			&fixtures.Deposited{AccountID: old.AccountID, Amount: old.Amount},
		}
	}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rec := cqrs.SerializedEvent{
		ID:       uuid.New(),
		Type:     "transferred",
		Data:     []byte(`{"accountId":"acc-1","amount":4}`),
		Metadata: []byte(`{"type":"transferred","version":1}`),
		Revision: 3,
	}
	events := r.Decode(ctx, "acc-1", cqrs.GlobalScope, rec)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventID() != rec.ID {
		t.Fatalf("expected first event to keep the record id")
	}
	if want := uuid.NewSHA1(rec.ID, []byte(strconv.Itoa(1))); events[1].EventID() != want {
		t.Fatalf("expected derived id %s, got %s", want, events[1].EventID())
	}
	if events[1].EventMetadata().StreamRevision() != 3 {
		t.Fatalf("expected both events to share the record revision")
	}

	rec.Data = []byte(`{"accountId":"acc-1","amount":0}`)
	if events := r.Decode(ctx, "acc-1", cqrs.GlobalScope, rec); len(events) != 0 {
		t.Fatalf("expected the tombstoned record to yield nothing, got %d", len(events))
	}
}

func TestScopedDecoderFallsBackToGlobal(t *testing.T) {
	ctx := t.Context()
	r := fixtures.NewRegistry()
	scope := cqrs.ScopeOf(&fixtures.SnapshotAccount{})

	err := r.RegisterDecoder(scope, "opened", 1, func(payload []byte, _ *cqrs.Metadata) ([]cqrs.Event, error) {
		return []cqrs.Event{&fixtures.Opened{Owner: "scoped"}}, nil
	}, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	opened, err := r.Encode(ctx, "acc-1", fixtures.For("acc-1").Opened("ann"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	deposited, err := r.Encode(ctx, "acc-1", fixtures.For("acc-1").Deposited(1))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if got := r.Decode(ctx, "acc-1", scope, opened)[0].(*fixtures.Opened); got.Owner != "scoped" {
		t.Fatalf("expected the scoped decoder, got owner %q", got.Owner)
	}
	if got := r.Decode(ctx, "acc-1", cqrs.GlobalScope, opened)[0].(*fixtures.Opened); got.Owner != "ann" {
		t.Fatalf("expected the global decoder, got owner %q", got.Owner)
	}
	if events := r.Decode(ctx, "acc-1", scope, deposited); len(events) != 1 {
		t.Fatalf("expected fallback to the global decoder, got %d events", len(events))
	}
}

func TestEncryptedEvents(t *testing.T) {
	ctx := t.Context()
	ks := keystorememory.NewKeyStore()
	r := cqrs.NewRegistry()
	if err := fixtures.RegisterEvents(r, cqrs.Encrypted(ks)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rec, err := r.Encode(ctx, "acc-1", fixtures.For("acc-1").Opened("ann"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if strings.Contains(string(rec.Data), "ann") {
		t.Fatalf("expected an encrypted payload, got %s", rec.Data)
	}

	events := r.Decode(ctx, "acc-1", cqrs.GlobalScope, rec)
	if len(events) != 1 || events[0].(*fixtures.Opened).Owner != "ann" {
		t.Fatalf("expected the decrypted event, got %v", events)
	}
	if events := r.Decode(ctx, "acc-2", cqrs.GlobalScope, rec); len(events) != 0 {
		t.Fatal("expected another scope not to decrypt the payload")
	}

	if err := ks.Destroy(ctx, "acc-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if events := r.Decode(ctx, "acc-1", cqrs.GlobalScope, rec); len(events) != 0 {
		t.Fatalf("expected no events after the key was destroyed, got %d", len(events))
	}
}

func TestWireName(t *testing.T) {
	if got := cqrs.WireName(&fixtures.Deposited{}); got != "deposited" {
		t.Fatalf("expected deposited, got %q", got)
	}
	if got := cqrs.TypeName(&fixtures.Deposited{}); got != "Deposited" {
		t.Fatalf("expected Deposited, got %q", got)
	}
}
