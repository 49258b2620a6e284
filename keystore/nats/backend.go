// Package nats provides a key store backend on a JetStream key-value
// bucket.
package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/singleflight"

	"github.com/terraskye/consistency/internal/natsconn"
	"github.com/terraskye/consistency/keystore"
)

const defaultBucket = "consistency_keys"

type BackendConfig struct {
	Connect natsconn.Connector // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Bucket  string             // Bucket is the KV bucket name
	Log     *slog.Logger
}

// Backend stores data keys in a KV bucket. Concurrent lookups of the same
// scope share one round trip.
type Backend struct {
	kv      jetstream.KeyValue
	closeNc func()
	lookups singleflight.Group
	log     *slog.Logger
}

var _ keystore.Backend = (*Backend)(nil)

func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	connect := cfg.Connect
	if connect == nil {
		connect = natsconn.ConnectDefault()
	}
	nc, closeNc, err := connect()
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
		History: 1,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure kv bucket %s: %w", bucket, err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		kv:      kv,
		closeNc: closeNc,
		log:     log.With(slog.String("bucket", bucket)),
	}, nil
}

func (b *Backend) Close() error {
	b.closeNc()
	return nil
}

// keyFor maps an arbitrary scope id onto the KV key alphabet.
func keyFor(scopeID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(scopeID))
}

func (b *Backend) Get(ctx context.Context, scopeID string) ([]byte, error) {
	v, err, _ := b.lookups.Do(scopeID, func() (any, error) {
		entry, err := b.kv.Get(ctx, keyFor(scopeID))
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return nil, keystore.ErrKeyNotFound
			}
			return nil, err
		}
		return entry.Value(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (b *Backend) PutIfAbsent(ctx context.Context, scopeID string, key []byte) ([]byte, error) {
	if _, err := b.kv.Create(ctx, keyFor(scopeID), key); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return b.Get(ctx, scopeID)
		}
		return nil, err
	}
	b.log.DebugContext(ctx, "created data key", slog.String("scope", scopeID))
	return key, nil
}

func (b *Backend) Delete(ctx context.Context, scopeID string) error {
	err := b.kv.Purge(ctx, keyFor(scopeID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}
