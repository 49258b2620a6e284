package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	es "github.com/terraskye/consistency"
	"github.com/terraskye/consistency/config"
	"github.com/terraskye/consistency/eventstore/disk"
	kurrentstore "github.com/terraskye/consistency/eventstore/kurrentdb"
	"github.com/terraskye/consistency/eventstore/memory"
	natsstore "github.com/terraskye/consistency/eventstore/nats"
	sqlitestore "github.com/terraskye/consistency/eventstore/sqlite"
	"github.com/terraskye/consistency/examples/user"
	"github.com/terraskye/consistency/internal/natsconn"
	"github.com/terraskye/consistency/keystore"
	keystorememory "github.com/terraskye/consistency/keystore/memory"
	keystorenats "github.com/terraskye/consistency/keystore/nats"
	keystoresqlite "github.com/terraskye/consistency/keystore/sqlite"
	"github.com/terraskye/consistency/logging"
	"github.com/terraskye/consistency/otel"
)

// app is the wired user domain behind the CLI.
type app struct {
	bus     *es.CommandBus
	repo    *es.DualStreamRepository[*user.User]
	keys    *keystore.KeyStore
	tokens  *tokenRecorder
	closers []func() error
}

// tokenRecorder remembers the last token issued so the CLI can print it
// in place of sending an email.
type tokenRecorder struct {
	mu     sync.Mutex
	source user.TokenSource
	last   string
}

func (r *tokenRecorder) issue() (string, error) {
	token, err := r.source()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.last = token
	r.mu.Unlock()
	return token, nil
}

// Last returns and forgets the last issued token.
func (r *tokenRecorder) Last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	token := r.last
	r.last = ""
	return token
}

func newApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{tokens: &tokenRecorder{source: user.NanoidTokens(21)}}
	slogger := cfg.SlogLogger(logger.Out)
	connect := natsconn.Shared(natsconn.ConnectURL(cfg.NATSURL))

	store, err := openEventStore(ctx, cfg, connect, slogger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	keys, closeKeys, err := openKeyStore(ctx, cfg, connect, slogger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.keys = keys
	a.closers = append(a.closers, closeKeys)

	store = otel.WithEventStoreTelemetry(logging.WithEventStoreLogging(slogger, store))

	var registryOpts []es.CommandRegistryOption
	if cfg.RetryAttempts > 0 {
		attempts := cfg.RetryAttempts
		registryOpts = append(registryOpts, es.WithRetryStrategy(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), attempts)
		}))
	}
	commands := es.NewCommandRegistry(registryOpts...)
	registry := es.NewRegistry(es.WithRegistryLogger(slogger))

	handler := user.NewHandler(
		user.WithTokenSource(a.tokens.issue),
		user.WithMaxLoginAttempts(cfg.MaxLoginAttempts),
		user.WithLockoutPolicy(user.LockFor(cfg.LockoutPeriod)),
	)
	a.repo, err = user.Register(commands, registry, store, keys, handler,
		es.WithPrimaryBatchSize(cfg.PrimaryBatch),
		es.WithSecondaryWindow(es.ReadWindow{BatchSize: cfg.SecondaryBatch, MaxCount: cfg.SecondaryMax}),
		es.WithRepositoryLogger(slogger),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("register user domain: %w", err)
	}

	executor := logging.WithCommandLogging(
		logrus.NewEntry(logger),
		otel.WithExecutorTelemetry(commands),
	)
	a.bus = es.NewCommandBus(executor, cfg.CommandBuffer, cfg.CommandShards)
	return a, nil
}

func openEventStore(ctx context.Context, cfg config.Config, connect natsconn.Connector, log *slog.Logger) (es.EventStore, error) {
	switch cfg.EventStore {
	case config.EventStoreMemory:
		return memory.NewMemoryStore(), nil
	case config.EventStoreDisk:
		return disk.NewFileStore(cfg.DiskDir)
	case config.EventStoreSQLite:
		return sqlitestore.Open(ctx, cfg.SQLitePath)
	case config.EventStoreNATS:
		return natsstore.NewEventStore(ctx, natsstore.EventStoreConfig{
			Connect:    connect,
			Log:        log,
			StreamName: cfg.NATSStream,
		})
	case config.EventStoreKurrentDB:
		client, err := kurrentstore.Connect(cfg.KurrentDBURL)
		if err != nil {
			return nil, err
		}
		return kurrentstore.NewEventStore(client), nil
	default:
		return nil, fmt.Errorf("unknown event store %q", cfg.EventStore)
	}
}

func openKeyStore(ctx context.Context, cfg config.Config, connect natsconn.Connector, log *slog.Logger) (*keystore.KeyStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.KeyStore {
	case config.KeyStoreMemory:
		return keystorememory.NewKeyStore(keystore.WithLogger(log)), noop, nil
	case config.KeyStoreSQLite:
		backend, err := keystoresqlite.Open(ctx, cfg.KeySQLite)
		if err != nil {
			return nil, nil, err
		}
		return keystore.New(backend, keystore.WithLogger(log)), backend.Close, nil
	case config.KeyStoreNATS:
		backend, err := keystorenats.NewBackend(ctx, keystorenats.BackendConfig{
			Connect: connect,
			Bucket:  cfg.KeyBucket,
			Log:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		return keystore.New(backend, keystore.WithLogger(log)), backend.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown key store %q", cfg.KeyStore)
	}
}

// Close stops the bus and releases the backends in reverse order.
func (a *app) Close() error {
	if a.bus != nil {
		a.bus.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
