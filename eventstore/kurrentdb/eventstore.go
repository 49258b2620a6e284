package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"github.com/terraskye/consistency"
)

type eventstore struct {
	client *kurrentdb.Client
}

// NewEventStore creates a KurrentDB-backed EventStore. Stream revisions map
// one to one onto KurrentDB stream revisions.
func NewEventStore(db *kurrentdb.Client) consistency.EventStore {
	return &eventstore{
		client: db,
	}
}

// Connect parses a KurrentDB connection string and creates the client.
func Connect(connectionString string) (*kurrentdb.Client, error) {
	settings, err := kurrentdb.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse kurrentdb connection string: %w", err)
	}
	client, err := kurrentdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("create kurrentdb client: %w", err)
	}
	return client, nil
}

func streamState(expected consistency.ExpectedVersion) (kurrentdb.StreamState, error) {
	switch v := expected.(type) {
	case nil, consistency.Any:
		return kurrentdb.Any{}, nil
	case consistency.MustNotExist:
		return kurrentdb.NoStream{}, nil
	case consistency.MustExist:
		return kurrentdb.StreamExists{}, nil
	case consistency.Revision:
		return kurrentdb.Revision(uint64(v)), nil
	default:
		return nil, fmt.Errorf("unsupported expected version %T", expected)
	}
}

func (e eventstore) Append(ctx context.Context, stream string, expected consistency.ExpectedVersion, records []consistency.SerializedEvent) (int64, error) {
	state, err := streamState(expected)
	if err != nil {
		return -1, fmt.Errorf("append to stream %q: %w", stream, err)
	}

	if len(records) == 0 {
		last, err := e.lastRevision(ctx, stream)
		if err != nil {
			return -1, err
		}
		if err := consistency.CheckExpected(stream, expected, last); err != nil {
			return -1, err
		}
		return last, nil
	}

	kevents := make([]kurrentdb.EventData, len(records))
	for i, rec := range records {
		kevents[i] = kurrentdb.EventData{
			EventID:     rec.ID,
			EventType:   rec.Type,
			ContentType: kurrentdb.ContentTypeBinary,
			Data:        rec.Data,
			Metadata:    rec.Metadata,
		}
	}

	result, err := e.client.AppendToStream(ctx, stream, kurrentdb.AppendToStreamOptions{
		StreamState: state,
	}, kevents...)
	if err != nil {
		if kerr, ok := kurrentdb.FromError(err); !ok && kerr.Code() == kurrentdb.ErrorCodeWrongExpectedVersion {
			last, lerr := e.lastRevision(ctx, stream)
			if lerr != nil {
				last = -1
			}
			return -1, consistency.NewConcurrencyConflict(stream, expected, last)
		}
		return -1, fmt.Errorf("append to stream %q: %w", stream, err)
	}

	return int64(result.NextExpectedVersion), nil
}

// lastRevision returns the revision of the last event, or -1 when the stream
// does not exist.
func (e eventstore) lastRevision(ctx context.Context, stream string) (int64, error) {
	it, err := e.ReadBackward(ctx, stream, 1, 1, consistency.IgnoreNotFound)
	if err != nil {
		return -1, err
	}
	if it.Next(ctx) {
		return it.Value().Revision, nil
	}
	return -1, it.Err()
}

func (e eventstore) ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	return e.read(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From: kurrentdb.StreamRevision{
			Value: uint64(max(start, 0)),
		},
	}, 0, onNotFound)
}

func (e eventstore) ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	return e.read(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Backwards,
		From:      kurrentdb.End{},
	}, maxCount, onNotFound)
}

// read streams records; count <= 0 reads to the end of the stream. The gRPC
// read is server-streamed, so no batching is applied.
func (e eventstore) read(ctx context.Context, stream string, opts kurrentdb.ReadStreamOptions, count int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	limit := ^uint64(0)
	if count > 0 {
		limit = uint64(count)
	}

	streamer, err := e.client.ReadStream(ctx, stream, opts, limit)
	if err != nil {
		if isNotFound(err) {
			if onNotFound != nil {
				onNotFound(stream)
			}
			return consistency.EmptyIterator[consistency.SerializedEvent](), nil
		}
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}

	first := true
	iter := consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		select {
		case <-ctx.Done():
			streamer.Close()
			return consistency.SerializedEvent{}, ctx.Err()
		default:
		}

		kEvent, err := streamer.Recv()
		if err != nil {
			streamer.Close()
			if errors.Is(err, io.EOF) {
				return consistency.SerializedEvent{}, io.EOF
			}
			if first && isNotFound(err) {
				if onNotFound != nil {
					onNotFound(stream)
				}
				return consistency.SerializedEvent{}, io.EOF
			}
			return consistency.SerializedEvent{}, fmt.Errorf("read stream %q: %w", stream, err)
		}
		first = false

		ev := kEvent.Event
		return consistency.SerializedEvent{
			ID:       ev.EventID,
			Type:     ev.EventType,
			Data:     ev.Data,
			Metadata: ev.UserMetadata,
			Stream:   ev.StreamID,
			Revision: int64(ev.EventNumber),
		}, nil
	})

	return iter, nil
}

func isNotFound(err error) bool {
	kerr, ok := kurrentdb.FromError(err)
	return !ok && kerr.Code() == kurrentdb.ErrorCodeResourceNotFound
}

func (e eventstore) Close() error {
	return e.client.Close()
}
