// Package nats provides an EventStore on NATS JetStream. Every stream maps
// to one subject of a single JetStream stream. One Append publishes one
// message holding the whole batch, and each message links back to the
// previous message of its subject so the tail can be read without
// scanning the subject from the start.
package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/google/uuid"
	"github.com/terraskye/consistency"
	"github.com/terraskye/consistency/internal/natsconn"
)

const (
	defaultSubjectPrefix = "consistency.es"
	defaultStreamName    = "CONSISTENCY_ES"

	headerFirstRevision = "x-first-revision"
	headerLastRevision  = "x-last-revision"
	headerPrevSeq       = "x-prev-seq"
)

type EventStoreConfig struct {
	Connect       natsconn.Connector // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger       // Log for diagnostics (optional)
	SubjectPrefix string             // SubjectPrefix is the prefix of every stream subject
	StreamName    string             // StreamName is the JetStream stream holding all records
}

type EventStore struct {
	nc            *natsgo.Conn
	closeNc       func()
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
}

var _ consistency.EventStore = (*EventStore)(nil)

func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = natsconn.ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}
	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subjectPrefix", subjectPrefix),
	)
	log.Debug("ensuring stream")

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		DenyDelete: true,
		DenyPurge:  true,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	return &EventStore{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
	}, nil
}

func (e *EventStore) Close() error {
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

// subjectFor encodes the stream name into a single subject token.
func (e *EventStore) subjectFor(stream string) string {
	return e.subjectPrefix + "." + base64.RawURLEncoding.EncodeToString([]byte(stream))
}

type wireRecord struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Data     []byte    `json:"data"`
	Metadata []byte    `json:"metadata"`
	Revision int64     `json:"revision"`
}

func headerInt(msg *jetstream.RawStreamMsg, key string) (int64, error) {
	v, err := strconv.ParseInt(msg.Header.Get(key), 10, 64)
	if err != nil {
		return -1, fmt.Errorf("sequence %d has no %s header: %w", msg.Sequence, key, err)
	}
	return v, nil
}

// prevSeq returns the sequence of the batch written before msg on the same
// subject, or 0 for the first batch.
func prevSeq(msg *jetstream.RawStreamMsg) (uint64, error) {
	v, err := strconv.ParseUint(msg.Header.Get(headerPrevSeq), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sequence %d has no %s header: %w", msg.Sequence, headerPrevSeq, err)
	}
	return v, nil
}

func decodeBatch(stream string, seq uint64, data []byte) ([]consistency.SerializedEvent, error) {
	var batch []wireRecord
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("read stream %q: decode sequence %d: %w", stream, seq, err)
	}
	out := make([]consistency.SerializedEvent, len(batch))
	for i, wire := range batch {
		out[i] = consistency.SerializedEvent{
			ID:       wire.ID,
			Type:     wire.Type,
			Data:     wire.Data,
			Metadata: wire.Metadata,
			Stream:   stream,
			Revision: wire.Revision,
		}
	}
	return out, nil
}

// lastMsg returns the newest batch of subject, or nil when there is none.
func (e *EventStore) lastMsg(ctx context.Context, subject string) (*jetstream.RawStreamMsg, error) {
	msg, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// tail returns the revision and stream sequence of the last batch of the
// subject, or -1 and 0 when there is none.
func (e *EventStore) tail(ctx context.Context, subject string) (int64, uint64, error) {
	msg, err := e.lastMsg(ctx, subject)
	if err != nil || msg == nil {
		return -1, 0, err
	}
	rev, err := headerInt(msg, headerLastRevision)
	if err != nil {
		return -1, 0, err
	}
	return rev, msg.Sequence, nil
}

// Append publishes records as a single message that expects the previous
// message of the subject, so a batch lands whole or not at all.
func (e *EventStore) Append(ctx context.Context, stream string, expected consistency.ExpectedVersion, records []consistency.SerializedEvent) (int64, error) {
	subject := e.subjectFor(stream)

	last, lastSeq, err := e.tail(ctx, subject)
	if err != nil {
		return -1, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	if err := consistency.CheckExpected(stream, expected, last); err != nil {
		return -1, err
	}
	if len(records) == 0 {
		return last, nil
	}

	batch := make([]wireRecord, len(records))
	for i, rec := range records {
		batch[i] = wireRecord{
			ID:       rec.ID,
			Type:     rec.Type,
			Data:     rec.Data,
			Metadata: rec.Metadata,
			Revision: last + 1 + int64(i),
		}
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return -1, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	first, newLast := last+1, last+int64(len(records))

	msg := natsgo.NewMsg(subject)
	msg.Header.Set(headerFirstRevision, strconv.FormatInt(first, 10))
	msg.Header.Set(headerLastRevision, strconv.FormatInt(newLast, 10))
	msg.Header.Set(headerPrevSeq, strconv.FormatUint(lastSeq, 10))
	msg.Data = data

	ack, err := e.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(records[0].ID.String()),
		jetstream.WithExpectLastSequencePerSubject(lastSeq),
	)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			actual, _, terr := e.tail(ctx, subject)
			if terr != nil {
				actual = last
			}
			return -1, consistency.NewConcurrencyConflict(stream, expected, actual)
		}
		return -1, fmt.Errorf("append to stream %q: publish revisions %d-%d: %w", stream, first, newLast, err)
	}
	if ack.Duplicate {
		return -1, fmt.Errorf("append to stream %q: record %s was already written", stream, records[0].ID)
	}

	e.log.Debug("appended",
		slog.String("subject", subject),
		slog.Int("records", len(records)),
		slog.Int64("revision", newLast),
		slog.Uint64("seq", ack.Sequence),
	)
	return newLast, nil
}

// ReadForward starts the consumer at the batch holding start. For start > 0
// the batch is found by following the back links from the tail.
func (e *EventStore) ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	subject := e.subjectFor(stream)
	tailMsg, err := e.lastMsg(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	if tailMsg == nil {
		if onNotFound != nil {
			onNotFound(stream)
		}
		return consistency.EmptyIterator[consistency.SerializedEvent](), nil
	}
	last, err := headerInt(tailMsg, headerLastRevision)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	if start > last {
		return consistency.EmptyIterator[consistency.SerializedEvent](), nil
	}

	consumerCfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if start > 0 {
		startSeq, err := e.seek(ctx, stream, tailMsg, start)
		if err != nil {
			return nil, err
		}
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = startSeq
	}

	cc, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}

	cursor := &cursor{
		stream:    stream,
		consumer:  cc,
		batchSize: consistency.ReadBatchSize(batchSize),
		endSeq:    tailMsg.Sequence,
	}
	return consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		for {
			rec, err := cursor.next(ctx)
			if err != nil {
				return consistency.SerializedEvent{}, err
			}
			if rec.Revision >= start {
				return rec, nil
			}
		}
	}), nil
}

// seek walks back from msg to the batch whose first revision is at or
// below rev and returns its sequence.
func (e *EventStore) seek(ctx context.Context, stream string, msg *jetstream.RawStreamMsg, rev int64) (uint64, error) {
	for {
		first, err := headerInt(msg, headerFirstRevision)
		if err != nil {
			return 0, fmt.Errorf("read stream %q: %w", stream, err)
		}
		prev, err := prevSeq(msg)
		if err != nil {
			return 0, fmt.Errorf("read stream %q: %w", stream, err)
		}
		if first <= rev || prev == 0 {
			return msg.Sequence, nil
		}
		if msg, err = e.stream.GetMsg(ctx, prev); err != nil {
			return 0, fmt.Errorf("read stream %q: sequence %d: %w", stream, prev, err)
		}
	}
}

// ReadBackward follows the back links from the newest batch and loads one
// batch per hop; batchSize is not used.
func (e *EventStore) ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	subject := e.subjectFor(stream)
	tailMsg, err := e.lastMsg(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	if tailMsg == nil {
		if onNotFound != nil {
			onNotFound(stream)
		}
		return consistency.EmptyIterator[consistency.SerializedEvent](), nil
	}

	var page []consistency.SerializedEvent
	msg := tailMsg
	yielded := 0
	return consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		if maxCount > 0 && yielded >= maxCount {
			return consistency.SerializedEvent{}, io.EOF
		}
		for len(page) == 0 {
			if msg == nil {
				return consistency.SerializedEvent{}, io.EOF
			}
			if err := ctx.Err(); err != nil {
				return consistency.SerializedEvent{}, err
			}
			records, err := decodeBatch(stream, msg.Sequence, msg.Data)
			if err != nil {
				return consistency.SerializedEvent{}, err
			}
			prev, err := prevSeq(msg)
			if err != nil {
				return consistency.SerializedEvent{}, fmt.Errorf("read stream %q: %w", stream, err)
			}
			page = records
			msg = nil
			if prev != 0 {
				if msg, err = e.stream.GetMsg(ctx, prev); err != nil {
					return consistency.SerializedEvent{}, fmt.Errorf("read stream %q: sequence %d: %w", stream, prev, err)
				}
			}
		}
		rec := page[len(page)-1]
		page = page[:len(page)-1]
		yielded++
		return rec, nil
	}), nil
}

type cursor struct {
	stream    string
	consumer  jetstream.Consumer
	batchSize int
	endSeq    uint64
	page      []consistency.SerializedEvent
	done      bool
}

func (c *cursor) next(ctx context.Context) (consistency.SerializedEvent, error) {
	for len(c.page) == 0 {
		if c.done {
			return consistency.SerializedEvent{}, io.EOF
		}
		if err := c.fetch(ctx); err != nil {
			return consistency.SerializedEvent{}, err
		}
	}
	rec := c.page[0]
	c.page = c.page[1:]
	return rec, nil
}

func (c *cursor) fetch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	mb, err := c.consumer.FetchNoWait(c.batchSize)
	if err != nil {
		return fmt.Errorf("read stream %q: %w", c.stream, err)
	}

	empty := true
	for msg := range mb.Messages() {
		empty = false
		md, err := msg.Metadata()
		if err != nil {
			return fmt.Errorf("read stream %q: %w", c.stream, err)
		}
		records, err := decodeBatch(c.stream, md.Sequence.Stream, msg.Data())
		if err != nil {
			return err
		}
		c.page = append(c.page, records...)
		if md.Sequence.Stream >= c.endSeq {
			c.done = true
			break
		}
	}
	if err := mb.Error(); err != nil {
		return fmt.Errorf("read stream %q: %w", c.stream, err)
	}
	if empty {
		c.done = true
	}
	return nil
}
