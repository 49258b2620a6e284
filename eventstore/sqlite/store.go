// Package sqlite provides a SQLite-backed EventStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/terraskye/consistency"
	"github.com/terraskye/consistency/eventstore/sqlite/migrations"
	"github.com/terraskye/consistency/internal/sqlitemigrate"
)

// Store persists streams in a single events table keyed by
// (stream, revision).
type Store struct {
	sqlDB *sql.DB
}

var _ consistency.EventStore = (*Store)(nil)

// Open opens a SQLite event store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path, migrations.FS, "")
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Append(ctx context.Context, stream string, expected consistency.ExpectedVersion, records []consistency.SerializedEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("append to stream %q: begin: %w", stream, err)
	}
	defer func() { _ = tx.Rollback() }()

	last, err := lastRevision(ctx, tx, stream)
	if err != nil {
		return -1, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	if err := consistency.CheckExpected(stream, expected, last); err != nil {
		return -1, err
	}
	if len(records) == 0 {
		return last, nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (
	    stream, revision, event_id, event_type, data, metadata, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return -1, fmt.Errorf("append to stream %q: prepare: %w", stream, err)
	}
	defer stmt.Close()

	recordedAt := consistency.Now().UTC().UnixMilli()
	for _, rec := range records {
		last++
		if _, err := stmt.ExecContext(ctx, stream, last, rec.ID.String(), rec.Type, rec.Data, rec.Metadata, recordedAt); err != nil {
			if sqlitemigrate.IsConstraintError(err) {
				return -1, consistency.NewConcurrencyConflict(stream, expected, last-1)
			}
			return -1, fmt.Errorf("append to stream %q: insert revision %d: %w", stream, last, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return -1, fmt.Errorf("append to stream %q: commit: %w", stream, err)
	}
	return last, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastRevision(ctx context.Context, q queryer, stream string) (int64, error) {
	var last sql.NullInt64
	if err := q.QueryRowContext(ctx, "SELECT MAX(revision) FROM events WHERE stream = ?", stream).Scan(&last); err != nil {
		return -1, err
	}
	if !last.Valid {
		return -1, nil
	}
	return last.Int64, nil
}

func (s *Store) ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	last, err := lastRevision(ctx, s.sqlDB, stream)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	if last < 0 {
		if onNotFound != nil {
			onNotFound(stream)
		}
		return consistency.EmptyIterator[consistency.SerializedEvent](), nil
	}

	next := max(start, 0)
	return s.pager(stream, consistency.ReadBatchSize(batchSize), 0, func(ctx context.Context, limit int) (*sql.Rows, error) {
		return s.sqlDB.QueryContext(ctx, `SELECT revision, event_id, event_type, data, metadata
		    FROM events WHERE stream = ? AND revision >= ? ORDER BY revision ASC LIMIT ?`, stream, next, limit)
	}, func(rev int64) { next = rev + 1 }), nil
}

func (s *Store) ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	last, err := lastRevision(ctx, s.sqlDB, stream)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	if last < 0 {
		if onNotFound != nil {
			onNotFound(stream)
		}
		return consistency.EmptyIterator[consistency.SerializedEvent](), nil
	}

	next := last
	return s.pager(stream, consistency.ReadBatchSize(batchSize), maxCount, func(ctx context.Context, limit int) (*sql.Rows, error) {
		return s.sqlDB.QueryContext(ctx, `SELECT revision, event_id, event_type, data, metadata
		    FROM events WHERE stream = ? AND revision <= ? ORDER BY revision DESC LIMIT ?`, stream, next, limit)
	}, func(rev int64) { next = rev - 1 }), nil
}

// pager yields rows page by page. query fetches the next page of at most
// limit rows and advance moves the cursor past a yielded revision.
func (s *Store) pager(
	stream string,
	batchSize, maxCount int,
	query func(ctx context.Context, limit int) (*sql.Rows, error),
	advance func(rev int64),
) *consistency.Iterator[consistency.SerializedEvent] {
	var (
		page    []consistency.SerializedEvent
		yielded int
		done    bool
	)
	return consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		if maxCount > 0 && yielded >= maxCount {
			return consistency.SerializedEvent{}, io.EOF
		}
		if len(page) == 0 {
			if done {
				return consistency.SerializedEvent{}, io.EOF
			}
			limit := batchSize
			if maxCount > 0 {
				limit = min(limit, maxCount-yielded)
			}
			var err error
			page, err = fetch(ctx, stream, limit, query)
			if err != nil {
				return consistency.SerializedEvent{}, err
			}
			done = len(page) < limit
			if len(page) == 0 {
				return consistency.SerializedEvent{}, io.EOF
			}
		}
		rec := page[0]
		page = page[1:]
		advance(rec.Revision)
		yielded++
		return rec, nil
	})
}

func fetch(ctx context.Context, stream string, limit int, query func(ctx context.Context, limit int) (*sql.Rows, error)) ([]consistency.SerializedEvent, error) {
	rows, err := query(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	defer rows.Close()

	var page []consistency.SerializedEvent
	for rows.Next() {
		var (
			rec consistency.SerializedEvent
			id  string
		)
		if err := rows.Scan(&rec.Revision, &id, &rec.Type, &rec.Data, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("read stream %q: scan: %w", stream, err)
		}
		rec.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("read stream %q: revision %d: %w", stream, rec.Revision, err)
		}
		rec.Stream = stream
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	return page, nil
}
