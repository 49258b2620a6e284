package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/consistency"
)

var _ consistency.EventStore = (*FilesStore)(nil)

// FilesStore keeps one directory per stream and one JSON file per record,
// named by its zero-padded revision.
type FilesStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileStore(dir string) (*FilesStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %q: %w", dir, err)
	}
	return &FilesStore{baseDir: dir}, nil
}

func (f *FilesStore) streamDir(stream string) (string, error) {
	if stream == "" || stream == "." || stream == ".." {
		return "", fmt.Errorf("invalid stream name %q", stream)
	}
	return filepath.Join(f.baseDir, url.PathEscape(stream)), nil
}

func (f *FilesStore) Append(ctx context.Context, stream string, expected consistency.ExpectedVersion, records []consistency.SerializedEvent) (int64, error) {
	sdir, err := f.streamDir(stream)
	if err != nil {
		return -1, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	revisions, err := listRevisions(sdir)
	if err != nil {
		return -1, fmt.Errorf("append to stream %q: %w", stream, err)
	}
	last := int64(len(revisions)) - 1
	if err := consistency.CheckExpected(stream, expected, last); err != nil {
		return -1, err
	}
	if len(records) == 0 {
		return last, nil
	}

	if err := os.MkdirAll(sdir, 0o755); err != nil {
		return -1, fmt.Errorf("append to stream %q: %w", stream, err)
	}

	// Records are staged as temp files and renamed in order; a failed batch
	// removes whatever it already renamed.
	staged := make([]string, 0, len(records))
	defer func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}()
	for i, rec := range records {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		default:
		}

		data, err := json.Marshal(storedRecord{
			ID:         rec.ID,
			Stream:     stream,
			Type:       rec.Type,
			Data:       rec.Data,
			Metadata:   rec.Metadata,
			Revision:   last + 1 + int64(i),
			RecordedAt: consistency.Now(),
		})
		if err != nil {
			return -1, fmt.Errorf("append to stream %q: %w", stream, err)
		}

		tmp, err := os.CreateTemp(sdir, ".staged-*")
		if err != nil {
			return -1, fmt.Errorf("append to stream %q: %w", stream, err)
		}
		staged = append(staged, tmp.Name())
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return -1, fmt.Errorf("append to stream %q: %w", stream, err)
		}
		if err := tmp.Close(); err != nil {
			return -1, fmt.Errorf("append to stream %q: %w", stream, err)
		}
	}

	var written []string
	for i, tmp := range staged {
		path := filepath.Join(sdir, fileName(last+1+int64(i)))
		if err := os.Rename(tmp, path); err != nil {
			for _, p := range written {
				_ = os.Remove(p)
			}
			return -1, fmt.Errorf("append to stream %q: %w", stream, err)
		}
		written = append(written, path)
	}
	staged = nil

	return last + int64(len(records)), nil
}

func (f *FilesStore) ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	sdir, revisions, err := f.open(stream, onNotFound)
	if err != nil || revisions == nil {
		return consistency.EmptyIterator[consistency.SerializedEvent](), err
	}

	idx, _ := slices.BinarySearch(revisions, max(start, 0))
	return consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		if ctx.Err() != nil {
			return consistency.SerializedEvent{}, ctx.Err()
		}
		if idx >= len(revisions) {
			return consistency.SerializedEvent{}, io.EOF
		}
		rev := revisions[idx]
		idx++
		return readRecord(sdir, rev)
	}), nil
}

func (f *FilesStore) ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	sdir, revisions, err := f.open(stream, onNotFound)
	if err != nil || revisions == nil {
		return consistency.EmptyIterator[consistency.SerializedEvent](), err
	}

	idx := len(revisions) - 1
	yielded := 0
	return consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		if ctx.Err() != nil {
			return consistency.SerializedEvent{}, ctx.Err()
		}
		if idx < 0 || (maxCount > 0 && yielded >= maxCount) {
			return consistency.SerializedEvent{}, io.EOF
		}
		rev := revisions[idx]
		idx--
		yielded++
		return readRecord(sdir, rev)
	}), nil
}

func (f *FilesStore) Close() error {
	return nil
}

func (f *FilesStore) open(stream string, onNotFound consistency.NotFoundFunc) (string, []int64, error) {
	sdir, err := f.streamDir(stream)
	if err != nil {
		return "", nil, err
	}

	f.mu.Lock()
	revisions, err := listRevisions(sdir)
	f.mu.Unlock()
	if err != nil {
		return "", nil, fmt.Errorf("read stream %q: %w", stream, err)
	}
	if len(revisions) == 0 {
		if onNotFound != nil {
			onNotFound(stream)
		}
		return sdir, nil, nil
	}
	return sdir, revisions, nil
}

func listRevisions(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	revisions := make([]int64, 0, len(entries))
	for _, fi := range entries {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".json") {
			continue
		}
		rev, err := strconv.ParseInt(strings.TrimSuffix(fi.Name(), ".json"), 10, 64)
		if err != nil {
			continue
		}
		revisions = append(revisions, rev)
	}
	slices.Sort(revisions)
	return revisions, nil
}

func fileName(revision int64) string {
	return fmt.Sprintf("%010d.json", revision)
}

func readRecord(dir string, revision int64) (consistency.SerializedEvent, error) {
	path := filepath.Join(dir, fileName(revision))
	data, err := os.ReadFile(path)
	if err != nil {
		return consistency.SerializedEvent{}, fmt.Errorf("read record %q: %w", path, err)
	}

	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return consistency.SerializedEvent{}, fmt.Errorf("decode record %q: %w", path, err)
	}
	return consistency.SerializedEvent{
		ID:       stored.ID,
		Type:     stored.Type,
		Data:     stored.Data,
		Metadata: stored.Metadata,
		Stream:   stored.Stream,
		Revision: stored.Revision,
	}, nil
}

type storedRecord struct {
	ID         uuid.UUID `json:"event_id"`
	Stream     string    `json:"stream_id"`
	Type       string    `json:"event_type"`
	Data       []byte    `json:"data"`
	Metadata   []byte    `json:"metadata"`
	Revision   int64     `json:"revision"`
	RecordedAt time.Time `json:"recorded_at"`
}
