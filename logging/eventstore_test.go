package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/terraskye/consistency"
	"github.com/terraskye/consistency/eventstore/eventstoretest"
	"github.com/terraskye/consistency/eventstore/memory"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestEventStoreLoggingConformance(t *testing.T) {
	eventstoretest.Run(t, func(t *testing.T) consistency.EventStore {
		logger, _ := newTestLogger()
		return WithEventStoreLogging(logger, memory.NewMemoryStore())
	})
}

func TestEventStoreLoggingAppend(t *testing.T) {
	logger, buf := newTestLogger()
	store := WithEventStoreLogging(logger, memory.NewMemoryStore())
	ctx := t.Context()

	if _, err := store.Append(ctx, "s", consistency.MustNotExist{}, eventstoretest.Records("created", 2)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := store.Append(ctx, "s", consistency.MustNotExist{}, eventstoretest.Records("created", 1)); err == nil {
		t.Fatal("expected a conflict")
	}

	lines := logLines(t, buf)
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d: %s", len(lines), buf)
	}
	if lines[1]["msg"] != "append succeeded" || lines[1]["revision"] != float64(1) {
		t.Fatalf("unexpected success line %v", lines[1])
	}
	if lines[3]["msg"] != "append rejected" || lines[3]["level"] != "WARN" {
		t.Fatalf("unexpected conflict line %v", lines[3])
	}
	if lines[0]["stream"] != "s" {
		t.Fatalf("expected the stream attribute, got %v", lines[0])
	}
}

func TestEventStoreLoggingNotFound(t *testing.T) {
	logger, buf := newTestLogger()
	store := WithEventStoreLogging(logger, memory.NewMemoryStore())

	called := false
	it, err := store.ReadForward(t.Context(), "missing", 0, 10, func(string) { called = true })
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := it.All(t.Context()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected the caller's onNotFound to run")
	}
	if !strings.Contains(buf.String(), "stream not found") {
		t.Fatalf("expected a not found line, got %s", buf)
	}
}
