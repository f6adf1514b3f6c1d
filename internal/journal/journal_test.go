package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-piper/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.JournalConfig{RetentionMode: "ephemeral"}
	js, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	if err := js.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := js.RecordStart(ctx, Session{SessionID: "s"}); err != nil {
		t.Fatalf("ephemeral record should be a no-op: %v", err)
	}
}

func TestRecordSessionTimeline(t *testing.T) {
	ctx := context.Background()
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "session"}
	js, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	sessionID := "session-123"
	if err := js.RecordStart(ctx, Session{SessionID: sessionID, RequestID: "req-1", TextLength: 5, Options: []byte(`{"speakerId":0}`)}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := js.RecordChunk(ctx, sessionID, 0, 512, []byte("hello")); err != nil {
		t.Fatalf("record chunk: %v", err)
	}
	if err := js.RecordFinish(ctx, sessionID, 1, nil); err != nil {
		t.Fatalf("record finish: %v", err)
	}

	events, err := js.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventStarted || events[1].Type != EventChunk || events[2].Type != EventDone {
		t.Fatalf("unexpected event order: %s %s %s", events[0].Type, events[1].Type, events[2].Type)
	}
	if events[1].Samples != 512 || string(events[1].Payload) != "hello" {
		t.Fatalf("unexpected chunk event: %+v", events[1])
	}

	sess, err := js.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != EventDone || sess.Chunks != 1 || sess.RequestID != "req-1" {
		t.Fatalf("unexpected session row: %+v", sess)
	}
	if sess.FinishedAt.IsZero() {
		t.Fatal("expected finished_at to be set")
	}
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "session"}
	js, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	if err := js.RecordStart(ctx, Session{SessionID: "s1", TextLength: 3}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := js.RecordFinish(ctx, "s1", 0, errors.New("inference failed")); err != nil {
		t.Fatalf("record finish: %v", err)
	}
	sess, err := js.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != EventFailed || sess.Error != "inference failed" {
		t.Fatalf("unexpected session row: %+v", sess)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	js, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	js.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := js.RecordStart(ctx, Session{SessionID: "old-session"}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := js.RecordChunk(ctx, "old-session", 0, 10, nil); err != nil {
		t.Fatalf("record chunk: %v", err)
	}

	js.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := js.RecordStart(ctx, Session{SessionID: "new-session"}); err != nil {
		t.Fatalf("record start: %v", err)
	}
	if err := js.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := js.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := js.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}
