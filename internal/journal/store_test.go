package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "session"
	}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.BeginRecording(ctx, "r1", "en", "", time.Time{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := st.FinishRecording(ctx, "r1", Outcome{Text: "x"}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	recs, err := st.ListRecordings(ctx, 10)
	if err != nil || recs != nil {
		t.Fatalf("expected no rows in ephemeral mode, got %v %v", recs, err)
	}
	if !st.Healthy(ctx) {
		t.Fatal("expected ephemeral store healthy")
	}
}

func TestRecordingLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t, config.JournalConfig{})

	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := st.BeginRecording(ctx, "rec-1", "en", "mic", started); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := st.AppendFragment(ctx, "rec-1", 2, "world"); err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if err := st.AppendFragment(ctx, "rec-1", 1, "hello"); err != nil {
		t.Fatalf("fragment: %v", err)
	}
	err := st.FinishRecording(ctx, "rec-1", Outcome{
		Text:       "hello world",
		Consumed:   5,
		Abandoned:  1,
		SinkStatus: "ok",
		StoppedAt:  started.Add(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	recs, err := st.ListRecordings(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(recs))
	}
	r := recs[0]
	if r.Text != "hello world" || r.Consumed != 5 || r.Abandoned != 1 || r.SinkStatus != "ok" {
		t.Fatalf("unexpected recording %+v", r)
	}
	if !r.StartedAt.Equal(started) || r.StoppedAt.Sub(r.StartedAt) != 3*time.Second {
		t.Fatalf("unexpected timestamps %v %v", r.StartedAt, r.StoppedAt)
	}

	frags, err := st.Fragments(ctx, "rec-1")
	if err != nil {
		t.Fatalf("fragments: %v", err)
	}
	if len(frags) != 2 || frags[0].Text != "hello" || frags[1].Text != "world" {
		t.Fatalf("unexpected fragments %+v", frags)
	}
}

func TestFinishUnknownRecording(t *testing.T) {
	st := openTemp(t, config.JournalConfig{})
	if err := st.FinishRecording(context.Background(), "missing", Outcome{}); err == nil {
		t.Fatal("expected error for unknown recording")
	}
}

func TestSubmissions(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t, config.JournalConfig{})
	for _, text := range []string{"one", "two", "three"} {
		if err := st.RecordSubmission(ctx, text); err != nil {
			t.Fatalf("record submission: %v", err)
		}
	}
	subs, err := st.Submissions(ctx, 2)
	if err != nil {
		t.Fatalf("submissions: %v", err)
	}
	if len(subs) != 2 || subs[0].Text != "three" || subs[1].Text != "two" {
		t.Fatalf("unexpected submissions %+v", subs)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t, config.JournalConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRecordings: 1})

	st.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := st.BeginRecording(ctx, "old", "en", "", time.Time{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := st.AppendFragment(ctx, "old", 1, "stale"); err != nil {
		t.Fatalf("fragment: %v", err)
	}

	st.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := st.BeginRecording(ctx, "mid", "en", "", st.clock().Add(-time.Hour)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := st.BeginRecording(ctx, "new", "en", "", time.Time{}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := st.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	recs, err := st.ListRecordings(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "new" {
		t.Fatalf("expected only newest recording kept, got %+v", recs)
	}
	frags, err := st.Fragments(ctx, "old")
	if err != nil {
		t.Fatalf("fragments: %v", err)
	}
	if len(frags) != 0 {
		t.Fatalf("expected fragments of pruned recording removed")
	}
}
