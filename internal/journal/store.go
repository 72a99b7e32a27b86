// Package journal keeps a SQLite record of recordings, their utterance
// fragments and texts received by the local submit endpoint.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	_ "modernc.org/sqlite"
)

// Recording is one row of the recordings table.
type Recording struct {
	ID         string    `json:"id"`
	Language   string    `json:"language"`
	Device     string    `json:"device,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitempty"`
	Text       string    `json:"text"`
	Consumed   int       `json:"consumed"`
	Abandoned  int       `json:"abandoned"`
	Error      string    `json:"error,omitempty"`
	SinkStatus string    `json:"sink_status,omitempty"`
}

// Fragment is one recognized utterance of a recording.
type Fragment struct {
	RecordingID string    `json:"recording_id"`
	Seq         int       `json:"seq"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Outcome is what FinishRecording stores about a finished recording.
type Outcome struct {
	Text       string
	Consumed   int
	Abandoned  int
	Error      string
	SinkStatus string
	StoppedAt  time.Time
}

// Submission is a text received by the local submit endpoint.
type Submission struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the SQLite journal. With retention mode "ephemeral" it has no
// database and every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    id TEXT PRIMARY KEY,
    language TEXT NOT NULL,
    device TEXT,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER,
    text TEXT NOT NULL DEFAULT '',
    consumed INTEGER NOT NULL DEFAULT 0,
    abandoned INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    sink_status TEXT
);
CREATE TABLE IF NOT EXISTS fragments (
    recording_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY(recording_id, seq),
    FOREIGN KEY(recording_id) REFERENCES recordings(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS submissions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_started ON recordings(started_at);
CREATE INDEX IF NOT EXISTS idx_submissions_created ON submissions(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.disabled() {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// BeginRecording inserts the row for a new recording.
func (s *Store) BeginRecording(ctx context.Context, id, language, device string, startedAt time.Time) error {
	if s.disabled() {
		return nil
	}
	if startedAt.IsZero() {
		startedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(id, language, device, started_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, language, device, startedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert recording %s: %w", id, err)
	}
	return nil
}

// AppendFragment stores one utterance of a recording.
func (s *Store) AppendFragment(ctx context.Context, recordingID string, seq int, text string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fragments(recording_id, seq, text, created_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(recording_id, seq) DO UPDATE SET text=excluded.text`,
		recordingID, seq, text, s.clock().UnixNano())
	if err != nil {
		return fmt.Errorf("insert fragment %s/%d: %w", recordingID, seq, err)
	}
	return nil
}

// FinishRecording stores the final text and outcome of a recording.
func (s *Store) FinishRecording(ctx context.Context, id string, out Outcome) error {
	if s.disabled() {
		return nil
	}
	if out.StoppedAt.IsZero() {
		out.StoppedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET stopped_at=?, text=?, consumed=?, abandoned=?, error=?, sink_status=?
		 WHERE id=?`,
		out.StoppedAt.UnixNano(), out.Text, out.Consumed, out.Abandoned, nullString(out.Error), nullString(out.SinkStatus), id)
	if err != nil {
		return fmt.Errorf("update recording %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update recording %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RecordSubmission stores a text received by the submit endpoint.
func (s *Store) RecordSubmission(ctx context.Context, text string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions(text, created_at) VALUES(?, ?)`, text, s.clock().UnixNano())
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// ListRecordings returns up to limit recordings, newest first.
func (s *Store) ListRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, language, COALESCE(device, ''), started_at, COALESCE(stopped_at, 0), text,
		        consumed, abandoned, COALESCE(error, ''), COALESCE(sink_status, '')
		 FROM recordings ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var r Recording
		var started, stopped int64
		if err := rows.Scan(&r.ID, &r.Language, &r.Device, &started, &stopped, &r.Text,
			&r.Consumed, &r.Abandoned, &r.Error, &r.SinkStatus); err != nil {
			return nil, err
		}
		r.StartedAt = fromNanos(started)
		r.StoppedAt = fromNanos(stopped)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Fragments returns the utterances of a recording in order.
func (s *Store) Fragments(ctx context.Context, recordingID string) ([]Fragment, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT recording_id, seq, text, created_at FROM fragments
		 WHERE recording_id = ? ORDER BY seq ASC`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		var created int64
		if err := rows.Scan(&f.RecordingID, &f.Seq, &f.Text, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = fromNanos(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Submissions returns up to limit submitted texts, newest first.
func (s *Store) Submissions(ctx context.Context, limit int) ([]Submission, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, created_at FROM submissions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var sub Submission
		var created int64
		if err := rows.Scan(&sub.ID, &sub.Text, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = fromNanos(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM submissions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecordings > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE id IN (
			SELECT id FROM recordings ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecordings)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM submissions WHERE id IN (
			SELECT id FROM submissions ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecordings)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
