// Package eventstore keeps an audit trail of turns in SQLite. Only stage
// metadata is recorded; query, answer and audio never reach the store.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/minerlex/internal/config"
	_ "modernc.org/sqlite"
)

// Turn summarises one pipeline run.
type Turn struct {
	TurnID            string
	Source            string
	Language          string
	State             string
	FailureKind       string
	TranslationStatus string
	SpeechStatus      string
	Voice             string
	Duration          time.Duration
	CreatedAt         time.Time
	CompletedAt       time.Time
}

// Event is one state transition within a turn.
type Event struct {
	ID        int64
	TurnID    string
	TraceID   string
	State     string
	Detail    string
	CreatedAt time.Time
}

// Store wraps a SQLite-backed turn log.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode returns a
// store that records nothing.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
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
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    source TEXT,
    language TEXT,
    state TEXT NOT NULL,
    failure_kind TEXT,
    translation_status TEXT,
    speech_status TEXT,
    voice TEXT,
    duration_ms INTEGER,
    created_at INTEGER NOT NULL,
    completed_at INTEGER
);
CREATE TABLE IF NOT EXISTS turn_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL,
    trace_id TEXT,
    state TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(turn_id) REFERENCES turns(turn_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turn_events_turn_created ON turn_events(turn_id, created_at);
CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginTurn inserts the turn row.
func (s *Store) BeginTurn(ctx context.Context, t Turn) error {
	if !s.enabled() {
		return nil
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, source, language, state, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET source=excluded.source, language=excluded.language, state=excluded.state`,
		t.TurnID, t.Source, t.Language, t.State, t.CreatedAt.UnixNano())
	return err
}

// FinishTurn records the terminal state and stage outcomes.
func (s *Store) FinishTurn(ctx context.Context, t Turn) error {
	if !s.enabled() {
		return nil
	}
	if t.CompletedAt.IsZero() {
		t.CompletedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET state=?, failure_kind=?, translation_status=?, speech_status=?, voice=?, duration_ms=?, completed_at=?
		 WHERE turn_id=?`,
		t.State, t.FailureKind, t.TranslationStatus, t.SpeechStatus, t.Voice, t.Duration.Milliseconds(), t.CompletedAt.UnixNano(), t.TurnID)
	return err
}

// AppendEvent writes a transition into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_events(turn_id, trace_id, state, detail, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.TurnID, evt.TraceID, evt.State, evt.Detail, evt.CreatedAt.UnixNano())
	return err
}

// GetTurn loads one turn. sql.ErrNoRows is returned for unknown IDs.
func (s *Store) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	if !s.enabled() {
		return Turn{}, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE turn_id = ?`, turnID)
	return scanTurn(row)
}

// RecentTurns lists the newest turns first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+turnColumns+` FROM turns ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ListTurnEvents retrieves up to limit events for a turn in time order.
func (s *Store) ListTurnEvents(ctx context.Context, turnID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, trace_id, state, detail, created_at
		 FROM turn_events WHERE turn_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, turnID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			trace   sql.NullString
			detail  sql.NullString
			created int64
		)
		if err := rows.Scan(&e.ID, &e.TurnID, &trace, &e.State, &detail, &created); err != nil {
			return nil, err
		}
		e.TraceID, e.Detail = trace.String, detail.String
		e.CreatedAt = time.Unix(0, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

const turnColumns = `turn_id, source, language, state, failure_kind, translation_status, speech_status, voice, duration_ms, created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (Turn, error) {
	var (
		t                            Turn
		source, lang, failure, voice sql.NullString
		trStatus, spStatus           sql.NullString
		durationMS, completed        sql.NullInt64
		created                      int64
	)
	if err := row.Scan(&t.TurnID, &source, &lang, &t.State, &failure, &trStatus, &spStatus, &voice, &durationMS, &created, &completed); err != nil {
		return Turn{}, err
	}
	t.Source, t.Language, t.FailureKind = source.String, lang.String, failure.String
	t.TranslationStatus, t.SpeechStatus, t.Voice = trStatus.String, spStatus.String, voice.String
	t.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	t.CreatedAt = time.Unix(0, created)
	if completed.Valid {
		t.CompletedAt = time.Unix(0, completed.Int64)
	}
	return t, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
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

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM turn_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxTurns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE turn_id IN (
			SELECT turn_id FROM turns ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTurns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Healthy reports whether the database answers. An ephemeral store is
// always healthy.
func (s *Store) Healthy() bool {
	if !s.enabled() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}
