package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	_ "modernc.org/sqlite"
)

// Session is one listen session as recorded in the journal.
type Session struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Reason    string
	Frames    int
	Partials  int
	Finals    int
	Error     string
}

// Ended reports whether the session has been closed out.
func (s Session) Ended() bool { return !s.EndedAt.IsZero() }

// Event is a lifecycle entry attached to a session.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite-backed session journal. In ephemeral mode every
// write is a no-op and no database is opened.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS listen_sessions (
    session_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    reason TEXT,
    frames INTEGER NOT NULL DEFAULT 0,
    partials INTEGER NOT NULL DEFAULT 0,
    finals INTEGER NOT NULL DEFAULT 0,
    error TEXT
);
CREATE TABLE IF NOT EXISTS session_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES listen_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy pings the database. An ephemeral store is always healthy.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// BeginSession inserts a session row stamped with the current time.
func (s *Store) BeginSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listen_sessions(session_id, started_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC())
	return err
}

// EndSession records the outcome of a session.
func (s *Store) EndSession(ctx context.Context, sess Session) error {
	if s.disabled() {
		return nil
	}
	if sess.EndedAt.IsZero() {
		sess.EndedAt = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE listen_sessions
		 SET ended_at = ?, reason = ?, frames = ?, partials = ?, finals = ?, error = ?
		 WHERE session_id = ?`,
		sess.EndedAt.UTC(), sess.Reason, sess.Frames, sess.Partials, sess.Finals, sess.Error, sess.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", sess.ID)
	}
	return nil
}

// AppendEvent writes a lifecycle event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.SessionID == "" || evt.Type == "" {
		return errors.New("event requires session id and type")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt.UTC())
	return err
}

// ListSessions returns up to limit sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, started_at, ended_at, COALESCE(reason, ''), frames, partials, finals, COALESCE(error, '')
		 FROM listen_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var ended sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &ended, &sess.Reason, &sess.Frames, &sess.Partials, &sess.Finals, &sess.Error); err != nil {
			return nil, err
		}
		if ended.Valid {
			sess.EndedAt = ended.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionEvents retrieves up to limit events for a session in insertion order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM session_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention. Deleting a session cascades to its events.
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
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM listen_sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM listen_sessions WHERE session_id IN (
			SELECT session_id FROM listen_sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
