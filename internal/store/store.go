package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/voiceline/internal/config"
	"github.com/loqalabs/voiceline/internal/protocol"
	"github.com/loqalabs/voiceline/internal/session"
	_ "modernc.org/sqlite"
)

// Fixed-width UTC layout so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is a recorded timeline entry.
type Event struct {
	ID          int64
	EventID     string
	CallID      string
	Kind        string
	Type        string
	Status      string
	AnswerIndex int
	Detail      string
	CreatedAt   time.Time
}

// User accumulates results per caller address.
type User struct {
	Caller       string
	SessionCount int
	AverageScore float64
	UpdatedAt    time.Time
}

// Store persists call sessions, caller records and the call event timeline
// in SQLite. It implements session.Store.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
	// mu serializes read-modify-write updates of session rows.
	mu sync.Mutex
}

// Open initializes the database at cfg.Path.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path must not be empty")
	}
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    call_id TEXT PRIMARY KEY,
    caller TEXT,
    kind TEXT NOT NULL,
    answer_cap INTEGER NOT NULL,
    step TEXT NOT NULL,
    status TEXT NOT NULL,
    questions TEXT NOT NULL,
    answers TEXT NOT NULL,
    aggregate REAL NOT NULL DEFAULT 0,
    no_input_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at);
CREATE TABLE IF NOT EXISTS users (
    caller TEXT PRIMARY KEY,
    session_count INTEGER NOT NULL,
    average_score REAL NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT,
    call_id TEXT NOT NULL,
    kind TEXT,
    event_type TEXT NOT NULL,
    status TEXT,
    answer_index INTEGER,
    detail TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_call_created ON events(call_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	questions, answers, err := encodeSlots(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(call_id, caller, kind, answer_cap, step, status, questions, answers, aggregate, no_input_count, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO NOTHING`,
		sess.CallID, sess.Caller, string(sess.Kind), sess.Cap, string(sess.Step), string(sess.Status),
		questions, answers, sess.Aggregate, sess.NoInputCount, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, callID string) (*session.Session, error) {
	return s.load(ctx, s.db, callID)
}

func (s *Store) Update(ctx context.Context, callID string, fn func(*session.Session) error) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sess, err := s.load(ctx, tx, callID)
	if err != nil {
		return nil, err
	}
	before := sess.Clone()
	if err := fn(sess); err != nil {
		return before, err
	}
	questions, answers, err := encodeSlots(sess)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET step = ?, status = ?, questions = ?, answers = ?, aggregate = ?, no_input_count = ?, updated_at = ?
		 WHERE call_id = ?`,
		string(sess.Step), string(sess.Status), questions, answers, sess.Aggregate, sess.NoInputCount,
		formatTime(sess.UpdatedAt), callID); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) Active(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`, string(session.StatusActive)).Scan(&n)
	return n, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) load(ctx context.Context, q queryer, callID string) (*session.Session, error) {
	var (
		sess                 session.Session
		kind, step, status   string
		questions, answers   string
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT call_id, caller, kind, answer_cap, step, status, questions, answers, aggregate, no_input_count, created_at, updated_at
		 FROM sessions WHERE call_id = ?`, callID).
		Scan(&sess.CallID, &sess.Caller, &kind, &sess.Cap, &step, &status, &questions, &answers,
			&sess.Aggregate, &sess.NoInputCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.Kind = session.Kind(kind)
	sess.Step = session.Step(step)
	sess.Status = session.Status(status)
	if err := json.Unmarshal([]byte(questions), &sess.Questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &sess.Answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func encodeSlots(sess *session.Session) (string, string, error) {
	questions := sess.Questions
	if questions == nil {
		questions = []session.Question{}
	}
	answers := sess.Answers
	if answers == nil {
		answers = []session.Answer{}
	}
	q, err := json.Marshal(questions)
	if err != nil {
		return "", "", fmt.Errorf("encode questions: %w", err)
	}
	a, err := json.Marshal(answers)
	if err != nil {
		return "", "", fmt.Errorf("encode answers: %w", err)
	}
	return string(q), string(a), nil
}

// RecordResult folds a finished session's score into the caller's rolling
// average.
func (s *Store) RecordResult(ctx context.Context, caller string, score float64) error {
	if caller == "" {
		return nil
	}
	now := formatTime(s.clock())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(caller, session_count, average_score, updated_at) VALUES(?, 1, ?, ?)
		 ON CONFLICT(caller) DO UPDATE SET
		   average_score = (users.average_score * users.session_count + excluded.average_score) / (users.session_count + 1),
		   session_count = users.session_count + 1,
		   updated_at = excluded.updated_at`,
		caller, score, now)
	if err != nil {
		return fmt.Errorf("record caller result: %w", err)
	}
	return nil
}

// User returns the record for caller.
func (s *Store) User(ctx context.Context, caller string) (User, error) {
	u := User{Caller: caller}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_count, average_score, updated_at FROM users WHERE caller = ?`, caller).
		Scan(&u.SessionCount, &u.AverageScore, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return u, session.ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.UpdatedAt = parseTime(updated)
	return u, nil
}

// AppendEvent writes a call event into the timeline.
func (s *Store) AppendEvent(ctx context.Context, evt protocol.CallEvent) error {
	created := evt.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(event_id, call_id, kind, event_type, status, answer_index, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.CallID, evt.Kind, evt.Type, evt.Status, evt.AnswerIndex, evt.Detail, formatTime(created))
	return err
}

// ListEvents retrieves up to limit events for a call ordered ascending by time.
func (s *Store) ListEvents(ctx context.Context, callID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, call_id, kind, event_type, status, answer_index, detail, created_at
		 FROM events WHERE call_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.EventID, &e.CallID, &e.Kind, &e.Type, &e.Status, &e.AnswerIndex, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention to terminal sessions and old events.
// Active sessions are never pruned.
func (s *Store) Prune(ctx context.Context) (err error) {
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
		cutoff := formatTime(s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE status != ? AND updated_at < ?`,
			string(session.StatusActive), cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE status != ? AND call_id IN (
			SELECT call_id FROM sessions ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, string(session.StatusActive), s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
