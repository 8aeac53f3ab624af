// Package tracestore persists instrumentation events in SQLite. Listeners
// write to per-worker BatchedStores that are committed in one transaction
// each; readers query the Store.
package tracestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite data access layer for recorded sessions.
type Store struct {
	db *sql.DB
}

var _ EventWriter = (*Store)(nil)

// NewStore opens a SQLite database at dbPath with WAL mode enabled. The
// path ":memory:" opens a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=ON"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sessions (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL,
  started_at      TIMESTAMP NOT NULL,
  ended_at        TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sources (
  id              INTEGER PRIMARY KEY,
  session_id      TEXT NOT NULL REFERENCES sessions(id),
  name            TEXT NOT NULL,
  language        TEXT,
  UNIQUE (session_id, name)
);

CREATE TABLE IF NOT EXISTS events (
  id              INTEGER PRIMARY KEY,
  session_id      TEXT NOT NULL REFERENCES sessions(id),
  source_id       INTEGER REFERENCES sources(id),
  binding         TEXT NOT NULL,
  kind            TEXT NOT NULL,
  root            TEXT,
  start_line      INTEGER,
  end_line        INTEGER,
  start_byte      INTEGER,
  end_byte        INTEGER,
  tags            TEXT,
  value           TEXT,
  error           TEXT,
  at              TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sources_session ON sources(session_id);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(session_id, kind);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source_id);
`

// --- Session operations ---

// CreateSession starts a new recording session with a random ID.
func (s *Store) CreateSession(name string) (*Session, error) {
	sess := &Session{ID: uuid.NewString(), Name: name, StartedAt: time.Now().UTC().Truncate(time.Millisecond)}
	_, err := s.db.Exec("INSERT INTO sessions (id, name, started_at) VALUES (?, ?, ?)",
		sess.ID, sess.Name, sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// EndSession marks a session finished.
func (s *Store) EndSession(id string) error {
	res, err := s.db.Exec("UPDATE sessions SET ended_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session: no session %q", id)
	}
	return nil
}

// Sessions returns all sessions, most recent first.
func (s *Store) Sessions() ([]*Session, error) {
	rows, err := s.db.Query("SELECT id, name, started_at, ended_at FROM sessions ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		sess := &Session{}
		var ended sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if ended.Valid {
			sess.EndedAt = &ended.Time
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LatestSession returns the most recently started session, or nil.
func (s *Store) LatestSession() (*Session, error) {
	all, err := s.Sessions()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// --- Source operations ---

// InsertSource records a source once per session and returns its ID.
func (s *Store) InsertSource(src *Source) (int64, error) {
	if _, err := s.db.Exec(
		"INSERT OR IGNORE INTO sources (session_id, name, language) VALUES (?, ?, ?)",
		src.SessionID, src.Name, src.Language,
	); err != nil {
		return 0, fmt.Errorf("insert source: %w", err)
	}
	err := s.db.QueryRow("SELECT id FROM sources WHERE session_id = ? AND name = ?",
		src.SessionID, src.Name).Scan(&src.ID)
	if err != nil {
		return 0, fmt.Errorf("source id: %w", err)
	}
	return src.ID, nil
}

// SourceByName returns the source recorded under name, or nil.
func (s *Store) SourceByName(sessionID, name string) (*Source, error) {
	src := &Source{}
	err := s.db.QueryRow(
		"SELECT id, session_id, name, language FROM sources WHERE session_id = ? AND name = ?",
		sessionID, name,
	).Scan(&src.ID, &src.SessionID, &src.Name, &src.Language)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("source by name: %w", err)
	}
	return src, nil
}

// --- Event operations ---

func (s *Store) InsertEvent(ev *Event) (int64, error) {
	res, err := s.db.Exec(insertEventSQL, eventArgs(ev)...)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	ev.ID = id
	return id, nil
}

const insertEventSQL = `INSERT INTO events (session_id, source_id, binding, kind, root,
	start_line, end_line, start_byte, end_byte, tags, value, error, at)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func eventArgs(ev *Event) []any {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return []any{
		ev.SessionID, ev.SourceID, ev.Binding, ev.Kind, ev.Root,
		ev.StartLine, ev.EndLine, ev.StartByte, ev.EndByte,
		marshalTags(ev.Tags), ev.Value, ev.Error, ev.At,
	}
}

// Events returns the events matching q in recording order.
func (s *Store) Events(q EventQuery) ([]*Event, error) {
	var where []string
	var args []any
	if q.SessionID != "" {
		where = append(where, "e.session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Kind != "" {
		where = append(where, "e.kind = ?")
		args = append(args, q.Kind)
	}
	if q.Binding != "" {
		where = append(where, "e.binding = ?")
		args = append(args, q.Binding)
	}
	query := `SELECT e.id, e.session_id, e.source_id, e.binding, e.kind, e.root,
		e.start_line, e.end_line, e.start_byte, e.end_byte, e.tags, e.value, e.error, e.at,
		COALESCE(src.name, '')
	 FROM events e LEFT JOIN sources src ON src.id = e.source_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var sourceID sql.NullInt64
		var root, tags, value, errText sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &sourceID, &ev.Binding, &ev.Kind, &root,
			&ev.StartLine, &ev.EndLine, &ev.StartByte, &ev.EndByte, &tags, &value, &errText, &ev.At,
			&ev.SourceName); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if sourceID.Valid {
			ev.SourceID = &sourceID.Int64
		}
		ev.Root, ev.Value, ev.Error = root.String, value.String, errText.String
		ev.Tags = unmarshalTags(tags.String)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByKind returns the number of events of each kind in a session.
func (s *Store) CountByKind(sessionID string) (map[string]int, error) {
	rows, err := s.db.Query("SELECT kind, COUNT(*) FROM events WHERE session_id = ? GROUP BY kind", sessionID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// marshalTags converts tags to JSON text for storage.
func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}
