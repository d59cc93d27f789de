package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// End reasons recorded for a call.
const (
	ReasonHangup     = "hangup"
	ReasonDisconnect = "disconnect"
)

type Call struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  string     `json:"duration"`
	Reason    string     `json:"reason"`
	Turns     int        `json:"turns"`
}

type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// SQLiteStore keeps a log of calls and their spoken turns.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "voicecall.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			duration TEXT NOT NULL DEFAULT '00:00',
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			at TEXT NOT NULL,
			FOREIGN KEY(call_id) REFERENCES calls(id) ON DELETE CASCADE
		)`,
		"CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at)",
		"CREATE INDEX IF NOT EXISTS idx_turns_call_id ON turns(call_id, id)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) StartCall(id string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("call id is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO calls(id, started_at) VALUES(?, ?)`,
		id,
		startedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("start call %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) EndCall(id string, endedAt time.Time, duration, reason string) error {
	res, err := s.db.Exec(
		`UPDATE calls SET ended_at = ?, duration = ?, reason = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		duration,
		reason,
		id,
	)
	if err != nil {
		return fmt.Errorf("end call %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end call rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) AppendTurn(callID string, t Turn) error {
	_, err := s.db.Exec(
		`INSERT INTO turns(call_id, role, text, at) VALUES(?, ?, ?, ?)`,
		callID,
		t.Role,
		strings.TrimSpace(t.Text),
		t.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append turn for call %s: %w", callID, err)
	}
	return nil
}

const callColumns = `c.id, c.started_at, c.ended_at, c.duration, c.reason,
	(SELECT COUNT(*) FROM turns t WHERE t.call_id = c.id)`

func (s *SQLiteStore) GetCall(id string) (Call, error) {
	row := s.db.QueryRow(`SELECT `+callColumns+` FROM calls c WHERE c.id = ?`, id)
	c, err := scanCall(row)
	if err != nil {
		return Call{}, fmt.Errorf("query call %s: %w", id, err)
	}
	return c, nil
}

// RecentCalls lists calls newest first.
func (s *SQLiteStore) RecentCalls(limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+callColumns+` FROM calls c ORDER BY c.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	calls := make([]Call, 0, 16)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return calls, nil
}

func (s *SQLiteStore) GetTurns(callID string) ([]Turn, error) {
	rows, err := s.db.Query(
		`SELECT role, text, at FROM turns WHERE call_id = ? ORDER BY id ASC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns for call %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]Turn, 0, 32)
	for rows.Next() {
		var t Turn
		var at string
		if err := rows.Scan(&t.Role, &t.Text, &at); err != nil {
			return nil, fmt.Errorf("scan turn for call %s: %w", callID, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse turn timestamp for call %s: %w", callID, err)
		}
		t.At = parsed
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows for call %s: %w", callID, err)
	}
	return turns, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (Call, error) {
	var c Call
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&c.ID, &startedAt, &endedAt, &c.Duration, &c.Reason, &c.Turns); err != nil {
		return Call{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Call{}, fmt.Errorf("parse started_at: %w", err)
	}
	c.StartedAt = parsed
	if endedAt.Valid {
		end, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Call{}, fmt.Errorf("parse ended_at: %w", err)
		}
		c.EndedAt = &end
	}
	return c, nil
}
