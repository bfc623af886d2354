package cardscan

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome of a send attempt.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// SendRecord is one journal entry. The journal is an audit log of finished
// send attempts; nothing is ever re-sent from it.
type SendRecord struct {
	ID        int64
	Title     string
	Filename  string
	Pages     int
	Bytes     int
	TaskID    string
	Outcome   string
	Kind      ErrorKind
	Message   string
	BaseURL   string
	CreatedAt time.Time
}

// Store wraps the SQLite send journal.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database at path, ensures the data
// directory exists, and creates the schema.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL lets the history page read while a send is being recorded; the
	// busy timeout makes writers wait instead of failing with SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA busy_timeout=5000;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		db.Close()
		return nil, err
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS sends (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    filename TEXT NOT NULL,
    pages INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    task_id TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    base_url TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sends_created_at ON sends(created_at);
`)
	return err
}

// RecordSend appends r to the journal and returns its id. A zero CreatedAt
// is set to the current time.
func (s *Store) RecordSend(r SendRecord) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO sends (title, filename, pages, bytes, task_id, outcome, kind, message, base_url, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Title, r.Filename, r.Pages, r.Bytes, r.TaskID, r.Outcome, string(r.Kind), r.Message, r.BaseURL,
		r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSends returns up to limit journal entries, newest first.
func (s *Store) ListSends(limit int) ([]SendRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, title, filename, pages, bytes, task_id, outcome, kind, message, base_url, created_at FROM sends ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SendRecord
	for rows.Next() {
		var r SendRecord
		var kind, created string
		if err := rows.Scan(&r.ID, &r.Title, &r.Filename, &r.Pages, &r.Bytes, &r.TaskID, &r.Outcome, &kind, &r.Message, &r.BaseURL, &created); err != nil {
			return nil, err
		}
		r.Kind = ErrorKind(kind)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountSends returns the number of journal entries with the given outcome,
// or all entries when outcome is empty.
func (s *Store) CountSends(outcome string) (int, error) {
	var n int
	var err error
	if outcome == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM sends`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM sends WHERE outcome = ?`, outcome).Scan(&n)
	}
	return n, err
}
