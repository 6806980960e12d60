package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
)

const sqliteSchemaVersion = 1

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is a local database file, or ":memory:".
	Path string
}

// SQLiteStore persists updates in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) a SQLite-backed store.
//
// For file databases WAL and busy_timeout are applied, and the pool is
// pinned to one connection so concurrent pollers serialize their writes.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("session store path is required")
	}

	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
			// #nosec G301 -- data directories use 0755 for multi-user access compatibility
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping session store: %w", err)
	}
	if path != ":memory:" {
		if err := configureSQLite(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func configureSQLite(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO session_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS session_updates (
			key TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			job_type TEXT NOT NULL,
			update_id TEXT NOT NULL,
			status TEXT,
			response TEXT,
			saved_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_updates_job_id ON session_updates(job_id);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, stmt := range stmts {
		var err error
		if strings.Contains(stmt, "INSERT OR IGNORE INTO session_meta") {
			_, err = s.db.ExecContext(ctx, stmt, sqliteSchemaVersion, now)
		} else {
			_, err = s.db.ExecContext(ctx, stmt)
		}
		if err != nil {
			return fmt.Errorf("ensure session schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, u *Update) error {
	if err := validateUpdate(key, u); err != nil {
		return err
	}

	var status string
	var response sql.NullString
	if u.Response != nil {
		status = string(u.Response.Status)
		b, err := json.Marshal(u.Response)
		if err != nil {
			return fmt.Errorf("marshal session response: %w", err)
		}
		response = sql.NullString{String: string(b), Valid: true}
	}

	savedAt := u.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_updates (key, job_id, job_type, update_id, status, response, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			job_id = excluded.job_id,
			job_type = excluded.job_type,
			update_id = excluded.update_id,
			status = excluded.status,
			response = excluded.response,
			saved_at = excluded.saved_at;`,
		key, u.JobID, string(u.JobType), u.UpdateID, status, response, savedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write session update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Update, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT key, job_id, job_type, update_id, response, saved_at
		FROM session_updates WHERE key = ?;`, key)

	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e.Update, nil
}

func (s *SQLiteStore) List(ctx context.Context, pattern string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, job_id, job_type, update_id, response, saved_at
		FROM session_updates ORDER BY key;`)
	if err != nil {
		return nil, fmt.Errorf("list session updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		ok, err := matchKey(pattern, e.Key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list session updates: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		key, jobID, jobType, updateID, savedAt string
		response                               sql.NullString
	)
	if err := row.Scan(&key, &jobID, &jobType, &updateID, &response, &savedAt); err != nil {
		return Entry{}, err
	}

	u := &Update{
		JobID:    jobID,
		JobType:  jobstatus.JobType(jobType),
		UpdateID: updateID,
	}
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		u.SavedAt = t
	}
	if response.Valid && response.String != "" {
		if err := json.Unmarshal([]byte(response.String), &u.Response); err != nil {
			return Entry{}, fmt.Errorf("parse session response for %s: %w", key, err)
		}
	}
	return Entry{Key: key, Update: u}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
