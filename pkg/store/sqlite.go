package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// dataDirName is the directory under XDG_DATA_HOME holding the database.
const dataDirName = "verdict"

var (
	// ErrNotFound is returned when a referenced device or policy does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Store persists devices, policies, appraisals and their audit trails.
type Store struct {
	db *sql.DB
}

// Tx is a unit of work. Every read and write made through a Tx is committed
// or rolled back together.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// DefaultPath returns the default database path following XDG spec.
func DefaultPath() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, dataDirName, dataDirName+".db")
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writers and keeps the per-connection
	// pragmas below in effect for every transaction.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Without this, a second process writing the same file (the CLI in
	// local mode) gets SQLITE_BUSY immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate creates the schema if it doesn't exist and applies migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hwid TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		attributes TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL DEFAULT 'new',
		cookie TEXT UNIQUE,
		public_key BLOB,
		last_quote_at INTEGER,
		last_nonce BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_hwid ON devices(hwid);

	CREATE TABLE IF NOT EXISTS policies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		cookie TEXT UNIQUE,
		kind TEXT NOT NULL,
		valid_from INTEGER,
		valid_until INTEGER,
		revoked INTEGER NOT NULL DEFAULT 0,
		pcr_template TEXT NOT NULL DEFAULT '[]',
		fw_template TEXT NOT NULL DEFAULT '[]',
		pcrs TEXT NOT NULL DEFAULT '{}',
		firmware TEXT NOT NULL DEFAULT '{}',
		fw_overrides TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_policies (
		device_id INTEGER NOT NULL REFERENCES devices(id),
		policy_id INTEGER NOT NULL REFERENCES policies(id),
		PRIMARY KEY (device_id, policy_id)
	);
	CREATE INDEX IF NOT EXISTS idx_device_policies_policy ON device_policies(policy_id);

	CREATE TABLE IF NOT EXISTS device_replacements (
		old_id INTEGER NOT NULL REFERENCES devices(id),
		new_id INTEGER NOT NULL REFERENCES devices(id),
		PRIMARY KEY (old_id, new_id)
	);
	CREATE INDEX IF NOT EXISTS idx_device_replacements_new ON device_replacements(new_id);

	CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER REFERENCES devices(id),
		policy_id INTEGER REFERENCES policies(id),
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		actor TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_changes_device ON changes(device_id);
	CREATE INDEX IF NOT EXISTS idx_changes_policy ON changes(policy_id);

	CREATE TABLE IF NOT EXISTS appraisals (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		device_id INTEGER NOT NULL REFERENCES devices(id),
		policy_id INTEGER,
		received INTEGER NOT NULL,
		expires INTEGER NOT NULL,
		verdict INTEGER NOT NULL,
		evidence TEXT NOT NULL,
		report TEXT,
		annotations TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_appraisals_device ON appraisals(device_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		severity INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_type ON audit_log(type);

	CREATE TABLE IF NOT EXISTS issuer_keys (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		sealed_key BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive migrations; errors ignored if the column already exists.
	migrations := []string{
		`ALTER TABLE policies ADD COLUMN firmware TEXT NOT NULL DEFAULT '{}'`,
		`ALTER TABLE devices ADD COLUMN last_nonce BLOB`,
	}
	for _, m := range migrations {
		s.db.Exec(m)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
// This should only be used in tests to manipulate state for testing edge cases.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Update runs fn inside a read-write transaction. The transaction commits if
// fn returns nil and rolls back otherwise; the error from fn is returned
// unchanged.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{ctx: ctx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View runs fn inside a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	return fn(&Tx{ctx: ctx, tx: tx})
}

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Tx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// queryIDs collects a single integer column.
func (t *Tx) queryIDs(query string, args ...any) ([]int64, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJSON(src string, dst any) error {
	if src == "" {
		return nil
	}
	return json.Unmarshal([]byte(src), dst)
}
