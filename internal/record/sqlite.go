package record

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/ensrun/internal/logging"

	_ "modernc.org/sqlite"
)

// schema contains the DDL for the record tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		slot        TEXT PRIMARY KEY,
		record_type TEXT NOT NULL,
		data        BLOB NOT NULL,
		digest      TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at)`,
}

// SQLiteStore keeps records in a single SQLite database file that every
// task of the ensemble can open.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.OrDiscard(logger).With("component", "record-sqlite"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// NewSQLiteTransmitter binds slot to store.
func NewSQLiteTransmitter(slot string, store *SQLiteStore) (Transmitter, error) {
	return newSlotTransmitter(slot, store)
}

// Slots returns the stored slot names in creation order.
func (s *SQLiteStore) Slots(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot FROM records ORDER BY created_at, slot`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	var slots []string
	for rows.Next() {
		var slot string
		if err := rows.Scan(&slot); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func (s *SQLiteStore) get(ctx context.Context, slot string) (stored, bool, error) {
	s.logger.Debug("sql", "op", "select", "table", "records", "slot", slot)
	var v stored
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_type, data, digest FROM records WHERE slot = ?`, slot,
	).Scan(&typ, &v.data, &v.digest)
	if err == sql.ErrNoRows {
		return stored{}, false, nil
	}
	if err != nil {
		return stored{}, false, fmt.Errorf("get record %s: %w", slot, err)
	}
	v.typ = Type(typ)
	return v, true, nil
}

func (s *SQLiteStore) putIfAbsent(ctx context.Context, slot string, v stored) (stored, bool, error) {
	s.logger.Debug("sql", "op", "insert", "table", "records", "slot", slot)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (slot, record_type, data, digest, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO NOTHING`,
		slot, string(v.typ), v.data, v.digest, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return stored{}, false, fmt.Errorf("insert record %s: %w", slot, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return stored{}, false, fmt.Errorf("insert record %s: %w", slot, err)
	}
	if n == 1 {
		return v, true, nil
	}
	existing, ok, err := s.get(ctx, slot)
	if err != nil {
		return stored{}, false, err
	}
	if !ok {
		return stored{}, false, fmt.Errorf("insert record %s: conflict without existing row", slot)
	}
	return existing, false, nil
}
