// Package store provides durable inbound event deduplication. The platform
// redelivers webhook events it considers unacknowledged, so the gateway keeps
// a small ledger of processed event ids across restarts.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// retention bounds the ledger: the platform stops redelivering long before
// this window closes.
const retention = 24 * time.Hour

// DedupStore records processed event ids in SQLite.
type DedupStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDedupStore opens (creating if needed) the dedup database.
func NewDedupStore(dbPath string, logger *slog.Logger) (*DedupStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &DedupStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *DedupStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id    TEXT PRIMARY KEY,
		received_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events(received_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Seen records the event id and reports whether it was already present.
// The check and insert are a single statement, so concurrent webhook
// invocations for the same redelivery cannot both pass.
func (s *DedupStore) Seen(eventID string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_events (event_id) VALUES (?)`, eventID)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted == 0, nil
}

// Prune drops entries older than the retention window.
func (s *DedupStore) Prune() error {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.Exec(`DELETE FROM processed_events WHERE received_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("pruned dedup entries", "count", n)
	}
	return nil
}

// Close closes the underlying database.
func (s *DedupStore) Close() error {
	return s.db.Close()
}
