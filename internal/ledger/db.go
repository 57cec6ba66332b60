package ledger

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const (
	SchemaVersion = 2
)

// openDB opens the sqlite file and applies pending migrations.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// migrate applies database migrations
func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	for version < SchemaVersion {
		version++
		switch version {
		case 1:
			if err := applySchemaV1(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		case 2:
			if err := applySchemaV2(tx); err != nil {
				return fmt.Errorf("failed to apply schema v%d: %w", version, err)
			}
		default:
			return fmt.Errorf("unknown schema version: %d", version)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// applySchemaV1 creates the decision and learning tables.
func applySchemaV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS routing_decisions (
			id TEXT PRIMARY KEY,
			evidence_id TEXT NOT NULL,
			kpa TEXT,
			confidence REAL NOT NULL,
			ambiguous INTEGER NOT NULL DEFAULT 0,
			routed_to TEXT NOT NULL CHECK (routed_to IN ('director', 'kpa')),
			reason TEXT,
			destination TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_routing_decisions_evidence ON routing_decisions(evidence_id);
		CREATE INDEX IF NOT EXISTS idx_routing_decisions_timestamp ON routing_decisions(timestamp);

		CREATE TABLE IF NOT EXISTS learning_events (
			id TEXT PRIMARY KEY,
			evidence_id TEXT NOT NULL,
			event TEXT NOT NULL CHECK (event IN ('director_correction', 'reflection')),
			delta TEXT NOT NULL,
			metadata TEXT,
			timestamp INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_learning_events_evidence ON learning_events(evidence_id);
	`)
	return err
}

// applySchemaV2 guards decision reasons and adds the snapshot table.
func applySchemaV2(tx *sql.Tx) error {
	// Reason must be present exactly when the decision went to review.
	_, err := tx.Exec(`
		CREATE TRIGGER IF NOT EXISTS routing_decisions_reason_guard
		BEFORE INSERT ON routing_decisions
		WHEN (NEW.routed_to = 'director') != (NEW.reason IS NOT NULL AND NEW.reason != '')
		BEGIN
			SELECT RAISE(ABORT, 'reason must be set exactly for director routing');
		END;

		CREATE TABLE IF NOT EXISTS state_snapshots (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			processed INTEGER NOT NULL,
			timestamp INTEGER NOT NULL
		);
	`)
	return err
}
