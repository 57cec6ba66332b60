package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Decision is one routed piece of evidence.
type Decision struct {
	ID          string    `json:"id"`
	EvidenceID  string    `json:"evidence_id"`
	KPA         string    `json:"kpa"`
	Confidence  float64   `json:"confidence"`
	Ambiguous   bool      `json:"ambiguity"`
	RoutedTo    string    `json:"routed_to"`
	Reason      string    `json:"reason,omitempty"`
	Destination string    `json:"destination"`
	Timestamp   time.Time `json:"timestamp"`
}

// LearningEvent is one applied feedback event.
type LearningEvent struct {
	ID         string             `json:"id"`
	EvidenceID string             `json:"evidence_id"`
	Event      string             `json:"event"`
	Delta      map[string]float64 `json:"delta"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Snapshot records a state dump written to disk.
type Snapshot struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Processed int       `json:"processed"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger is the append-only history of decisions, learning and snapshots.
// A nil *Ledger accepts every write and returns nothing on reads, so callers
// can run with the ledger disabled.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}

// RecordDecision appends a routing decision and returns its id.
func (l *Ledger) RecordDecision(d Decision) (string, error) {
	if l == nil {
		return "", nil
	}
	id := uuid.New().String()
	ts := d.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	var reason *string
	if d.Reason != "" {
		reason = &d.Reason
	}

	_, err := l.db.Exec(`
		INSERT INTO routing_decisions (id, evidence_id, kpa, confidence, ambiguous, routed_to, reason, destination, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, d.EvidenceID, d.KPA, d.Confidence, d.Ambiguous, d.RoutedTo, reason, d.Destination, ts.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to record decision: %w", err)
	}
	return id, nil
}

// RecordLearning appends a learning event and returns its id.
func (l *Ledger) RecordLearning(e LearningEvent) (string, error) {
	if l == nil {
		return "", nil
	}
	id := uuid.New().String()
	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	deltaJSON, err := json.Marshal(e.Delta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal delta: %w", err)
	}
	var metadataJSON []byte
	if e.Metadata != nil {
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err = l.db.Exec(`
		INSERT INTO learning_events (id, evidence_id, event, delta, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, e.EvidenceID, e.Event, string(deltaJSON), metadataJSON, ts.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to record learning event: %w", err)
	}
	return id, nil
}

// RecordSnapshot notes that a state dump was written.
func (l *Ledger) RecordSnapshot(path string, processed int) error {
	if l == nil {
		return nil
	}
	_, err := l.db.Exec(`
		INSERT INTO state_snapshots (id, path, processed, timestamp)
		VALUES (?, ?, ?, ?)
	`, uuid.New().String(), path, processed, l.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	return nil
}

// RecentDecisions retrieves the N most recent decisions, newest first.
func (l *Ledger) RecentDecisions(limit int) ([]*Decision, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.Query(`
		SELECT id, evidence_id, kpa, confidence, ambiguous, routed_to, reason, destination, timestamp
		FROM routing_decisions
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		var d Decision
		var kpa, reason sql.NullString
		var timestamp int64

		if err := rows.Scan(&d.ID, &d.EvidenceID, &kpa, &d.Confidence, &d.Ambiguous, &d.RoutedTo, &reason, &d.Destination, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.KPA = kpa.String
		d.Reason = reason.String
		d.Timestamp = time.Unix(timestamp, 0)
		decisions = append(decisions, &d)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}
	return decisions, nil
}

// LearningEvents retrieves the learning history for one evidence id, oldest first.
func (l *Ledger) LearningEvents(evidenceID string) ([]*LearningEvent, error) {
	if l == nil {
		return nil, nil
	}

	rows, err := l.db.Query(`
		SELECT id, evidence_id, event, delta, metadata, timestamp
		FROM learning_events
		WHERE evidence_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query learning events: %w", err)
	}
	defer rows.Close()

	var events []*LearningEvent
	for rows.Next() {
		var e LearningEvent
		var deltaJSON string
		var metadataJSON []byte
		var timestamp int64

		if err := rows.Scan(&e.ID, &e.EvidenceID, &e.Event, &deltaJSON, &metadataJSON, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan learning event: %w", err)
		}
		if err := json.Unmarshal([]byte(deltaJSON), &e.Delta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delta: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		e.Timestamp = time.Unix(timestamp, 0)
		events = append(events, &e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating learning events: %w", err)
	}
	return events, nil
}

// LatestSnapshot returns the most recent snapshot record, or nil if none exist.
func (l *Ledger) LatestSnapshot() (*Snapshot, error) {
	if l == nil {
		return nil, nil
	}
	var s Snapshot
	var timestamp int64
	err := l.db.QueryRow(`
		SELECT id, path, processed, timestamp
		FROM state_snapshots
		ORDER BY timestamp DESC, rowid DESC
		LIMIT 1
	`).Scan(&s.ID, &s.Path, &s.Processed, &timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	s.Timestamp = time.Unix(timestamp, 0)
	return &s, nil
}

// Counts returns the number of rows per table, for diagnostics.
func (l *Ledger) Counts() (map[string]int, error) {
	counts := map[string]int{}
	if l == nil {
		return counts, nil
	}
	for _, table := range []string{"routing_decisions", "learning_events", "state_snapshots"} {
		var n int
		if err := l.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// IntegrityCheck runs sqlite's integrity check and returns its verdict.
func (l *Ledger) IntegrityCheck() (string, error) {
	if l == nil {
		return "", fmt.Errorf("ledger disabled")
	}
	var result string
	if err := l.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return "", fmt.Errorf("integrity check: %w", err)
	}
	return result, nil
}
