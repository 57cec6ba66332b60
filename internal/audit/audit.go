package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry types written to the audit log.
const (
	TypeClassification = "classification"
	TypeRouting        = "routing"
	TypeLearning       = "learning"
	TypeError          = "error"
)

// ChecksumField carries the SHA-256 of the rest of a structured entry.
const ChecksumField = "checksum"

// Logger appends one line per event to the audit log.
// Structured events are JSON objects; generic messages are
// "<message> | context=<json>" text lines.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// Open opens (or creates) an append-only audit log at path.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{file: f, now: time.Now}, nil
}

// Close closes the underlying file. Safe on a nil Logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Event writes a structured entry stamped with a checksum. Fields may not
// override type, evidence_id or timestamp.
func (l *Logger) Event(eventType, evidenceID string, fields map[string]any) error {
	if l == nil {
		return nil
	}
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["type"] = eventType
	entry["evidence_id"] = evidenceID
	entry["timestamp"] = l.now().UTC().Format(time.RFC3339Nano)
	delete(entry, ChecksumField)

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	entry[ChecksumField] = checksum(body)
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return l.writeLine(line)
}

// Verify reports whether a structured audit line still matches its checksum.
// Text lines and lines without a checksum do not verify.
func Verify(line []byte) bool {
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(line, &entry); err != nil {
		return false
	}
	raw, ok := entry[ChecksumField]
	if !ok {
		return false
	}
	var want string
	if err := json.Unmarshal(raw, &want); err != nil {
		return false
	}
	delete(entry, ChecksumField)
	body, err := json.Marshal(entry)
	if err != nil {
		return false
	}
	return checksum(body) == want
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Log writes a free-form message with its context.
func (l *Logger) Log(message string, context map[string]any) error {
	if l == nil {
		return nil
	}
	if context == nil {
		context = map[string]any{}
	}
	ctxJSON, err := json.Marshal(context)
	if err != nil {
		return fmt.Errorf("encode audit context: %w", err)
	}
	return l.writeLine([]byte(message + " | context=" + string(ctxJSON)))
}

// LogClassification records the classifier output for one piece of evidence.
func (l *Logger) LogClassification(evidenceID, kpa string, confidence float64, ambiguous bool, scores map[string]float64, reasons []string) error {
	return l.Event(TypeClassification, evidenceID, map[string]any{
		"kpa":        kpa,
		"confidence": confidence,
		"ambiguity":  ambiguous,
		"scores":     scores,
		"reasons":    reasons,
	})
}

// LogRouting records where evidence was placed.
func (l *Logger) LogRouting(evidenceID, routedTo, reason, kpa, destination string) error {
	fields := map[string]any{
		"routed_to":   routedTo,
		"kpa":         kpa,
		"destination": destination,
		"reason":      nil,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	return l.Event(TypeRouting, evidenceID, fields)
}

// LogLearning records the token deltas applied by one feedback event.
func (l *Logger) LogLearning(evidenceID, event string, delta map[string]float64, metadata map[string]any) error {
	return l.Event(TypeLearning, evidenceID, map[string]any{
		"event":    event,
		"delta":    delta,
		"metadata": metadata,
	})
}

// LogError records a per-item failure.
func (l *Logger) LogError(evidenceID, kind string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.Event(TypeError, evidenceID, map[string]any{
		"kind":  kind,
		"error": msg,
	})
}

func (l *Logger) writeLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}
