package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// DefaultModality is assigned when a payload does not declare one.
const DefaultModality = "text"

var (
	// ErrFileNotFound indicates a declared evidence path does not exist.
	ErrFileNotFound = fmt.Errorf("evidence file not found: %w", fs.ErrNotExist)
	// ErrMalformedFeedback indicates a feedback payload has neither a correction nor notes.
	ErrMalformedFeedback = errors.New("malformed feedback payload")
)

// Evidence is one normalized evidence record.
type Evidence struct {
	ID         string    `json:"evidence_id"`
	Text       string    `json:"text"`
	Path       string    `json:"path,omitempty"`
	Modality   string    `json:"modality"`
	ReceivedAt time.Time `json:"received_ts"`
}

// Payload is the raw ingestion shape. Every alias key the ingestion layer may
// send has its own field; Normalize is the only place that reads them.
type Payload struct {
	EvidenceID *string `json:"evidence_id,omitempty"`
	ID         *string `json:"id,omitempty"`
	UID        *string `json:"uid,omitempty"`
	Text       *string `json:"text,omitempty"`
	Content    *string `json:"content,omitempty"`
	Body       *string `json:"body,omitempty"`
	Path       *string `json:"path,omitempty"`
	FilePath   *string `json:"file_path,omitempty"`
	Filepath   *string `json:"filepath,omitempty"`
	Modality   *string `json:"modality,omitempty"`
}

// FromFile builds a payload that only carries a file path.
func FromFile(path string) Payload {
	return Payload{Path: &path}
}

// FromText builds a payload with an explicit id and text body.
func FromText(id, text string) Payload {
	return Payload{EvidenceID: &id, Text: &text}
}

// Notes accepts either a single string or a list of strings.
type Notes []string

// UnmarshalJSON implements json.Unmarshaler.
func (n *Notes) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			*n = nil
			return nil
		}
		*n = Notes{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("notes must be a string or a list of strings: %w", err)
	}
	*n = list
	return nil
}

// Text joins all notes into a single string.
func (n Notes) Text() string {
	return strings.Join(n, " ")
}

// Feedback is a director correction or a reflection note about one evidence item.
type Feedback struct {
	Evidence     Payload `json:"evidence"`
	PredictedKPA *string `json:"predicted_kpa,omitempty"`
	CorrectedKPA *string `json:"corrected_kpa,omitempty"`
	Notes        Notes   `json:"notes,omitempty"`
}

// IsCorrection reports whether the feedback routes to the correction path.
func (f Feedback) IsCorrection() bool {
	return f.CorrectedKPA != nil
}

// Validate rejects feedback that is neither a correction nor a reflection.
func (f Feedback) Validate() error {
	if f.CorrectedKPA == nil && f.Notes == nil {
		return fmt.Errorf("%w: needs corrected_kpa or notes", ErrMalformedFeedback)
	}
	return nil
}

// Predicted returns the predicted category or "".
func (f Feedback) Predicted() string {
	if f.PredictedKPA == nil {
		return ""
	}
	return *f.PredictedKPA
}

// Corrected returns the corrected category or "".
func (f Feedback) Corrected() string {
	if f.CorrectedKPA == nil {
		return ""
	}
	return *f.CorrectedKPA
}

// ParseFeedback decodes and validates a feedback payload.
func ParseFeedback(data []byte) (Feedback, error) {
	var f Feedback
	if err := json.Unmarshal(data, &f); err != nil {
		return Feedback{}, fmt.Errorf("%w: %v", ErrMalformedFeedback, err)
	}
	if err := f.Validate(); err != nil {
		return Feedback{}, err
	}
	return f, nil
}

// DeclaredID returns the id a payload asks for, falling back to the file
// stem of its path. It is empty when neither is present.
func (p Payload) DeclaredID() string {
	if id := strings.TrimSpace(firstOf(p.EvidenceID, p.ID, p.UID)); id != "" {
		return id
	}
	if path := firstOf(p.Path, p.FilePath, p.Filepath); path != "" {
		base := filepath.Base(path)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return ""
}
