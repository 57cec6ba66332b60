package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Normalizer turns raw payloads into Evidence records.
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

// NewNormalizer creates a normalizer using the wall clock and random ids.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		now:   time.Now,
		newID: func() string { return "ev-" + uuid.NewString() },
	}
}

// Normalize resolves the identity, text and path of a payload.
// Text is loaded from the file only when the payload carries no text field.
// A declared path that does not exist yields ErrFileNotFound.
func (n *Normalizer) Normalize(p Payload) (Evidence, error) {
	path := firstOf(p.Path, p.FilePath, p.Filepath)
	if path != "" {
		path = filepath.Clean(path)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Evidence{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
			}
			return Evidence{}, fmt.Errorf("failed to stat evidence file: %w", err)
		}
		if info.IsDir() {
			return Evidence{}, fmt.Errorf("evidence path is a directory: %s", path)
		}
	}

	id := p.DeclaredID()
	if id == "" {
		id = n.newID()
	}

	ev := Evidence{
		ID:         id,
		Path:       path,
		Modality:   DefaultModality,
		ReceivedAt: n.now(),
	}
	if m := firstOf(p.Modality); m != "" {
		ev.Modality = m
	}

	if text, ok := firstPresent(p.Text, p.Content, p.Body); ok {
		ev.Text = text
		return ev, nil
	}

	if path != "" {
		result := ReadFile(path)
		if result.Error != nil {
			return Evidence{}, result.Error
		}
		if !result.Exists {
			return Evidence{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		ev.Text = result.Content
	}

	return ev, nil
}

func firstOf(values ...*string) string {
	for _, v := range values {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}

// firstPresent returns the first non-nil value, even if it is empty.
func firstPresent(values ...*string) (string, bool) {
	for _, v := range values {
		if v != nil {
			return *v, true
		}
	}
	return "", false
}
