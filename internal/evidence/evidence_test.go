package evidence

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func fixedNormalizer() *Normalizer {
	return &Normalizer{
		now:   func() time.Time { return time.Unix(1700000000, 0) },
		newID: func() string { return "ev-generated" },
	}
}

func TestNormalizeResolvesAliases(t *testing.T) {
	n := fixedNormalizer()

	ev, err := n.Normalize(Payload{UID: ptr("u-1"), Body: ptr("lesson plan")})
	require.NoError(t, err)
	assert.Equal(t, "u-1", ev.ID)
	assert.Equal(t, "lesson plan", ev.Text)
	assert.Equal(t, DefaultModality, ev.Modality)
	assert.Equal(t, int64(1700000000), ev.ReceivedAt.Unix())

	ev, err = n.Normalize(Payload{EvidenceID: ptr("primary"), ID: ptr("secondary"), Text: ptr("x"), Modality: ptr("image")})
	require.NoError(t, err)
	assert.Equal(t, "primary", ev.ID)
	assert.Equal(t, "image", ev.Modality)
}

func TestNormalizeGeneratesID(t *testing.T) {
	ev, err := fixedNormalizer().Normalize(Payload{Text: ptr("")})
	require.NoError(t, err)
	assert.Equal(t, "ev-generated", ev.ID)
	assert.Equal(t, "", ev.Text)
}

func TestNormalizeLoadsTextFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report_q1.txt")
	require.NoError(t, os.WriteFile(path, []byte("attendance register"), 0644))

	ev, err := fixedNormalizer().Normalize(Payload{FilePath: &path})
	require.NoError(t, err)
	assert.Equal(t, "report_q1", ev.ID)
	assert.Equal(t, "attendance register", ev.Text)
	assert.Equal(t, path, ev.Path)
}

func TestNormalizeExplicitTextWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("from disk"), 0644))

	ev, err := fixedNormalizer().Normalize(Payload{Path: &path, Content: ptr("from payload")})
	require.NoError(t, err)
	assert.Equal(t, "from payload", ev.Text)
}

func TestNormalizeMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone.pdf")
	_, err := fixedNormalizer().Normalize(FromFile(missing))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFileNotFound))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestParseFeedback(t *testing.T) {
	f, err := ParseFeedback([]byte(`{"evidence":{"text":"x"},"predicted_kpa":"KPA1","corrected_kpa":"KPA2"}`))
	require.NoError(t, err)
	assert.True(t, f.IsCorrection())
	assert.Equal(t, "KPA1", f.Predicted())
	assert.Equal(t, "KPA2", f.Corrected())

	f, err = ParseFeedback([]byte(`{"evidence":{"text":"x"},"notes":"needs more context"}`))
	require.NoError(t, err)
	assert.False(t, f.IsCorrection())
	assert.Equal(t, "needs more context", f.Notes.Text())

	f, err = ParseFeedback([]byte(`{"evidence":{"text":"x"},"notes":["a","b"]}`))
	require.NoError(t, err)
	assert.Equal(t, Notes{"a", "b"}, f.Notes)

	_, err = ParseFeedback([]byte(`{"evidence":{"text":"x"}}`))
	assert.ErrorIs(t, err, ErrMalformedFeedback)

	_, err = ParseFeedback([]byte(`{"evidence":`))
	assert.ErrorIs(t, err, ErrMalformedFeedback)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	result := ReadFile(path)
	require.NoError(t, result.Error)
	assert.True(t, result.Exists)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", result.Hash)

	result = ReadFile(filepath.Join(dir, "missing"))
	assert.NoError(t, result.Error)
	assert.False(t, result.Exists)

	result = ReadFile(dir)
	assert.Error(t, result.Error)
}

func TestHashFileMatchesComputeHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	hash, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, ComputeHash([]byte("hello world")), hash)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
