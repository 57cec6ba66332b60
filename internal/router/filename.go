package router

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxFilenameLength is the longest destination filename the router produces.
const MaxFilenameLength = 255

// SanitizeID keeps alphanumerics, '-' and '_'; every run of other characters
// becomes a single '-'. An empty result becomes "unknown".
func SanitizeID(id string) string {
	var b strings.Builder
	inRun := false
	for _, r := range id {
		if isSafe(r) {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('-')
			inRun = true
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

func isSafe(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// BuildFilename renders [<label>]_<confidence>_<unix_ts>_<id><ext>.
func BuildFilename(label string, confidence float64, unixTS int64, evidenceID, ext string) string {
	name := fmt.Sprintf("[%s]_%.2f_%d_%s%s", label, confidence, unixTS, SanitizeID(evidenceID), ext)
	return truncateLeft(name, ext)
}

// truncateLeft drops leading characters so the name fits MaxFilenameLength,
// always keeping ext intact.
func truncateLeft(name, ext string) string {
	if len(name) <= MaxFilenameLength {
		return name
	}
	stem := strings.TrimSuffix(name, ext)
	keep := MaxFilenameLength - len(ext)
	if keep <= 0 {
		return ext[len(ext)-MaxFilenameLength:]
	}
	return stem[len(stem)-keep:] + ext
}

// UniquePath returns dir/name, or a variant with _<hash>_<n> inserted before
// the extension when that path is already taken. hash is only called
// on a collision.
func UniquePath(dir, name string, hash func() (string, error)) (string, error) {
	candidate := filepath.Join(dir, name)
	taken, err := exists(candidate)
	if err != nil {
		return "", err
	}
	if !taken {
		return candidate, nil
	}

	short, err := hash()
	if err != nil {
		return "", fmt.Errorf("hash evidence: %w", err)
	}
	if len(short) > 8 {
		short = short[:8]
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 1; ; n++ {
		variant := truncateLeft(fmt.Sprintf("%s_%s_%d%s", stem, short, n, ext), ext)
		candidate = filepath.Join(dir, variant)
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
