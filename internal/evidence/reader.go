package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ========================================================================
// READ-ONLY FILESYSTEM ACCESS
// ========================================================================
// Normalization only reads evidence files. Relocation belongs to the router;
// nothing in this package writes, renames or removes files.
// ========================================================================

// ReadFileResult contains the result of reading an evidence file
type ReadFileResult struct {
	Content      string
	Hash         string
	Exists       bool
	Error        error
	AbsolutePath string
}

// ReadFile reads an evidence file from disk.
//
// Returns:
//   - Content: file contents as string
//   - Hash: SHA-256 of the content (same digest the router uses for collisions)
//   - Exists: true if the file exists and was readable
//   - Error: any read error encountered
func ReadFile(path string) ReadFileResult {
	cleanPath := filepath.Clean(path)
	if abs, err := filepath.Abs(cleanPath); err == nil {
		cleanPath = abs
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ReadFileResult{
				Exists:       false,
				AbsolutePath: cleanPath,
			}
		}
		return ReadFileResult{
			Exists:       false,
			Error:        fmt.Errorf("failed to stat file: %w", err),
			AbsolutePath: cleanPath,
		}
	}

	if info.IsDir() {
		return ReadFileResult{
			Exists:       false,
			Error:        fmt.Errorf("path is a directory, not a file: %s", cleanPath),
			AbsolutePath: cleanPath,
		}
	}

	contentBytes, err := os.ReadFile(cleanPath)
	if err != nil {
		return ReadFileResult{
			Exists:       true,
			Error:        fmt.Errorf("failed to read file: %w", err),
			AbsolutePath: cleanPath,
		}
	}

	return ReadFileResult{
		Content:      string(contentBytes),
		Hash:         ComputeHash(contentBytes),
		Exists:       true,
		AbsolutePath: cleanPath,
	}
}

// ComputeHash returns the hex SHA-256 digest of data.
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile streams the file at path through SHA-256 and returns the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
