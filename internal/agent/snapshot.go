package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/a-marczewski/kparouter/internal/state"
)

// Dump is the on-disk snapshot of the agent's learned state.
type Dump struct {
	State             state.Snapshot     `json:"state"`
	KeywordImportance map[string]float64 `json:"keyword_importance"`
	Calibration       map[string]float64 `json:"calibration"`
}

const (
	dumpPrefix = "state_dump_"
	dumpSuffix = ".json"
)

// DumpFileName returns the snapshot file name for a timestamp.
func DumpFileName(ts time.Time) string {
	return dumpPrefix + strconv.FormatInt(ts.Unix(), 10) + dumpSuffix
}

// WriteDump writes d into dir and returns the file path.
// The file is written to a temporary name first and renamed into place.
func WriteDump(dir string, ts time.Time, d Dump) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create dump directory: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode state dump: %w", err)
	}

	path := filepath.Join(dir, DumpFileName(ts))
	tmp, err := os.CreateTemp(dir, ".state_dump_*.tmp")
	if err != nil {
		return "", fmt.Errorf("create state dump: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write state dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close state dump: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("place state dump: %w", err)
	}
	return path, nil
}

// ReadDump loads a snapshot written by WriteDump.
func ReadDump(path string) (*Dump, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state dump: %w", err)
	}
	var d Dump
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode state dump %s: %w", path, err)
	}
	return &d, nil
}

// LatestDump returns the newest dump file in dir, or "" when there is none.
func LatestDump(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("list state dumps: %w", err)
	}

	var latest string
	newest := int64(-1)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, dumpPrefix) || !strings.HasSuffix(name, dumpSuffix) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, dumpPrefix), dumpSuffix), 10, 64)
		if err != nil {
			continue
		}
		if ts > newest {
			newest = ts
			latest = filepath.Join(dir, name)
		}
	}
	return latest, nil
}
