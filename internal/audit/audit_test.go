package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestLoggerWritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Unix(1700000000, 0) }

	require.NoError(t, l.LogClassification("ev-1", "KPA1", 0.9, false, map[string]float64{"KPA1": 1}, []string{"KPA1:lesson"}))
	require.NoError(t, l.LogRouting("ev-1", "kpa", "", "KPA1", "/tmp/x"))
	require.NoError(t, l.LogLearning("ev-1", "reflection", map[string]float64{"lesson": 0.02}, nil))
	require.NoError(t, l.LogError("ev-2", "file_not_found", errors.New("missing")))
	require.NoError(t, l.Log("agent started", map[string]any{"batch": 8}))
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 5)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "classification", entry["type"])
	assert.Equal(t, "ev-1", entry["evidence_id"])
	assert.Equal(t, false, entry["ambiguity"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "routing", entry["type"])
	assert.Nil(t, entry["reason"])

	require.NoError(t, json.Unmarshal([]byte(lines[3]), &entry))
	assert.Equal(t, "file_not_found", entry["kind"])

	assert.Equal(t, `agent started | context={"batch":8}`, lines[4])

	for _, line := range lines[:4] {
		assert.True(t, Verify([]byte(line)), line)
	}
	assert.False(t, Verify([]byte(lines[4])))
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.LogRouting("ev-1", "director", "LOW_CONFIDENCE", "KPA2", "/q/x"))
	require.NoError(t, l.Close())

	line := readLines(t, path)[0]
	require.True(t, Verify([]byte(line)))

	tampered := strings.Replace(line, "LOW_CONFIDENCE", "AMBIGUOUS", 1)
	assert.False(t, Verify([]byte(tampered)))
	assert.False(t, Verify([]byte(`{"type":"routing"}`)))
}

func TestLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	for i := 0; i < 2; i++ {
		l, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, l.Log("run", nil))
		require.NoError(t, l.Close())
	}
	lines := readLines(t, path)
	assert.Equal(t, []string{"run | context={}", "run | context={}"}, lines)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	assert.NoError(t, l.Log("x", nil))
	assert.NoError(t, l.LogRouting("a", "kpa", "", "KPA1", "d"))
	assert.NoError(t, l.Close())
}

func TestClosedLoggerErrors(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	err = l.Log("late", nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "closed"))
}
