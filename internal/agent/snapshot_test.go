package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpRoundTripAndLatest(t *testing.T) {
	dir := t.TempDir()

	latest, err := LatestDump(dir)
	require.NoError(t, err)
	assert.Empty(t, latest)

	_, err = WriteDump(dir, time.Unix(900, 0), Dump{KeywordImportance: map[string]float64{"old": 1}})
	require.NoError(t, err)
	want, err := WriteDump(dir, time.Unix(1000, 0), Dump{
		KeywordImportance: map[string]float64{"lesson": 0.4},
		Calibration:       map[string]float64{"global": 1.05},
	})
	require.NoError(t, err)
	assert.Equal(t, "state_dump_1000.json", filepath.Base(want))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state_dump_notes.json"), []byte("{}"), 0644))

	latest, err = LatestDump(dir)
	require.NoError(t, err)
	assert.Equal(t, want, latest)

	d, err := ReadDump(latest)
	require.NoError(t, err)
	assert.Equal(t, 0.4, d.KeywordImportance["lesson"])
	assert.Equal(t, 1.05, d.Calibration["global"])

	latest, err = LatestDump(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, latest)
}
