package learning

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-marczewski/kparouter/internal/audit"
	"github.com/a-marczewski/kparouter/internal/classifier"
	"github.com/a-marczewski/kparouter/internal/evidence"
	"github.com/a-marczewski/kparouter/internal/knowledge"
	"github.com/a-marczewski/kparouter/internal/ledger"
)

func newBase() *knowledge.Base {
	return knowledge.New(map[string]map[string]float64{
		"KPA1": {"lesson": 1},
		"KPA2": {"attendance": 1},
	})
}

func TestDirectorCorrectionMonotonic(t *testing.T) {
	kb := newBase()
	kb.Adjust("register", -3)
	e := New(kb, Options{})

	ev := evidence.Evidence{ID: "ev-1", Text: "Lesson plan, lesson register"}
	before := map[string]float64{}
	for _, tok := range []string{"lesson", "plan", "register"} {
		before[tok] = kb.Learned(tok)
	}

	event := e.IngestDirectorCorrection(ev, "KPA1", "KPA2")

	for tok, prev := range before {
		assert.Greater(t, kb.Learned(tok), prev, tok)
		assert.InDelta(t, 0.05, event.Delta[tok], 1e-12, tok)
	}
	assert.Len(t, event.Delta, 3)
	assert.Equal(t, EventDirectorCorrection, event.Event)
	assert.Equal(t, true, event.Metadata["changed"])
}

func TestCorrectionsMovePhraseEvidenceTowardsCorrectedKPA(t *testing.T) {
	kb := knowledge.New(map[string]map[string]float64{
		"KPA1": {"lesson plan": 1},
		"KPA2": {"weekly": 1},
	})
	c := classifier.New(kb, 0)
	e := New(kb, Options{})
	ev := evidence.Evidence{ID: "ev-phrase", Text: "weekly lesson plan"}

	for i := 0; i < 20; i++ {
		e.IngestDirectorCorrection(ev, "KPA2", "KPA1")
	}

	cls := c.Classify(ev)
	assert.Equal(t, "KPA1", cls.KPA)
	assert.Equal(t, 1.0, cls.Scores["KPA1"])
	assert.Less(t, cls.Scores["KPA2"], 1.0)
}

func TestDirectorConfirmationGetsFullRate(t *testing.T) {
	kb := newBase()
	e := New(kb, Options{Rate: 0.2})

	event := e.IngestDirectorCorrection(evidence.Evidence{ID: "x", Text: "lesson"}, "KPA1", "KPA1")
	assert.InDelta(t, 0.2, event.Delta["lesson"], 1e-12)
	assert.InDelta(t, 0.2, kb.Learned("lesson"), 1e-12)

	event = e.IngestDirectorCorrection(evidence.Evidence{ID: "y", Text: "lesson"}, "", "KPA2")
	assert.InDelta(t, 0.2, event.Delta["lesson"], 1e-12)
}

func TestReflectionFeedback(t *testing.T) {
	kb := newBase()
	e := New(kb, Options{})

	event := e.IngestReflectionFeedback(evidence.Evidence{ID: "r", Text: "lesson"}, []string{"Great pacing", "lesson"})
	assert.InDelta(t, 0.02, event.Delta["lesson"], 1e-12)
	assert.InDelta(t, 0.02, event.Delta["pacing"], 1e-12)
	assert.InDelta(t, 0.02, kb.Learned("lesson"), 1e-12)
	assert.InDelta(t, 0.02, kb.Calibration(knowledge.ScopeReflectionBias, 0), 1e-12)

	event = e.IngestReflectionFeedback(evidence.Evidence{ID: "r2", Text: "lesson"}, []string{"  ", "!!"})
	assert.Len(t, event.Delta, 1)
	assert.InDelta(t, 0.02, kb.Calibration(knowledge.ScopeReflectionBias, 0), 1e-12)
}

func TestHistoryIsCapped(t *testing.T) {
	e := New(newBase(), Options{HistoryLimit: 3})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		e.IngestDirectorCorrection(evidence.Evidence{ID: id, Text: "lesson"}, "KPA1", "KPA1")
	}
	history := e.History()
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].EvidenceID)
	assert.Equal(t, "e", history[2].EvidenceID)
}

func TestLearningIsAuditedAndRecorded(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.log")
	a, err := audit.Open(auditPath)
	require.NoError(t, err)
	l, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	e := New(newBase(), Options{Audit: a, Ledger: l})
	e.IngestDirectorCorrection(evidence.Evidence{ID: "ev-9", Text: "attendance"}, "KPA1", "KPA2")
	require.NoError(t, a.Close())

	f, err := os.Open(auditPath)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var entry map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "learning", entry["type"])
	assert.Equal(t, "ev-9", entry["evidence_id"])
	assert.Equal(t, "director_correction", entry["event"])

	events, err := l.LearningEvents("ev-9")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.InDelta(t, 0.05, events[0].Delta["attendance"], 1e-12)
}
