package classifier

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-marczewski/kparouter/internal/evidence"
	"github.com/a-marczewski/kparouter/internal/knowledge"
)

func text(s string) evidence.Evidence {
	return evidence.Evidence{ID: "ev", Text: s, Modality: evidence.DefaultModality}
}

func newClassifier(table map[string]map[string]float64) (*Classifier, *knowledge.Base) {
	kb := knowledge.New(table)
	return New(kb, 0), kb
}

func TestClassifyNoSignal(t *testing.T) {
	c, _ := newClassifier(map[string]map[string]float64{"KPA1": {"lesson": 1}})

	got := c.Classify(text("nothing relevant here"))
	assert.Equal(t, "", got.KPA)
	assert.Equal(t, 0.0, got.Confidence)
	assert.True(t, got.Ambiguous)
	assert.Empty(t, got.Reasons)
	for _, category := range DefaultCategories {
		assert.Contains(t, got.Scores, category)
		assert.Equal(t, 0.0, got.Scores[category])
	}
}

func TestClassifyPicksTopAndNormalizes(t *testing.T) {
	c, _ := newClassifier(map[string]map[string]float64{
		"KPA1": {"lesson": 2, "plan": 1},
		"KPA2": {"attendance": 1},
		"CUSTOM": {"research": 0.5},
	})

	got := c.Classify(text("Lesson plan and attendance register"))
	assert.Equal(t, "KPA1", got.KPA)
	assert.Equal(t, 1.0, got.Scores["KPA1"])
	assert.InDelta(t, 1.0/3.0, got.Scores["KPA2"], 1e-12)
	assert.Equal(t, 0.0, got.Scores["CUSTOM"])
	assert.Equal(t, 0.0, got.Scores["KPA5"])
	assert.False(t, got.Ambiguous)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, []string{"KPA1:lesson", "KPA1:plan", "KPA2:attendance"}, got.Reasons)
}

func TestClassifyDeterministic(t *testing.T) {
	c, _ := newClassifier(map[string]map[string]float64{
		"KPA1": {"lesson": 1, "marks": 1},
		"KPA2": {"marks": 1, "register": 1},
	})
	ev := text("marks register lesson")

	first, err := json.Marshal(c.Classify(ev))
	require.NoError(t, err)
	second, err := json.Marshal(c.Classify(ev))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestClassifyTieBreakByCategoryID(t *testing.T) {
	c, _ := newClassifier(map[string]map[string]float64{
		"KPA3": {"portfolio": 1},
		"KPA2": {"portfolio": 1},
	})

	got := c.Classify(text("portfolio"))
	assert.Equal(t, "KPA2", got.KPA)
	assert.True(t, got.Ambiguous)
}

func TestAmbiguityBoundary(t *testing.T) {
	tests := []struct {
		name      string
		top       float64
		second    float64
		ambiguous bool
	}{
		{"gap exactly 0.10", 10, 9, false},
		{"gap 0.099", 1000, 901, true},
		{"gap 0.5", 2, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newClassifier(map[string]map[string]float64{
				"KPA1": {"alpha": tt.top},
				"KPA2": {"beta": tt.second},
			})
			got := c.Classify(text("alpha beta"))
			assert.Equal(t, "KPA1", got.KPA)
			assert.Equal(t, tt.ambiguous, got.Ambiguous)
		})
	}
}

func TestSingleSupportIsNeverAmbiguous(t *testing.T) {
	c, _ := newClassifier(map[string]map[string]float64{"KPA4": {"outreach": 0.2}})
	got := c.Classify(text("community outreach"))
	assert.Equal(t, "KPA4", got.KPA)
	assert.False(t, got.Ambiguous)
}

func TestPhraseKeyword(t *testing.T) {
	c, _ := newClassifier(map[string]map[string]float64{"KPA1": {"lesson plan": 1}})

	assert.Equal(t, "KPA1", c.Classify(text("weekly lesson plan")).KPA)
	assert.Equal(t, "", c.Classify(text("plan the lesson")).KPA)
}

func TestPhraseKeywordUsesLearnedParts(t *testing.T) {
	c, kb := newClassifier(map[string]map[string]float64{
		"KPA1": {"lesson plan": 1},
		"KPA2": {"weekly": 1},
	})

	kb.Adjust("lesson", 0.25)
	kb.Adjust("plan", 0.5)
	kb.Adjust("weekly", 0.5)

	cls := c.Classify(text("weekly lesson plan"))
	assert.Equal(t, "KPA1", cls.KPA)
	assert.InDelta(t, 1.5/1.75, cls.Scores["KPA2"], 1e-12)
}

func TestLearnedDeltaAndCalibration(t *testing.T) {
	c, kb := newClassifier(map[string]map[string]float64{
		"KPA1": {"marks": 1},
		"KPA2": {"moderation": 1},
	})

	before := c.Classify(text("marks moderation"))
	assert.True(t, before.Ambiguous)

	kb.Adjust("moderation", 0.5)
	after := c.Classify(text("marks moderation"))
	assert.Equal(t, "KPA2", after.KPA)
	assert.InDelta(t, 1.0/1.5, after.Scores["KPA1"], 1e-12)
	assert.False(t, after.Ambiguous)

	kb.AdjustCalibration(knowledge.ScopeGlobal, -0.8)
	assert.Equal(t, 1.0, c.Classify(text("marks")).Confidence)
	c.RefreshCalibration()
	assert.InDelta(t, 0.2, c.CalibrationFactor(), 1e-12)
	assert.InDelta(t, 0.2, c.Classify(text("marks")).Confidence, 1e-12)

	kb.AdjustCalibration(knowledge.ScopeReflectionBias, 0.05)
	c.RefreshCalibration()
	assert.InDelta(t, 0.25, c.CalibrationFactor(), 1e-12)
}
