package classifier

import (
	"math"
	"sort"

	"github.com/a-marczewski/kparouter/internal/evidence"
	"github.com/a-marczewski/kparouter/internal/knowledge"
	"github.com/a-marczewski/kparouter/internal/tokens"
)

// DefaultAmbiguityGap is the minimum normalized lead the winner needs over the
// runner-up to count as unambiguous.
const DefaultAmbiguityGap = 0.10

// DefaultCategories always appear in Classification.Scores, configured or not.
var DefaultCategories = []string{"KPA1", "KPA2", "KPA3", "KPA4", "KPA5"}

// gapPrecision absorbs float noise so a gap of exactly 0.10 compares as 0.10.
const gapPrecision = 1e9

// Classification is the outcome of classifying one evidence item.
// An empty KPA means no category had any signal.
type Classification struct {
	KPA        string             `json:"kpa"`
	Scores     map[string]float64 `json:"scores"`
	Confidence float64            `json:"confidence"`
	Ambiguous  bool               `json:"ambiguity"`
	Reasons    []string           `json:"reasons"`
}

type keyword struct {
	key    string
	parts  []string
	weight float64
}

// Classifier scores evidence text against the shared keyword tables.
type Classifier struct {
	kb           *knowledge.Base
	categories   []string
	keywords     map[string][]keyword
	ambiguityGap float64
	calibration  float64
}

// New creates a classifier over the given knowledge base.
// A non-positive gap selects DefaultAmbiguityGap.
func New(kb *knowledge.Base, ambiguityGap float64) *Classifier {
	if ambiguityGap <= 0 {
		ambiguityGap = DefaultAmbiguityGap
	}

	c := &Classifier{
		kb:           kb,
		keywords:     make(map[string][]keyword),
		ambiguityGap: ambiguityGap,
	}

	seen := make(map[string]struct{})
	for _, category := range kb.Categories() {
		seen[category] = struct{}{}
		var compiled []keyword
		for key, weight := range kb.Keywords(category) {
			parts := tokens.Sequence(key)
			if len(parts) == 0 {
				continue
			}
			compiled = append(compiled, keyword{key: key, parts: parts, weight: weight})
		}
		sort.Slice(compiled, func(i, j int) bool { return compiled[i].key < compiled[j].key })
		c.keywords[category] = compiled
	}
	for _, category := range DefaultCategories {
		seen[category] = struct{}{}
	}
	for category := range seen {
		c.categories = append(c.categories, category)
	}
	sort.Strings(c.categories)

	c.RefreshCalibration()
	return c
}

// RefreshCalibration reloads the calibration factor from the knowledge base:
// the global scope plus the bias built up by reflection feedback.
func (c *Classifier) RefreshCalibration() {
	c.calibration = c.kb.Calibration(knowledge.ScopeGlobal, 1.0) +
		c.kb.Calibration(knowledge.ScopeReflectionBias, 0)
}

// CalibrationFactor returns the factor applied to the top score.
func (c *Classifier) CalibrationFactor() float64 {
	return c.calibration
}

// Categories returns every category that appears in Scores.
func (c *Classifier) Categories() []string {
	return append([]string(nil), c.categories...)
}

// Classify scores the evidence text. It only reads the shared tables.
func (c *Classifier) Classify(ev evidence.Evidence) Classification {
	seq := tokens.Sequence(ev.Text)
	present := make(map[string]struct{}, len(seq))
	for _, tok := range seq {
		present[tok] = struct{}{}
	}

	raw := make(map[string]float64, len(c.categories))
	matched := make(map[string][]string)
	for _, category := range c.categories {
		score := 0.0
		for _, kw := range c.keywords[category] {
			if !c.matches(kw, present, seq) {
				continue
			}
			score += kw.weight + c.learned(kw)
			matched[category] = append(matched[category], kw.key)
		}
		raw[category] = score
	}

	maxRaw := 0.0
	support := 0
	for _, score := range raw {
		if score > 0 {
			support++
		}
		if score > maxRaw {
			maxRaw = score
		}
	}

	scores := make(map[string]float64, len(c.categories))
	if maxRaw <= 0 {
		for _, category := range c.categories {
			scores[category] = 0
		}
		return Classification{
			Scores:    scores,
			Ambiguous: true,
			Reasons:   []string{},
		}
	}

	for category, score := range raw {
		scores[category] = clamp(score / maxRaw)
	}

	ranked := append([]string(nil), c.categories...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	top := ranked[0]
	second := 0.0
	if len(ranked) > 1 {
		second = scores[ranked[1]]
	}

	ambiguous := false
	if support > 1 {
		gap := math.Round((scores[top]-second)*gapPrecision) / gapPrecision
		ambiguous = gap < c.ambiguityGap
	}

	var reasons []string
	for _, category := range c.categories {
		if raw[category] <= 0 {
			continue
		}
		for _, key := range matched[category] {
			reasons = append(reasons, category+":"+key)
		}
	}

	return Classification{
		KPA:        top,
		Scores:     scores,
		Confidence: clamp(scores[top] * c.calibration),
		Ambiguous:  ambiguous,
		Reasons:    reasons,
	}
}

// learned is the learned delta for a keyword. Learning adjusts single
// tokens, so a phrase carries the sum of its parts.
func (c *Classifier) learned(kw keyword) float64 {
	delta := 0.0
	for _, part := range kw.parts {
		delta += c.kb.Learned(part)
	}
	return delta
}

func (c *Classifier) matches(kw keyword, present map[string]struct{}, seq []string) bool {
	if len(kw.parts) == 1 {
		_, ok := present[kw.parts[0]]
		return ok
	}
	return tokens.ContainsPhrase(seq, kw.parts)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
