// Package knowledge holds the keyword-weight and calibration tables shared by
// the classifier (reader) and the learning engine (writer).
package knowledge

import (
	"maps"
	"sort"
	"strings"
	"sync"
)

// Calibration scopes.
const (
	ScopeGlobal         = "global"
	ScopeReflectionBias = "reflection_bias"
)

// Base is the single owner of the mutable tables. One Base is created per
// pipeline and passed explicitly to the components that need it.
//
// The configured keyword table is fixed at construction. Learned token deltas
// and calibration scalars change only through Adjust and AdjustCalibration.
type Base struct {
	keywords map[string]map[string]float64

	mu          sync.RWMutex
	importance  map[string]float64
	calibration map[string]float64
}

// New creates a Base over the configured category → keyword → weight table.
// Keywords are lower-cased.
func New(keywords map[string]map[string]float64) *Base {
	table := make(map[string]map[string]float64, len(keywords))
	for category, words := range keywords {
		inner := make(map[string]float64, len(words))
		for word, weight := range words {
			word = strings.ToLower(strings.TrimSpace(word))
			if word == "" {
				continue
			}
			inner[word] = weight
		}
		table[category] = inner
	}

	return &Base{
		keywords:    table,
		importance:  make(map[string]float64),
		calibration: map[string]float64{ScopeGlobal: 1.0},
	}
}

// Categories returns the configured category ids in ascending order.
func (b *Base) Categories() []string {
	out := make([]string, 0, len(b.keywords))
	for category := range b.keywords {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Keywords returns the configured keyword weights of one category.
// The returned map must not be modified.
func (b *Base) Keywords(category string) map[string]float64 {
	return b.keywords[category]
}

// Learned returns the learned global delta for a token.
func (b *Base) Learned(token string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.importance[token]
}

// Calibration returns the calibration scalar of a scope, or def when unset.
func (b *Base) Calibration(scope string, def float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.calibration[scope]; ok {
		return v
	}
	return def
}

// Adjust adds delta to the learned weight of a token.
func (b *Base) Adjust(token string, delta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.importance[token] += delta
}

// AdjustCalibration adds delta to a calibration scope.
func (b *Base) AdjustCalibration(scope string, delta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calibration[scope] += delta
}

// Importance returns a copy of the learned token deltas.
func (b *Base) Importance() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.importance)
}

// CalibrationTable returns a copy of the calibration scalars.
func (b *Base) CalibrationTable() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.calibration)
}

// Restore replaces the learned tables, e.g. from a previous state dump.
// Nil maps leave the corresponding table untouched.
func (b *Base) Restore(importance, calibration map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if importance != nil {
		b.importance = maps.Clone(importance)
	}
	if calibration != nil {
		b.calibration = maps.Clone(calibration)
		if _, ok := b.calibration[ScopeGlobal]; !ok {
			b.calibration[ScopeGlobal] = 1.0
		}
	}
}
