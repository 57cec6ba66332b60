package learning

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a-marczewski/kparouter/internal/audit"
	"github.com/a-marczewski/kparouter/internal/evidence"
	"github.com/a-marczewski/kparouter/internal/knowledge"
	"github.com/a-marczewski/kparouter/internal/ledger"
	"github.com/a-marczewski/kparouter/internal/tokens"
)

const (
	DefaultRate         = 0.1
	DefaultHistoryLimit = 500

	// PenaltyFactor scales the extra update applied when a correction changed the category.
	PenaltyFactor = -0.5
	// ReflectionFactor scales the milder update applied for reflection notes.
	ReflectionFactor = 0.2
)

// Event names recorded in history.
const (
	EventDirectorCorrection = "director_correction"
	EventReflection         = "reflection"
)

// Event is one applied feedback update.
type Event struct {
	Timestamp  time.Time          `json:"timestamp"`
	EvidenceID string             `json:"evidence_id"`
	Event      string             `json:"event"`
	Delta      map[string]float64 `json:"delta"`
	Metadata   map[string]any     `json:"metadata"`
}

// Options configures an Engine. Audit and Ledger may be nil.
type Options struct {
	Rate         float64
	HistoryLimit int
	Audit        *audit.Logger
	Ledger       *ledger.Ledger
	Logger       *zap.Logger
}

// Engine turns director corrections and reflection notes into keyword
// weight and calibration updates on a knowledge base.
type Engine struct {
	kb     *knowledge.Base
	rate   float64
	limit  int
	audit  *audit.Logger
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	history []Event
}

// New creates an Engine that updates kb.
func New(kb *knowledge.Base, opts Options) *Engine {
	e := &Engine{
		kb:     kb,
		rate:   opts.Rate,
		limit:  opts.HistoryLimit,
		audit:  opts.Audit,
		ledger: opts.Ledger,
		logger: opts.Logger,
		now:    time.Now,
	}
	if e.rate <= 0 {
		e.rate = DefaultRate
	}
	if e.limit <= 0 {
		e.limit = DefaultHistoryLimit
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Rate returns the configured learning rate.
func (e *Engine) Rate() float64 {
	return e.rate
}

// IngestDirectorCorrection rewards every evidence token by the learning rate.
// When the correction changed the category, the same tokens also take a
// smaller penalty, summed into one delta per token.
func (e *Engine) IngestDirectorCorrection(ev evidence.Evidence, predicted, corrected string) Event {
	changed := predicted != "" && corrected != "" && predicted != corrected

	perToken := e.rate
	if changed {
		perToken += PenaltyFactor * e.rate
	}

	delta := make(map[string]float64)
	for _, tok := range tokens.Words(ev.Text) {
		e.kb.Adjust(tok, perToken)
		delta[tok] = perToken
	}

	return e.record(ev.ID, EventDirectorCorrection, delta, map[string]any{
		"predicted_kpa": predicted,
		"corrected_kpa": corrected,
		"changed":       changed,
	})
}

// IngestReflectionFeedback applies a mild update to the tokens of the evidence
// text and the notes. Non-empty notes also bump the reflection bias.
func (e *Engine) IngestReflectionFeedback(ev evidence.Evidence, notes []string) Event {
	mild := ReflectionFactor * e.rate
	noteTokens := tokens.Words(strings.Join(notes, " "))

	delta := make(map[string]float64)
	for _, tok := range tokens.Words(ev.Text) {
		delta[tok] = mild
	}
	for _, tok := range noteTokens {
		delta[tok] = mild
	}
	for tok, d := range delta {
		e.kb.Adjust(tok, d)
	}

	biased := len(noteTokens) > 0
	if biased {
		e.kb.AdjustCalibration(knowledge.ScopeReflectionBias, mild)
	}

	return e.record(ev.ID, EventReflection, delta, map[string]any{
		"notes":           notes,
		"reflection_bias": biased,
	})
}

// History returns a copy of the retained events, oldest first.
func (e *Engine) History() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) record(evidenceID, name string, delta map[string]float64, metadata map[string]any) Event {
	ev := Event{
		Timestamp:  e.now(),
		EvidenceID: evidenceID,
		Event:      name,
		Delta:      delta,
		Metadata:   metadata,
	}

	e.mu.Lock()
	e.history = append(e.history, ev)
	if over := len(e.history) - e.limit; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	e.mu.Unlock()

	if err := e.audit.LogLearning(evidenceID, name, delta, metadata); err != nil {
		e.logger.Warn("Failed to audit learning event", zap.String("evidence_id", evidenceID), zap.Error(err))
	}
	if _, err := e.ledger.RecordLearning(ledger.LearningEvent{
		EvidenceID: evidenceID,
		Event:      name,
		Delta:      delta,
		Metadata:   metadata,
		Timestamp:  ev.Timestamp,
	}); err != nil {
		e.logger.Warn("Failed to record learning event", zap.String("evidence_id", evidenceID), zap.Error(err))
	}

	e.logger.Debug("Learning applied",
		zap.String("evidence_id", evidenceID),
		zap.String("event", name),
		zap.Int("tokens", len(delta)))
	return ev
}
