package state

import (
	"maps"
	"sync"
	"time"

	"github.com/a-marczewski/kparouter/internal/classifier"
)

// DefaultWindow is the number of recent outcomes kept for rolling accuracy.
const DefaultWindow = 100

// Counter names accepted by Increment. Any other name is a custom metric.
const (
	MetricProcessed      = "evidence_processed_count"
	MetricApprovals      = "approvals"
	MetricCorrections    = "corrections"
	MetricPendingReviews = "pending_reviews"
	MetricErrors         = "error_count"
)

type outcome uint8

const (
	outcomePending outcome = iota
	outcomeApproved
	outcomeCorrected
)

// Snapshot is an immutable copy of the tracker's counters.
type Snapshot struct {
	EvidenceProcessedCount int            `json:"evidence_processed_count"`
	Approvals              int            `json:"approvals"`
	Corrections            int            `json:"corrections"`
	PendingReviews         int            `json:"pending_reviews"`
	ErrorCount             int            `json:"error_count"`
	ErrorsByType           map[string]int `json:"errors_by_type"`
	CustomMetrics          map[string]int `json:"custom_metrics"`
	RollingAccuracy        float64        `json:"rolling_accuracy"`
	WindowSize             int            `json:"window_size"`
	WindowFill             int            `json:"window_fill"`
	LastUpdated            time.Time      `json:"last_updated"`
}

// Tracker keeps the running picture of how the pipeline is doing.
// It is safe for concurrent use.
type Tracker struct {
	mu             sync.RWMutex
	processed      int
	approvals      int
	corrections    int
	pendingReviews int
	errorCount     int
	errorsByType   map[string]int
	custom         map[string]int
	window         []outcome
	windowSize     int
	lastUpdated    time.Time
	now            func() time.Time
}

// NewTracker creates a tracker with a rolling window of the given size.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		errorsByType: make(map[string]int),
		custom:       make(map[string]int),
		windowSize:   window,
		lastUpdated:  time.Now(),
		now:          time.Now,
	}
}

// Increment adds amount to a named counter. Unknown names go to custom metrics.
func (t *Tracker) Increment(metric string, amount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch metric {
	case MetricProcessed:
		t.processed += amount
	case MetricApprovals:
		t.approvals += amount
	case MetricCorrections:
		t.corrections += amount
	case MetricPendingReviews:
		t.pendingReviews = max(t.pendingReviews+amount, 0)
	case MetricErrors:
		t.errorCount += amount
	default:
		t.custom[metric] += amount
	}
	t.lastUpdated = t.now()
}

// UpdateAfterClassification counts a processed item. approved is true for
// auto-accepted routing, false for a rejected one and nil while a review is pending.
func (t *Tracker) UpdateAfterClassification(_ classifier.Classification, approved *bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processed++
	switch {
	case approved == nil:
		t.pendingReviews++
		t.push(outcomePending)
	case *approved:
		t.approvals++
		t.push(outcomeApproved)
	default:
		t.corrections++
		t.push(outcomeCorrected)
	}
	t.lastUpdated = t.now()
}

// RecordReview resolves one pending review. changed reports whether the
// reviewer moved the evidence to a different category.
func (t *Tracker) RecordReview(changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pendingReviews = max(t.pendingReviews-1, 0)
	if changed {
		t.corrections++
		t.push(outcomeCorrected)
	} else {
		t.approvals++
		t.push(outcomeApproved)
	}
	t.lastUpdated = t.now()
}

// UpdateAfterError counts a failure of the given kind.
func (t *Tracker) UpdateAfterError(kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errorCount++
	t.errorsByType[kind]++
	t.lastUpdated = t.now()
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		EvidenceProcessedCount: t.processed,
		Approvals:              t.approvals,
		Corrections:            t.corrections,
		PendingReviews:         t.pendingReviews,
		ErrorCount:             t.errorCount,
		ErrorsByType:           maps.Clone(t.errorsByType),
		CustomMetrics:          maps.Clone(t.custom),
		RollingAccuracy:        t.rollingAccuracy(),
		WindowSize:             t.windowSize,
		WindowFill:             len(t.window),
		LastUpdated:            t.lastUpdated,
	}
}

func (t *Tracker) push(o outcome) {
	t.window = append(t.window, o)
	if over := len(t.window) - t.windowSize; over > 0 {
		t.window = append(t.window[:0], t.window[over:]...)
	}
}

// rollingAccuracy is approvals over decided outcomes in the window.
func (t *Tracker) rollingAccuracy() float64 {
	var approved, decided int
	for _, o := range t.window {
		switch o {
		case outcomeApproved:
			approved++
			decided++
		case outcomeCorrected:
			decided++
		}
	}
	if decided == 0 {
		return 0
	}
	return float64(approved) / float64(decided)
}
