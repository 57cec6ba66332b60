package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/a-marczewski/kparouter/internal/classifier"
)

func boolPtr(b bool) *bool { return &b }

func TestUpdateAfterClassification(t *testing.T) {
	tr := NewTracker(0)
	cls := classifier.Classification{KPA: "KPA1", Confidence: 0.9}

	tr.UpdateAfterClassification(cls, boolPtr(true))
	tr.UpdateAfterClassification(cls, boolPtr(false))
	tr.UpdateAfterClassification(cls, nil)

	s := tr.Snapshot()
	assert.Equal(t, 3, s.EvidenceProcessedCount)
	assert.Equal(t, 1, s.Approvals)
	assert.Equal(t, 1, s.Corrections)
	assert.Equal(t, 1, s.PendingReviews)
	assert.Equal(t, DefaultWindow, s.WindowSize)
	assert.Equal(t, 3, s.WindowFill)
	assert.InDelta(t, 0.5, s.RollingAccuracy, 1e-12)
}

func TestRollingAccuracyEmptyIsZero(t *testing.T) {
	tr := NewTracker(10)
	assert.Equal(t, 0.0, tr.Snapshot().RollingAccuracy)

	tr.UpdateAfterClassification(classifier.Classification{}, nil)
	assert.Equal(t, 0.0, tr.Snapshot().RollingAccuracy)
}

func TestRollingWindowEvictsOldest(t *testing.T) {
	tr := NewTracker(2)
	tr.UpdateAfterClassification(classifier.Classification{}, boolPtr(false))
	tr.UpdateAfterClassification(classifier.Classification{}, boolPtr(true))
	tr.UpdateAfterClassification(classifier.Classification{}, boolPtr(true))

	s := tr.Snapshot()
	assert.Equal(t, 2, s.WindowFill)
	assert.Equal(t, 1.0, s.RollingAccuracy)
	assert.Equal(t, 1, s.Corrections)
}

func TestRecordReview(t *testing.T) {
	tr := NewTracker(10)
	tr.UpdateAfterClassification(classifier.Classification{}, nil)
	tr.UpdateAfterClassification(classifier.Classification{}, nil)

	tr.RecordReview(false)
	tr.RecordReview(true)
	tr.RecordReview(true)

	s := tr.Snapshot()
	assert.Equal(t, 0, s.PendingReviews)
	assert.Equal(t, 1, s.Approvals)
	assert.Equal(t, 2, s.Corrections)
	assert.InDelta(t, 1.0/3.0, s.RollingAccuracy, 1e-12)
}

func TestIncrementAndErrors(t *testing.T) {
	tr := NewTracker(10)
	tr.Increment(MetricApprovals, 2)
	tr.Increment("dumps_written", 1)
	tr.Increment("dumps_written", 1)
	tr.Increment(MetricPendingReviews, -5)
	tr.UpdateAfterError("io")
	tr.UpdateAfterError("io")
	tr.UpdateAfterError("routing")

	s := tr.Snapshot()
	assert.Equal(t, 2, s.Approvals)
	assert.Equal(t, 0, s.PendingReviews)
	assert.Equal(t, 2, s.CustomMetrics["dumps_written"])
	assert.Equal(t, 3, s.ErrorCount)
	assert.Equal(t, map[string]int{"io": 2, "routing": 1}, s.ErrorsByType)
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(10)
	tr.UpdateAfterError("io")
	s := tr.Snapshot()
	s.ErrorsByType["io"] = 99
	assert.Equal(t, 1, tr.Snapshot().ErrorsByType["io"])
}

func TestConcurrentUpdates(t *testing.T) {
	tr := NewTracker(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr.UpdateAfterClassification(classifier.Classification{}, boolPtr(true))
				_ = tr.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, tr.Snapshot().EvidenceProcessedCount)
}
