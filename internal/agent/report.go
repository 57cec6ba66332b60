package agent

import (
	"github.com/a-marczewski/kparouter/internal/classifier"
	"github.com/a-marczewski/kparouter/internal/device"
	"github.com/a-marczewski/kparouter/internal/router"
)

// Result is the outcome of one evidence item or one feedback entry.
type Result struct {
	EvidenceID     string                     `json:"evidence_id"`
	Classification *classifier.Classification `json:"classification,omitempty"`
	Decision       *router.Decision           `json:"decision,omitempty"`
	Kind           string                     `json:"error_kind,omitempty"`
	Err            error                      `json:"-"`
}

// OK reports whether the item was processed without error.
func (r Result) OK() bool {
	return r.Err == nil
}

// BatchReport summarizes one RunOnce cycle.
type BatchReport struct {
	Feedback  []Result     `json:"feedback"`
	Evidence  []Result     `json:"evidence"`
	BatchSize int          `json:"batch_size"`
	Usage     device.Usage `json:"usage"`
	DumpPath  string       `json:"dump_path,omitempty"`
	// DumpDeferred is true when the snapshot was handed to the scheduler.
	DumpDeferred bool  `json:"dump_deferred,omitempty"`
	DumpErr      error `json:"-"`
}

// Processed counts evidence items that were classified and routed.
func (r BatchReport) Processed() int {
	n := 0
	for _, res := range r.Evidence {
		if res.OK() {
			n++
		}
	}
	return n
}

// Failed counts evidence and feedback entries that ended in an error.
func (r BatchReport) Failed() int {
	n := 0
	for _, res := range r.Evidence {
		if !res.OK() {
			n++
		}
	}
	for _, res := range r.Feedback {
		if !res.OK() {
			n++
		}
	}
	return n
}

// Idle reports whether the cycle found no work at all.
func (r BatchReport) Idle() bool {
	return len(r.Evidence) == 0 && len(r.Feedback) == 0
}
