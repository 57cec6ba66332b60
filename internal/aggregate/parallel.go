package aggregate

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Job is one contract to aggregate.
type Job struct {
	Contract Contract
	Scores   []ArtefactScore
	Config   ScoringConfig
}

// Outcome is the result of one Job.
type Outcome struct {
	ContractID string
	Summaries  []KPASummary
	Final      FinalPerformance
}

// AggregateAll aggregates independent contracts in parallel. Outcomes keep
// the order of jobs.
func AggregateAll(ctx context.Context, jobs []Job) ([]Outcome, error) {
	out := make([]Outcome, len(jobs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			summaries, final := Aggregate(job.Contract, job.Scores, job.Config)
			out[i] = Outcome{ContractID: job.Contract.ID, Summaries: summaries, Final: final}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
