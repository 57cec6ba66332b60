package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/a-marczewski/kparouter/internal/aggregate"
	"github.com/a-marczewski/kparouter/internal/router"
)

var (
	aggContracts []string
	aggScores    []string
	aggScoring   string
	aggOut       string
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate scored artefacts into KPA summaries and a final rating",
	Long: `Aggregate artefact scores against a performance contract. Contracts, score
sets and scoring configs may be JSON or YAML. Pass --contract and --scores once
per contract; several contracts are aggregated in parallel.

The report is CSV by default. An --out path ending in .xlsx writes a workbook,
.json writes the raw summaries. With several contracts the contract id is added
to each output file name.

Examples:
  kparouter aggregate --contract contract.yaml --scores scores.json
  kparouter aggregate --contract a.yaml --scores a.json --contract b.yaml --scores b.json --out report.xlsx`,
	RunE: runAggregateCmd,
}

func init() {
	aggregateCmd.Flags().StringArrayVar(&aggContracts, "contract", nil, "Contract file (repeatable)")
	aggregateCmd.Flags().StringArrayVar(&aggScores, "scores", nil, "Artefact score file, one per --contract")
	aggregateCmd.Flags().StringVar(&aggScoring, "scoring", "", "Scoring config with thresholds, rating bands and tier rules")
	aggregateCmd.Flags().StringVarP(&aggOut, "out", "o", "", "Output file (.csv, .xlsx or .json); stdout CSV when empty")
	_ = aggregateCmd.MarkFlagRequired("contract")
	_ = aggregateCmd.MarkFlagRequired("scores")
}

func runAggregateCmd(cmd *cobra.Command, args []string) error {
	if len(aggContracts) != len(aggScores) {
		return fmt.Errorf("got %d --contract and %d --scores; pass one of each per contract", len(aggContracts), len(aggScores))
	}

	cfg := aggregate.DefaultScoringConfig()
	if aggScoring != "" {
		loaded, err := aggregate.LoadScoringConfig(aggScoring)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	jobs := make([]aggregate.Job, 0, len(aggContracts))
	for i := range aggContracts {
		contract, err := aggregate.LoadContract(aggContracts[i])
		if err != nil {
			return err
		}
		scores, err := aggregate.LoadScores(aggScores[i])
		if err != nil {
			return err
		}
		jobs = append(jobs, aggregate.Job{Contract: contract, Scores: scores, Config: cfg})
	}

	outcomes, err := aggregate.AggregateAll(cmd.Context(), jobs)
	if err != nil {
		return err
	}

	for _, outcome := range outcomes {
		path := aggOut
		if path != "" && len(outcomes) > 1 {
			path = perContractPath(path, outcome.ContractID)
		}
		if err := writeOutcome(path, outcome); err != nil {
			return err
		}
		if path != "" {
			fmt.Printf("%s: %.2f%% rating %d (%s), tier %s → %s\n",
				outcome.ContractID, outcome.Final.OverallScore*100, outcome.Final.FinalRating,
				outcome.Final.RatingLabel, outcome.Final.FinalTier, path)
		}
	}
	return nil
}

// perContractPath turns report.csv into report_<id>.csv.
func perContractPath(path, contractID string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + router.SanitizeID(contractID) + ext
}

func writeOutcome(path string, outcome aggregate.Outcome) error {
	if path == "" || path == "-" {
		return writeCSVTo(os.Stdout, outcome)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return aggregate.WriteXLSX(path, outcome.Summaries, outcome.Final)
	case ".json":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return encodeOutcome(f, outcome)
	default:
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := writeCSVTo(f, outcome); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
}

func writeCSVTo(w io.Writer, outcome aggregate.Outcome) error {
	return aggregate.WriteCSV(w, outcome.Summaries, outcome.Final)
}

func encodeOutcome(w io.Writer, outcome aggregate.Outcome) error {
	enc := newIndentEncoder(w)
	return enc.Encode(struct {
		ContractID string                     `json:"contract_id"`
		Summaries  []aggregate.KPASummary     `json:"kpa_summaries"`
		Final      aggregate.FinalPerformance `json:"final_performance"`
	}{outcome.ContractID, outcome.Summaries, outcome.Final})
}
