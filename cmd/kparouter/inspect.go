package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/a-marczewski/kparouter/internal/agent"
	"github.com/a-marczewski/kparouter/internal/app"
	"github.com/a-marczewski/kparouter/internal/device"
	"github.com/a-marczewski/kparouter/internal/doctor"
	"github.com/a-marczewski/kparouter/internal/evidence"
	"github.com/a-marczewski/kparouter/internal/ledger"
)

func newIndentEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}

func printJSON(v any) error {
	return newIndentEncoder(os.Stdout).Encode(v)
}

var (
	classifyText string
	classifyJSON bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify [files...]",
	Short: "Show how evidence would be classified and routed, without moving it",
}

func init() {
	classifyCmd.Flags().StringVar(&classifyText, "text", "", "Classify this text")
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "Output JSON")
}

type classifyOutput struct {
	EvidenceID string             `json:"evidence_id"`
	KPA        string             `json:"kpa"`
	Confidence float64            `json:"confidence"`
	Ambiguous  bool               `json:"ambiguity"`
	Reasons    []string           `json:"reasons"`
	Scores     map[string]float64 `json:"scores"`
	WouldRoute string             `json:"would_route_to"`
	Reason     string             `json:"reason,omitempty"`
}

func runClassifyCmd(a *app.App, cmd *cobra.Command, args []string) error {
	var payloads []evidence.Payload
	if classifyText != "" {
		payloads = append(payloads, evidence.Payload{Text: &classifyText})
	}
	for _, path := range args {
		payloads = append(payloads, evidence.FromFile(path))
	}
	if len(payloads) == 0 {
		return fmt.Errorf("nothing to classify: pass files or --text")
	}

	normalizer := evidence.NewNormalizer()
	var outputs []classifyOutput
	for _, p := range payloads {
		ev, err := normalizer.Normalize(p)
		if err != nil {
			return err
		}
		cls := a.Pipeline.Classifier.Classify(ev)
		reason, dir := a.Pipeline.Router.Decide(ev, cls)
		outputs = append(outputs, classifyOutput{
			EvidenceID: ev.ID,
			KPA:        cls.KPA,
			Confidence: cls.Confidence,
			Ambiguous:  cls.Ambiguous,
			Reasons:    cls.Reasons,
			Scores:     cls.Scores,
			WouldRoute: dir,
			Reason:     reason,
		})
	}

	if classifyJSON {
		return printJSON(outputs)
	}
	for _, out := range outputs {
		label := out.KPA
		if label == "" {
			label = "(no match)"
		}
		fmt.Printf("%s: %s %.2f", out.EvidenceID, label, out.Confidence)
		if out.Reason != "" {
			fmt.Printf(" → director (%s)", out.Reason)
		} else {
			fmt.Printf(" → %s", out.WouldRoute)
		}
		fmt.Println()
		if len(out.Reasons) > 0 {
			fmt.Printf("    matched: %s\n", strings.Join(out.Reasons, ", "))
		}
	}
	return nil
}

var (
	historyLimit    int
	historyEvidence string
	historyJSON     bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent routing decisions from the ledger",
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of decisions to show")
	historyCmd.Flags().StringVar(&historyEvidence, "evidence", "", "Show learning events for one evidence id instead")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
}

func runHistoryCmd(a *app.App, cmd *cobra.Command, args []string) error {
	if a.Core.Ledger == nil {
		return fmt.Errorf("ledger is disabled")
	}

	if historyEvidence != "" {
		events, err := a.Core.Ledger.LearningEvents(historyEvidence)
		if err != nil {
			return err
		}
		if historyJSON {
			return printJSON(events)
		}
		if len(events) == 0 {
			fmt.Printf("No learning events for %s.\n", historyEvidence)
			return nil
		}
		for _, e := range events {
			fmt.Printf("%s  %-20s %d tokens\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Event, len(e.Delta))
		}
		return nil
	}

	decisions, err := a.Core.Ledger.RecentDecisions(historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return printJSON(decisions)
	}
	if len(decisions) == 0 {
		fmt.Println("No decisions recorded yet.")
		return nil
	}
	for _, d := range decisions {
		reason := d.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Printf("%s  %-24s %-8s %-10s %.2f  %-16s %s\n",
			d.Timestamp.Format("2006-01-02 15:04:05"), d.EvidenceID, d.RoutedTo, d.KPA, d.Confidence, reason, d.Destination)
	}
	return nil
}

var stateTop int

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the counters and learned weights from the latest state dump",
}

func init() {
	stateCmd.Flags().IntVar(&stateTop, "top", 10, "Number of learned keywords to list")
}

func runStateCmd(a *app.App, cmd *cobra.Command, args []string) error {
	if a.RestoredFrom == "" {
		fmt.Println("No state dump found.")
		return nil
	}
	d, err := agent.ReadDump(a.RestoredFrom)
	if err != nil {
		return err
	}

	fmt.Printf("State dump: %s\n\n", a.RestoredFrom)
	if err := printJSON(d.State); err != nil {
		return err
	}

	type weight struct {
		token string
		value float64
	}
	weights := make([]weight, 0, len(d.KeywordImportance))
	for token, value := range d.KeywordImportance {
		weights = append(weights, weight{token, value})
	}
	sort.Slice(weights, func(i, j int) bool {
		if weights[i].value != weights[j].value {
			return weights[i].value > weights[j].value
		}
		return weights[i].token < weights[j].token
	})
	if len(weights) > stateTop {
		weights = weights[:stateTop]
	}

	fmt.Printf("\nCalibration: %.3f\n", a.Pipeline.Classifier.CalibrationFactor())
	fmt.Println("Top learned keywords:")
	for _, w := range weights {
		fmt.Printf("  %-24s %+.4f\n", w.token, w.value)
	}
	return nil
}

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostics on the kparouter environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		var l *ledger.Ledger
		if cfg.LedgerEnabled {
			if opened, err := ledger.Open(cfg.LedgerPath); err == nil {
				l = opened
				defer l.Close()
			}
		}

		diag := doctor.NewRunner(cfg, l, device.SystemSampler{}).RunAll(cmd.Context())
		if doctorJSON {
			if err := printJSON(diag); err != nil {
				return err
			}
		} else {
			diag.PrintReport()
		}
		if diag.Status != doctor.StatusHealthy {
			return fmt.Errorf("%d issue(s) found", len(diag.Issues))
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output JSON")
}
