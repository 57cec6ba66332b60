package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/a-marczewski/kparouter/internal/agent"
	"github.com/a-marczewski/kparouter/internal/app"
	"github.com/a-marczewski/kparouter/internal/config"
	"github.com/a-marczewski/kparouter/internal/evidence"
	"github.com/a-marczewski/kparouter/internal/inbox"
	"github.com/a-marczewski/kparouter/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "kparouter",
	Short: "kparouter - Evidence classification and KPA routing",
	Long: `kparouter classifies evidence against key performance areas, routes it to
KPA buckets or the director review queue, learns from director feedback and
aggregates scored artefacts into a final performance rating.`,
	SilenceUsage: true,
}

var (
	configPath    string
	verbose       bool
	deviceProfile string
	noLedger      bool
	fresh         bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default <project>/.kparouter/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
	rootCmd.PersistentFlags().StringVar(&deviceProfile, "profile", "", "Device profile name from device_profiles.json")
	rootCmd.PersistentFlags().BoolVar(&noLedger, "no-ledger", false, "Do not record decisions in the ledger")
	rootCmd.PersistentFlags().BoolVar(&fresh, "fresh", false, "Ignore learned weights from earlier state dumps")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(completionCmd)
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate the autocompletion script for the specified shell",
	Long: `Generate the autocompletion script for kparouter for the specified shell.
See each command's help for details on how to use the generated script.
	`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kparouter v%s\n", version.Version)
	},
}

var runInbox string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	Long: `Run the autonomous agent loop. Files dropped into the inbox directory are
classified and routed; files ending in ` + inbox.FeedbackSuffix + ` are applied
as director feedback. Stop with Ctrl-C.`,
}

func init() {
	runCmd.Flags().StringVar(&runInbox, "inbox", "", "Directory to watch for new evidence (overrides paths.inbox)")
}

func runRunCmd(a *app.App, cmd *cobra.Command, args []string) error {
	if a.Core.Config.InboxDir == "" {
		return fmt.Errorf("no inbox configured: pass --inbox or set paths.inbox")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Watching %s (profile %s). Press Ctrl-C to stop.\n", a.Core.Config.InboxDir, a.Device.Profile.Name)
	if err := a.Run(ctx); err != nil {
		return err
	}

	printStateSummary(a)
	return nil
}

var onceText string

var onceCmd = &cobra.Command{
	Use:   "once [files...]",
	Short: "Classify and route the given files, then exit",
	Long: `Submit evidence files (and ` + inbox.FeedbackSuffix + ` feedback files) to the
agent, process every queued item and write a final state dump.

Examples:
  kparouter once reports/week1.pdf reports/week2.txt
  kparouter once --text "lesson plan for grade 7 science"
  kparouter once corrections/week1.feedback.json`,
}

func init() {
	onceCmd.Flags().StringVar(&onceText, "text", "", "Submit this text as a single evidence item")
}

func runOnceCmd(a *app.App, cmd *cobra.Command, args []string) error {
	if len(args) == 0 && onceText == "" {
		return fmt.Errorf("nothing to process: pass files or --text")
	}

	if onceText != "" {
		a.Agent.Submit(evidence.Payload{Text: &onceText})
	}
	for _, path := range args {
		if err := submitPath(a.Agent, path); err != nil {
			return err
		}
	}

	return drainAndReport(cmd.Context(), a)
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback [feedback.json...]",
	Short: "Apply director corrections or reflection notes",
	Long: `Apply feedback files to the learning engine. Each file holds one object:

  {"evidence": {...}, "predicted_kpa": "KPA1", "corrected_kpa": "KPA3"}
  {"evidence": {...}, "notes": ["clear alignment with lesson planning"]}`,
	Args: cobra.MinimumNArgs(1),
}

func runFeedbackCmd(a *app.App, cmd *cobra.Command, args []string) error {
	for _, path := range args {
		f, err := readFeedback(path)
		if err != nil {
			return err
		}
		a.Agent.SubmitFeedback(f)
	}
	return drainAndReport(cmd.Context(), a)
}

func submitPath(svc *agent.Service, path string) error {
	if strings.HasSuffix(path, inbox.FeedbackSuffix) {
		f, err := readFeedback(path)
		if err != nil {
			return err
		}
		svc.SubmitFeedback(f)
		return nil
	}
	svc.Submit(evidence.FromFile(path))
	return nil
}

func readFeedback(path string) (evidence.Feedback, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return evidence.Feedback{}, fmt.Errorf("read feedback %s: %w", path, err)
	}
	f, err := evidence.ParseFeedback(data)
	if err != nil {
		return evidence.Feedback{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func drainAndReport(ctx context.Context, a *app.App) error {
	reports, err := a.Agent.Drain(ctx)
	for _, report := range reports {
		for _, res := range report.Feedback {
			printResult("feedback", res)
		}
		for _, res := range report.Evidence {
			printResult("evidence", res)
		}
		if report.DumpErr != nil {
			fmt.Printf("❌ State dump failed: %v\n", report.DumpErr)
		} else if report.DumpPath != "" {
			fmt.Printf("State dump: %s\n", report.DumpPath)
		}
	}
	printStateSummary(a)
	return err
}

func printResult(kind string, res agent.Result) {
	if !res.OK() {
		fmt.Printf("❌ %s %s [%s]: %v\n", kind, res.EvidenceID, res.Kind, res.Err)
		return
	}
	if res.Decision == nil {
		fmt.Printf("✅ %s %s applied\n", kind, res.EvidenceID)
		return
	}
	d := res.Decision
	reason := ""
	if d.Reason != "" {
		reason = " (" + d.Reason + ")"
	}
	fmt.Printf("✅ %s %s → %s %s%s %.2f\n   %s\n",
		kind, res.EvidenceID, d.RoutedTo, d.KPA, reason, res.Classification.Confidence, d.Destination)
}

func printStateSummary(a *app.App) {
	snap := a.Pipeline.State.Snapshot()
	fmt.Printf("\nProcessed: %d  Approvals: %d  Corrections: %d  Pending reviews: %d  Errors: %d  Rolling accuracy: %.2f\n",
		snap.EvidenceProcessedCount, snap.Approvals, snap.Corrections, snap.PendingReviews, snap.ErrorCount, snap.RollingAccuracy)
}

// loadConfig loads the config file and applies the persistent flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if deviceProfile != "" {
		cfg.DeviceProfile = deviceProfile
	}
	if noLedger {
		cfg.LedgerEnabled = false
	}
	if runInbox != "" {
		cfg.InboxDir = runInbox
	}
	return cfg, nil
}

// newAppRunner creates a Cobra RunE function that builds the app.App instance
// for the command and closes it afterwards.
func newAppRunner(logToStderr bool, runFunc func(*app.App, *cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		a, err := app.NewApp(app.Options{
			Config: cfg,
			Quiet:  !(logToStderr || verbose),
			Fresh:  fresh,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		defer a.Close()

		ctx := a.ContextWithLogger(cmd.Context())
		cmd.SetContext(ctx)
		if err := runFunc(a, cmd, args); err != nil {
			a.LoggerFromContext(ctx).Error("Command failed", zap.String("command", cmd.Name()), zap.Error(err))
			return err
		}
		return nil
	}
}

func main() {
	// Wrap the Run functions with newAppRunner to pass the app instance
	runCmd.RunE = newAppRunner(true, runRunCmd)
	onceCmd.RunE = newAppRunner(false, runOnceCmd)
	feedbackCmd.RunE = newAppRunner(false, runFeedbackCmd)
	classifyCmd.RunE = newAppRunner(false, runClassifyCmd)
	historyCmd.RunE = newAppRunner(false, runHistoryCmd)
	stateCmd.RunE = newAppRunner(false, runStateCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
