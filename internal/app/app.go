package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/a-marczewski/kparouter/internal/agent"
	"github.com/a-marczewski/kparouter/internal/audit"
	"github.com/a-marczewski/kparouter/internal/classifier"
	"github.com/a-marczewski/kparouter/internal/config"
	"github.com/a-marczewski/kparouter/internal/device"
	"github.com/a-marczewski/kparouter/internal/inbox"
	"github.com/a-marczewski/kparouter/internal/knowledge"
	"github.com/a-marczewski/kparouter/internal/learning"
	"github.com/a-marczewski/kparouter/internal/ledger"
	"github.com/a-marczewski/kparouter/internal/logging"
	"github.com/a-marczewski/kparouter/internal/router"
	"github.com/a-marczewski/kparouter/internal/scheduler"
	"github.com/a-marczewski/kparouter/internal/state"
	"go.uber.org/zap"
)

// Options controls how NewApp builds the application.
type Options struct {
	// ConfigPath overrides <project>/.kparouter/config.toml.
	ConfigPath string
	// Config skips loading entirely when set.
	Config *config.Config
	// Quiet keeps log output out of stderr.
	Quiet bool
	// Sampler overrides the host utilization sampler.
	Sampler device.Sampler
	// Fresh skips restoring learned weights from the latest dump.
	Fresh bool
}

// NewApp initializes and returns a new App instance.
func NewApp(opts Options) (*App, error) {
	// 1. Load configuration
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	// 2. Initialize logger
	logger, err := logging.NewLoggerWithStderr(cfg.LogLevel, cfg.LogFile, !opts.Quiet)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &App{Core: CoreModule{Config: cfg, Logger: logger}}
	if err := a.build(opts); err != nil {
		a.Close()
		return nil, err
	}

	a.Ctx, a.Cancel = context.WithCancel(context.Background())
	return a, nil
}

func (a *App) build(opts Options) error {
	cfg := a.Core.Config
	logger := a.Core.Logger

	// 3. Domain files. Keywords are required; policy and profiles are optional.
	keywords, err := knowledge.LoadKeywords(cfg.KeywordsFile)
	if err != nil {
		return fmt.Errorf("failed to load keywords: %w", err)
	}

	rules, err := router.LoadPolicy(cfg.PolicyFile)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("No policy file, policy checks disabled", zap.String("path", cfg.PolicyFile))
	} else if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	profiles, err := device.LoadProfiles(cfg.DeviceProfilesFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load device profiles: %w", err)
	}
	a.Device = DeviceModule{
		Profile: device.Select(profiles, cfg.DeviceProfile),
		Sampler: opts.Sampler,
	}
	if a.Device.Sampler == nil {
		a.Device.Sampler = device.SystemSampler{}
	}

	// 4. Audit log and ledger
	a.Core.Audit, err = audit.Open(cfg.AuditLog)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	if cfg.LedgerEnabled {
		a.Core.Ledger, err = ledger.Open(cfg.LedgerPath)
		if err != nil {
			logger.Error("Failed to initialize ledger", zap.Error(err))
			return fmt.Errorf("failed to initialize ledger: %w", err)
		}
	}

	// 5. Pipeline
	kb := knowledge.New(keywords)
	cls := classifier.New(kb, cfg.AmbiguityGap)
	a.Pipeline = PipelineModule{
		Knowledge:  kb,
		Classifier: cls,
		Router: router.New(router.Options{
			KPABase:       cfg.KPABase,
			DirectorQueue: cfg.DirectorQueue,
			MinConfidence: cfg.MinConfidence,
			Rules:         rules,
			Logger:        logger,
		}),
		Learning: learning.New(kb, learning.Options{
			Rate:         cfg.LearningRate,
			HistoryLimit: cfg.HistoryLimit,
			Audit:        a.Core.Audit,
			Ledger:       a.Core.Ledger,
			Logger:       logger,
		}),
		State:     state.NewTracker(cfg.StateWindow),
		Scheduler: scheduler.New(cfg.SchedulerQueueSize, logger),
	}

	if !opts.Fresh {
		a.restore()
	}

	// 6. Agent
	a.Agent, err = agent.New(agent.Options{
		Classifier:    cls,
		Router:        a.Pipeline.Router,
		Learning:      a.Pipeline.Learning,
		State:         a.Pipeline.State,
		Knowledge:     kb,
		Scheduler:     a.Pipeline.Scheduler,
		Audit:         a.Core.Audit,
		Ledger:        a.Core.Ledger,
		Sampler:       a.Device.Sampler,
		Profile:       a.Device.Profile,
		Logger:        logger,
		BaseBatchSize: cfg.BaseBatchSize,
		DumpDir:       cfg.DumpDir,
		DumpEvery:     cfg.DumpEvery,
		DumpInterval:  cfg.DumpInterval(),
		BaseSleep:     cfg.BaseSleep,
		MinSleep:      cfg.MinSleep,
		MaxSleep:      cfg.MaxSleep,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info("kparouter initialized",
		zap.Int("categories", len(kb.Categories())),
		zap.Int("policy_rules", len(rules)),
		zap.String("profile", a.Device.Profile.Name),
		zap.Bool("ledger", a.Core.Ledger != nil))
	return nil
}

// restore loads learned weights from the newest dump, preferring the one the
// ledger recorded last. Failures are logged and the app starts fresh.
func (a *App) restore() {
	cfg := a.Core.Config
	logger := a.Core.Logger

	var path string
	if snap, err := a.Core.Ledger.LatestSnapshot(); err != nil {
		logger.Warn("Failed to read latest snapshot from ledger", zap.Error(err))
	} else if snap != nil {
		if _, err := os.Stat(snap.Path); err == nil {
			path = snap.Path
		}
	}
	if path == "" {
		latest, err := agent.LatestDump(cfg.DumpDir)
		if err != nil {
			logger.Warn("Failed to scan dump directory", zap.Error(err))
			return
		}
		path = latest
	}
	if path == "" {
		return
	}

	d, err := agent.ReadDump(path)
	if err != nil {
		logger.Warn("Ignoring unreadable state dump", zap.String("path", path), zap.Error(err))
		return
	}
	a.Pipeline.Knowledge.Restore(d.KeywordImportance, d.Calibration)
	a.Pipeline.Classifier.RefreshCalibration()
	a.RestoredFrom = path
	logger.Info("Restored learned weights",
		zap.String("path", path),
		zap.Int("keywords", len(d.KeywordImportance)))
}

// Run drives the agent until ctx is cancelled, feeding it from the inbox
// directory when one is configured.
func (a *App) Run(ctx context.Context) error {
	var watcher *inbox.Watcher
	if dir := a.Core.Config.InboxDir; dir != "" {
		w, err := inbox.New(dir, a.Agent, a.Core.Logger, 0)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			w.Stop()
			return err
		}
		watcher = w
	}

	err := a.Agent.RunForever(ctx)
	if watcher != nil {
		watcher.Stop()
	}
	a.Agent.GracefulShutdown()
	return err
}

// Close gracefully shuts down the application resources.
func (a *App) Close() {
	// Cancel the context to stop any running goroutines
	if a.Cancel != nil {
		a.Cancel()
	}
	if a.Pipeline.Scheduler != nil {
		a.Pipeline.Scheduler.Stop(agent.DefaultShutdownTimeout)
	}

	if err := a.Core.Audit.Close(); err != nil {
		a.Core.Logger.Error("Failed to close audit log", zap.Error(err))
	}
	if a.Core.Ledger != nil {
		if err := a.Core.Ledger.Close(); err != nil {
			a.Core.Logger.Error("Failed to close ledger", zap.Error(err))
		} else {
			a.Core.Logger.Debug("Ledger closed.")
		}
	}
	if a.Core.Logger != nil {
		if err := a.Core.Logger.Sync(); err != nil {
			// Syncing stderr fails on terminals and pipes; only report real errors.
			if !strings.Contains(err.Error(), "sync /dev/stderr: invalid argument") &&
				!strings.Contains(err.Error(), "sync <file descriptor>: bad file descriptor") &&
				!strings.Contains(err.Error(), "sync /dev/stderr: inappropriate ioctl for device") {
				fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
			}
		}
	}
}

// ContextWithLogger returns a new context with the application's logger.
func (a *App) ContextWithLogger(ctx context.Context) context.Context {
	return logging.ContextWithLogger(ctx, a.Core.Logger)
}

// LoggerFromContext retrieves the logger from the given context, or returns the default app logger.
func (a *App) LoggerFromContext(ctx context.Context) *zap.Logger {
	if logger, ok := logging.LoggerFromContext(ctx); ok {
		return logger
	}
	return a.Core.Logger
}
