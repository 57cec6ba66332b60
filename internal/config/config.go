package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultLearningRate        = 0.1
	DefaultHistoryLimit        = 500
	DefaultMinConfidence       = 0.3
	DefaultAmbiguityGap        = 0.10
	DefaultStateWindow         = 100
	DefaultDumpEvery           = 50
	DefaultDumpIntervalSeconds = 300
	DefaultSchedulerQueueSize  = 16
	DefaultBaseSleep           = 100 * time.Millisecond
	DefaultMinSleep            = 10 * time.Millisecond
	DefaultMaxSleep            = time.Second
	DefaultDeviceProfile       = "default"
)

// Config holds the application configuration
type Config struct {
	// Directories
	KPABase       string
	DirectorQueue string
	DumpDir       string
	InboxDir      string
	AuditLog      string
	LedgerPath    string
	LedgerEnabled bool
	LogLevel      string
	LogFile       string
	ConfigPath    string
	HomeDir       string
	ProjectRoot   string
	// Domain configuration files
	KeywordsFile       string
	PolicyFile         string
	DeviceProfilesFile string
	DeviceProfile      string
	// Classification and routing
	MinConfidence float64
	AmbiguityGap  float64
	// Learning
	LearningRate float64
	HistoryLimit int
	// Agent loop
	BaseBatchSize       int
	StateWindow         int
	DumpEvery           int
	DumpIntervalSeconds int
	SchedulerQueueSize  int
	BaseSleep           time.Duration
	MinSleep            time.Duration
	MaxSleep            time.Duration
}

type fileConfig struct {
	Paths struct {
		KPABase       string `toml:"kpa_base"`
		DirectorQueue string `toml:"director_queue"`
		DumpDir       string `toml:"dump_dir"`
		Inbox         string `toml:"inbox"`
		AuditLog      string `toml:"audit_log"`
	} `toml:"paths"`
	Ledger struct {
		Enabled *bool  `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"ledger"`
	Logging struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"logging"`
	Classifier struct {
		KeywordsFile string  `toml:"keywords_file"`
		AmbiguityGap float64 `toml:"ambiguity_gap"`
	} `toml:"classifier"`
	Router struct {
		PolicyFile    string  `toml:"policy_file"`
		MinConfidence float64 `toml:"min_confidence"`
	} `toml:"router"`
	Learning struct {
		Rate         float64 `toml:"rate"`
		HistoryLimit int     `toml:"history_limit"`
	} `toml:"learning"`
	Agent struct {
		DeviceProfilesFile  string `toml:"device_profiles_file"`
		DeviceProfile       string `toml:"device_profile"`
		BatchSize           int    `toml:"batch_size"`
		StateWindow         int    `toml:"state_window"`
		DumpEvery           int    `toml:"dump_every"`
		DumpIntervalSeconds int    `toml:"dump_interval_seconds"`
		SchedulerQueueSize  int    `toml:"scheduler_queue_size"`
		BaseSleep           string `toml:"base_sleep"`
		MinSleep            string `toml:"min_sleep"`
		MaxSleep            string `toml:"max_sleep"`
	} `toml:"agent"`
}

// LoadConfig loads configuration from defaults, the config file (if present),
// a .env file and KPAROUTER_* environment variables, in that order.
// An empty path means <project root>/.kparouter/config.toml.
func LoadConfig(path string) (*Config, error) {
	projectRoot, err := FindProjectRoot()
	if err != nil {
		return nil, err
	}

	homeDir := GetHomeDir(projectRoot)
	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := Default(homeDir)
	cfg.ProjectRoot = projectRoot
	cfg.ConfigPath = path

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.apply(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env is optional; a missing file is not an error
	_ = godotenv.Load(filepath.Join(projectRoot, ".env"))
	cfg.loadEnv()

	return cfg, nil
}

// Default returns a configuration rooted at homeDir with every default applied.
func Default(homeDir string) *Config {
	return &Config{
		KPABase:             filepath.Join(homeDir, "kpa"),
		DirectorQueue:       filepath.Join(homeDir, "director_queue"),
		DumpDir:             filepath.Join(homeDir, "dumps"),
		AuditLog:            filepath.Join(homeDir, "logs", "audit.jsonl"),
		LedgerPath:          filepath.Join(homeDir, "ledger.sqlite3"),
		LedgerEnabled:       true,
		LogLevel:            "info",
		LogFile:             filepath.Join(homeDir, "logs", "kparouter.log"),
		HomeDir:             homeDir,
		KeywordsFile:        filepath.Join(homeDir, "kpa_keywords.json"),
		PolicyFile:          filepath.Join(homeDir, "policy_rules.json"),
		DeviceProfilesFile:  filepath.Join(homeDir, "device_profiles.json"),
		DeviceProfile:       DefaultDeviceProfile,
		MinConfidence:       DefaultMinConfidence,
		AmbiguityGap:        DefaultAmbiguityGap,
		LearningRate:        DefaultLearningRate,
		HistoryLimit:        DefaultHistoryLimit,
		BaseBatchSize:       8,
		StateWindow:         DefaultStateWindow,
		DumpEvery:           DefaultDumpEvery,
		DumpIntervalSeconds: DefaultDumpIntervalSeconds,
		SchedulerQueueSize:  DefaultSchedulerQueueSize,
		BaseSleep:           DefaultBaseSleep,
		MinSleep:            DefaultMinSleep,
		MaxSleep:            DefaultMaxSleep,
	}
}

func (c *Config) apply(data []byte) error {
	var parsed fileConfig
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return err
	}

	setString(&c.KPABase, c.resolve(parsed.Paths.KPABase))
	setString(&c.DirectorQueue, c.resolve(parsed.Paths.DirectorQueue))
	setString(&c.DumpDir, c.resolve(parsed.Paths.DumpDir))
	setString(&c.InboxDir, c.resolve(parsed.Paths.Inbox))
	setString(&c.AuditLog, c.resolve(parsed.Paths.AuditLog))
	setString(&c.LedgerPath, c.resolve(parsed.Ledger.Path))
	if parsed.Ledger.Enabled != nil {
		c.LedgerEnabled = *parsed.Ledger.Enabled
	}
	setString(&c.LogLevel, parsed.Logging.Level)
	setString(&c.LogFile, c.resolve(parsed.Logging.File))

	setString(&c.KeywordsFile, c.resolve(parsed.Classifier.KeywordsFile))
	if parsed.Classifier.AmbiguityGap > 0 {
		c.AmbiguityGap = parsed.Classifier.AmbiguityGap
	}
	setString(&c.PolicyFile, c.resolve(parsed.Router.PolicyFile))
	if parsed.Router.MinConfidence > 0 {
		c.MinConfidence = parsed.Router.MinConfidence
	}
	if parsed.Learning.Rate > 0 {
		c.LearningRate = parsed.Learning.Rate
	}
	if parsed.Learning.HistoryLimit > 0 {
		c.HistoryLimit = parsed.Learning.HistoryLimit
	}

	a := parsed.Agent
	setString(&c.DeviceProfilesFile, c.resolve(a.DeviceProfilesFile))
	setString(&c.DeviceProfile, a.DeviceProfile)
	setInt(&c.BaseBatchSize, a.BatchSize)
	setInt(&c.StateWindow, a.StateWindow)
	setInt(&c.DumpEvery, a.DumpEvery)
	setInt(&c.DumpIntervalSeconds, a.DumpIntervalSeconds)
	setInt(&c.SchedulerQueueSize, a.SchedulerQueueSize)
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{{a.BaseSleep, &c.BaseSleep}, {a.MinSleep, &c.MinSleep}, {a.MaxSleep, &c.MaxSleep}} {
		if d.raw == "" {
			continue
		}
		parsedDur, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.dst = parsedDur
	}
	return nil
}

func (c *Config) loadEnv() {
	envString := map[string]*string{
		"KPAROUTER_KPA_BASE":             &c.KPABase,
		"KPAROUTER_DIRECTOR_QUEUE":       &c.DirectorQueue,
		"KPAROUTER_DUMP_DIR":             &c.DumpDir,
		"KPAROUTER_INBOX":                &c.InboxDir,
		"KPAROUTER_AUDIT_LOG":            &c.AuditLog,
		"KPAROUTER_LEDGER_PATH":          &c.LedgerPath,
		"KPAROUTER_LOG_LEVEL":            &c.LogLevel,
		"KPAROUTER_LOG_FILE":             &c.LogFile,
		"KPAROUTER_KEYWORDS_FILE":        &c.KeywordsFile,
		"KPAROUTER_POLICY_FILE":          &c.PolicyFile,
		"KPAROUTER_DEVICE_PROFILES_FILE": &c.DeviceProfilesFile,
		"KPAROUTER_DEVICE_PROFILE":       &c.DeviceProfile,
	}
	for key, dst := range envString {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("KPAROUTER_LEDGER_ENABLED"); v != "" {
		c.LedgerEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("KPAROUTER_LEARNING_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.LearningRate = rate
		}
	}
	if v := os.Getenv("KPAROUTER_MIN_CONFIDENCE"); v != "" {
		if conf, err := strconv.ParseFloat(v, 64); err == nil {
			c.MinConfidence = conf
		}
	}
	if v := os.Getenv("KPAROUTER_BATCH_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.BaseBatchSize = size
		}
	}
	if v := os.Getenv("KPAROUTER_DUMP_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DumpEvery = n
		}
	}
	if v := os.Getenv("KPAROUTER_DUMP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DumpIntervalSeconds = n
		}
	}
}

// resolve makes relative paths from the config file relative to the home dir.
func (c *Config) resolve(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// DumpInterval returns DumpIntervalSeconds as a time.Duration.
func (c *Config) DumpInterval() time.Duration {
	return time.Duration(c.DumpIntervalSeconds) * time.Second
}

// Context key for storing config in context
type configContextKey struct{}

// WithConfig adds the config to the context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey{}, cfg)
}

// FromContext retrieves the config from the context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configContextKey{}).(*Config); ok {
		return cfg
	}
	return nil
}

// Validate verifies the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.KPABase) == "" {
		return fmt.Errorf("kpa base directory is empty")
	}
	if strings.TrimSpace(c.DirectorQueue) == "" {
		return fmt.Errorf("director queue directory is empty")
	}
	if strings.TrimSpace(c.DumpDir) == "" {
		return fmt.Errorf("dump directory is empty")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0 and 1")
	}
	if c.AmbiguityGap < 0 || c.AmbiguityGap > 1 {
		return fmt.Errorf("ambiguity gap must be between 0 and 1")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}
	if c.BaseBatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.StateWindow <= 0 {
		return fmt.Errorf("state window must be positive")
	}
	if c.DumpEvery <= 0 {
		return fmt.Errorf("dump_every must be positive")
	}
	if c.DumpIntervalSeconds <= 0 {
		return fmt.Errorf("dump interval must be positive")
	}
	if c.SchedulerQueueSize <= 0 {
		return fmt.Errorf("scheduler queue size must be positive")
	}
	if c.MinSleep <= 0 || c.MaxSleep < c.MinSleep {
		return fmt.Errorf("sleep bounds invalid: min=%s max=%s", c.MinSleep, c.MaxSleep)
	}
	if c.BaseSleep < c.MinSleep || c.BaseSleep > c.MaxSleep {
		return fmt.Errorf("base sleep %s outside [%s, %s]", c.BaseSleep, c.MinSleep, c.MaxSleep)
	}
	return nil
}
