package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/a-marczewski/kparouter/internal/config"
	"github.com/a-marczewski/kparouter/internal/device"
	"github.com/a-marczewski/kparouter/internal/knowledge"
	"github.com/a-marczewski/kparouter/internal/ledger"
	"github.com/a-marczewski/kparouter/internal/router"
)

// Diagnostics holds diagnostic information
type Diagnostics struct {
	Checks []CheckResult `json:"checks"`
	Issues []string      `json:"issues"`
	Status string        `json:"status"`
}

// CheckResult represents the result of a single check
type CheckResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // "pass", "fail", "warn"
	Message  string `json:"message"`
	Severity string `json:"severity"` // "info", "warning", "error"
}

const (
	StatusHealthy     = "healthy"
	StatusIssuesFound = "issues_found"
)

// sampleTimeout bounds the utilization probe.
const sampleTimeout = 2 * time.Second

// Runner runs diagnostic checks
type Runner struct {
	config  *config.Config
	ledger  *ledger.Ledger
	sampler device.Sampler
}

// NewRunner creates a new diagnostic runner. A nil ledger is reported as
// disabled; a nil sampler skips the utilization check.
func NewRunner(cfg *config.Config, l *ledger.Ledger, sampler device.Sampler) *Runner {
	return &Runner{
		config:  cfg,
		ledger:  l,
		sampler: sampler,
	}
}

// RunAll runs all diagnostic checks
func (d *Runner) RunAll(ctx context.Context) *Diagnostics {
	var results []CheckResult
	var issues []string

	results = append(results, d.checkConfiguration()...)
	results = append(results, d.checkDirectories()...)
	results = append(results, d.checkDomainFiles()...)
	results = append(results, d.checkLedger()...)
	results = append(results, d.checkUtilization(ctx)...)

	for _, result := range results {
		if result.Status == "fail" {
			issues = append(issues, result.Message)
		}
	}

	status := StatusHealthy
	if len(issues) > 0 {
		status = StatusIssuesFound
	}

	return &Diagnostics{
		Checks: results,
		Issues: issues,
		Status: status,
	}
}

func pass(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: "pass", Message: fmt.Sprintf(format, args...), Severity: "info"}
}

func warn(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: "warn", Message: fmt.Sprintf(format, args...), Severity: "warning"}
}

func fail(name, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: "fail", Message: fmt.Sprintf(format, args...), Severity: "error"}
}

// checkConfiguration checks configuration validity
func (d *Runner) checkConfiguration() []CheckResult {
	if err := d.config.Validate(); err != nil {
		return []CheckResult{fail("configuration_validation", "Configuration validation failed: %v", err)}
	}
	return []CheckResult{pass("configuration_validation", "Configuration is valid")}
}

type dirCheck struct {
	name     string
	path     string
	required bool
}

// checkDirectories checks that every pipeline directory exists and is writable
func (d *Runner) checkDirectories() []CheckResult {
	dirs := []dirCheck{
		{"home", d.config.HomeDir, true},
		{"kpa_base", d.config.KPABase, false},
		{"director_queue", d.config.DirectorQueue, false},
		{"dumps", d.config.DumpDir, false},
		{"audit_log", filepath.Dir(d.config.AuditLog), false},
	}
	if d.config.InboxDir != "" {
		dirs = append(dirs, dirCheck{"inbox", d.config.InboxDir, false})
	}

	var results []CheckResult
	for _, dir := range dirs {
		info, err := os.Stat(dir.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if dir.required {
				results = append(results, fail(dir.name+"_exists", "Directory does not exist: %s", dir.path))
			} else {
				results = append(results, warn(dir.name+"_exists", "Directory will be created on first run: %s", dir.path))
			}
			continue
		case err != nil:
			results = append(results, fail(dir.name+"_access", "Cannot access directory: %v", err))
			continue
		case !info.IsDir():
			results = append(results, fail(dir.name+"_access", "Not a directory: %s", dir.path))
			continue
		}

		if err := testDirectoryPermissions(dir.path); err != nil {
			results = append(results, fail(dir.name+"_permissions", "Insufficient permissions for %s: %v", dir.path, err))
		} else {
			results = append(results, pass(dir.name+"_permissions", "Writable directory: %s", dir.path))
		}
	}
	return results
}

// testDirectoryPermissions tests if we can write to and remove from a directory
func testDirectoryPermissions(dir string) error {
	testFile := filepath.Join(dir, ".permission_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return err
	}
	return os.Remove(testFile)
}

// checkDomainFiles parses the keyword table, policy rules and device profiles
func (d *Runner) checkDomainFiles() []CheckResult {
	var results []CheckResult

	table, err := knowledge.LoadKeywords(d.config.KeywordsFile)
	switch {
	case err != nil:
		results = append(results, fail("keywords_file", "Cannot load keywords: %v", err))
	case len(table) == 0:
		results = append(results, fail("keywords_file", "Keyword table is empty: %s", d.config.KeywordsFile))
	default:
		results = append(results, pass("keywords_file", "Loaded %d categories from %s", len(table), d.config.KeywordsFile))
	}

	rules, err := router.LoadPolicy(d.config.PolicyFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		results = append(results, warn("policy_file", "No policy file, nothing is flagged: %s", d.config.PolicyFile))
	case err != nil:
		results = append(results, fail("policy_file", "Cannot load policy: %v", err))
	default:
		results = append(results, pass("policy_file", "Loaded %d policy rules", len(rules)))
	}

	profiles, err := device.LoadProfiles(d.config.DeviceProfilesFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		results = append(results, warn("device_profiles", "No device profiles, using built-in defaults"))
	case err != nil:
		results = append(results, fail("device_profiles", "Cannot load device profiles: %v", err))
	default:
		p := device.Select(profiles, d.config.DeviceProfile)
		if p.Name != d.config.DeviceProfile {
			results = append(results, warn("device_profiles", "Profile %q not found, falling back to %q", d.config.DeviceProfile, p.Name))
		} else {
			results = append(results, pass("device_profiles", "Using profile %q (batch %d)", p.Name, p.BatchSize))
		}
	}

	return results
}

// checkLedger checks connectivity and integrity of the decision ledger
func (d *Runner) checkLedger() []CheckResult {
	if !d.config.LedgerEnabled {
		return []CheckResult{warn("ledger", "Ledger disabled, routing history is not persisted")}
	}
	if d.ledger == nil {
		return []CheckResult{fail("ledger_connectivity", "Ledger enabled but not open: %s", d.config.LedgerPath)}
	}

	var results []CheckResult
	counts, err := d.ledger.Counts()
	if err != nil {
		results = append(results, fail("ledger_connectivity", "Cannot query ledger: %v", err))
	} else {
		results = append(results, pass("ledger_connectivity", "Ledger holds %d decisions, %d learning events, %d snapshots",
			counts["routing_decisions"], counts["learning_events"], counts["state_snapshots"]))
	}

	verdict, err := d.ledger.IntegrityCheck()
	switch {
	case err != nil:
		results = append(results, fail("ledger_integrity", "Ledger integrity check failed: %v", err))
	case verdict != "ok":
		results = append(results, fail("ledger_integrity", "Ledger integrity check reported: %s", verdict))
	default:
		results = append(results, pass("ledger_integrity", "Ledger integrity check passed"))
	}
	return results
}

// checkUtilization samples the host so batch sizing can be sanity checked
func (d *Runner) checkUtilization(ctx context.Context) []CheckResult {
	if d.sampler == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()

	u, err := d.sampler.Sample(ctx)
	if err != nil {
		return []CheckResult{warn("utilization", "Cannot sample utilization: %v", err)}
	}
	if u.CPUPercent > device.SaturationPercent || u.MemoryPercent > device.SaturationPercent {
		return []CheckResult{warn("utilization", "Host is saturated (cpu %.0f%%, memory %.0f%%), batches will run one at a time", u.CPUPercent, u.MemoryPercent)}
	}
	return []CheckResult{pass("utilization", "cpu %.0f%%, memory %.0f%%", u.CPUPercent, u.MemoryPercent)}
}

// PrintReport prints a formatted diagnostic report
func (d *Diagnostics) PrintReport() {
	fmt.Printf("=== kparouter Diagnostic Report ===\n")
	fmt.Printf("Status: %s\n\n", d.Status)

	if len(d.Issues) > 0 {
		fmt.Printf("Issues Found:\n")
		for i, issue := range d.Issues {
			fmt.Printf("  %d. %s\n", i+1, issue)
		}
		fmt.Println()
	}

	fmt.Printf("Detailed Checks:\n")
	for _, check := range d.Checks {
		statusSymbol := "✓"
		if check.Status == "fail" {
			statusSymbol = "✗"
		} else if check.Status == "warn" {
			statusSymbol = "!"
		}

		fmt.Printf("  %s %s: %s\n", statusSymbol, check.Name, check.Message)
	}

	fmt.Println("\nRecommendations:")
	if len(d.Issues) == 0 {
		fmt.Println("  ✓ System is operating normally")
	} else {
		fmt.Println("  • Check the .kparouter directory permissions")
		fmt.Println("  • Validate kpa_keywords.json, policy_rules.json and device_profiles.json")
		fmt.Println("  • Verify the ledger file is not corrupted")
	}
}
