// Package doctor provides preflight checks for an Arbiter installation.
// Used by `arbiter doctor` before pointing a worker pool at production
// collaborators.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/config"
	"github.com/arbiterhealth/arbiter/internal/policy"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls which check categories to run.
type Options struct {
	SkipUpstream bool // Skip collaborator connectivity checks (for CI/offline)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	cfg, err := config.Load()
	if err != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check ARBITER_DATA_DIR and config file",
		})
	} else {
		report.Checks = append(report.Checks, checkDataDir(cfg))
		report.Checks = append(report.Checks, checkSigningKey(cfg))
		report.Checks = append(report.Checks, checkPolicyCatalog(cfg))
		report.Checks = append(report.Checks, checkModelKey(cfg))
		report.Checks = append(report.Checks, checkAuditDB(cfg))
		if !opts.SkipUpstream {
			report.Checks = append(report.Checks, checkCollaborators(ctx, cfg)...)
		}
	}

	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
		case "fail":
			report.Summary.Fail++
		}
	}

	report.Status = "pass"
	if report.Summary.Warn > 0 {
		report.Status = "warn"
	}
	if report.Summary.Fail > 0 {
		report.Status = "fail"
	}
	return report
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable — %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkSigningKey(cfg *config.Config) CheckResult {
	if cfg.UsingDefaultSigningKey() {
		return CheckResult{
			Name: "signing_key", Category: "config", Status: "warn",
			Message: "Using generated default",
			Fix:     "Set ARBITER_SIGNING_KEY for production",
		}
	}
	return CheckResult{
		Name: "signing_key", Category: "config", Status: "pass", Message: "Configured",
	}
}

func checkPolicyCatalog(cfg *config.Config) CheckResult {
	catalog, err := policy.LoadCatalog(cfg.PolicyDir)
	if err != nil {
		return CheckResult{
			Name: "policy_catalog", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", cfg.PolicyDir, err),
			Fix:     "Fix the malformed policy document",
		}
	}
	if catalog.Len() == 0 {
		return CheckResult{
			Name: "policy_catalog", Category: "config", Status: "warn",
			Message: fmt.Sprintf("%s — no policies loaded", cfg.PolicyDir),
			Fix:     "Add coverage-policy YAML documents to the policy directory",
		}
	}
	return CheckResult{
		Name: "policy_catalog", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (%d policies)", cfg.PolicyDir, catalog.Len()),
	}
}

func checkModelKey(cfg *config.Config) CheckResult {
	hasKey := os.Getenv("ARBITER_MODEL_API_KEY") != "" || os.Getenv("OPENAI_API_KEY") != ""
	if !hasKey && cfg.ModelBaseURL == "" {
		return CheckResult{
			Name: "model_key", Category: "config", Status: "fail",
			Message: "No ARBITER_MODEL_API_KEY or OPENAI_API_KEY found",
			Fix:     "Set a model API key, or model_base_url for a keyless proxy",
		}
	}
	if !hasKey {
		return CheckResult{
			Name: "model_key", Category: "config", Status: "warn",
			Message: fmt.Sprintf("No API key; relying on proxy at %s", cfg.ModelBaseURL),
		}
	}
	return CheckResult{
		Name: "model_key", Category: "config", Status: "pass", Message: "Configured (env)",
	}
}

func checkAuditDB(cfg *config.Config) CheckResult {
	logger, err := audit.NewLogger(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return CheckResult{
			Name: "audit_db", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	_ = logger.Close()
	return CheckResult{
		Name: "audit_db", Category: "config", Status: "pass",
		Message: cfg.AuditDBPath(),
	}
}

func checkCollaborators(ctx context.Context, cfg *config.Config) []CheckResult {
	var results []CheckResult
	if cfg.CaseDataBaseURL == "" {
		results = append(results, CheckResult{
			Name: "casedata_endpoint", Category: "collaborators", Status: "fail",
			Message: "casedata_base_url not set",
			Fix:     "Set ARBITER_CASEDATA_BASE_URL",
		})
	} else {
		results = append(results, checkUpstream(ctx, "casedata_endpoint", cfg.CaseDataBaseURL))
	}
	results = append(results, checkUpstream(ctx, "nlp_endpoint", cfg.NLPBaseURL))
	return results
}

func checkUpstream(ctx context.Context, name, baseURL string) CheckResult {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return CheckResult{
			Name: name, Category: "collaborators", Status: "fail",
			Message: fmt.Sprintf("Invalid URL: %v", err),
		}
	}
	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name: name, Category: "collaborators", Status: "fail",
			Message: fmt.Sprintf("Connection failed: %v", err),
			Fix:     "Check network connectivity and the configured base URL",
		}
	}
	resp.Body.Close()

	if latency > time.Second {
		return CheckResult{
			Name: name, Category: "collaborators", Status: "warn",
			Message: fmt.Sprintf("%s — %.1fs (> 1s threshold)", baseURL, latency.Seconds()),
		}
	}
	return CheckResult{
		Name: name, Category: "collaborators", Status: "pass",
		Message: fmt.Sprintf("%s — %dms", baseURL, latency.Milliseconds()),
	}
}
