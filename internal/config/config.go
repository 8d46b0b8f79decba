// Package config holds operator-level configuration for an Arbiter
// installation: data directory, audit signing key, run budgets, worker
// concurrency, and the endpoints of the external collaborators (case-data
// system, clinical NLP sidecar, model endpoint).
//
// Set via env vars (ARBITER_*) or a config file (arbiter.config.yaml).
// Case and member data never pass through this config — it is infrastructure
// only.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the ARBITER_ prefix
// (e.g. "signing_key" → ARBITER_SIGNING_KEY) and to a YAML field in
// arbiter.config.yaml.
const (
	KeyDataDir        = "data_dir"
	KeySigningKey     = "signing_key"
	KeyPolicyDir      = "policy_dir"
	KeyModel          = "model"
	KeyPromptVersion  = "prompt_version"
	KeyModelBaseURL   = "model_base_url"
	KeyNLPBaseURL     = "nlp_base_url"
	KeyCaseDataURL    = "casedata_base_url"
	KeyMaxTurns       = "max_turns"
	KeyRunTimeoutSec  = "run_timeout_seconds"
	KeyToolTimeoutSec = "tool_timeout_seconds"
	KeyWorkers        = "workers"
	KeyMaxRetries     = "max_retries"
)

// Defaults that do not involve crypto material. The signing key intentionally
// has no baked-in default — when unset we derive a per-machine fallback and
// warn loudly.
const (
	DefaultModel          = "gpt-4o"
	DefaultPromptVersion  = "um-determination-v2"
	DefaultNLPBaseURL     = "http://localhost:8081"
	DefaultMaxTurns       = 12
	DefaultRunTimeoutSec  = 600
	DefaultToolTimeoutSec = 30
	DefaultWorkers        = 4
	DefaultMaxRetries     = 3
)

// Config holds resolved operator-level configuration for an Arbiter process.
type Config struct {
	DataDir         string // Base directory for all state (~/.arbiter)
	SigningKey      string // HMAC-SHA256 key for audit entry signing (≥32 bytes)
	PolicyDir       string // Directory of coverage-policy YAML documents
	Model           string // Reasoning model identifier
	PromptVersion   string // Prompt/version identifier recorded on every run
	ModelBaseURL    string // Optional override for the model endpoint (e.g. a proxy)
	NLPBaseURL      string // Clinical NLP sidecar endpoint
	CaseDataBaseURL string // Case-data system endpoint
	MaxTurns        int    // Per-run turn budget
	RunTimeout      time.Duration
	ToolTimeout     time.Duration
	Workers         int // Queue worker pool size
	MaxRetries      int // Scheduler retry ceiling for infrastructure failures

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the audit signing key was derived
// rather than set explicitly. Commands should warn when this is the case.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// RunsDBPath returns the full path to the run-history SQLite database.
func (c *Config) RunsDBPath() string {
	return filepath.Join(c.DataDir, "runs.db")
}

// AuditDBPath returns the full path to the audit-log SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// QueueDBPath returns the full path to the job-queue SQLite database.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default ARBITER_SIGNING_KEY — set via env var or config file for production")
	}
}

func init() {
	viper.SetEnvPrefix("ARBITER")
	viper.AutomaticEnv()
	viper.SetDefault(KeyModel, DefaultModel)
	viper.SetDefault(KeyPromptVersion, DefaultPromptVersion)
	viper.SetDefault(KeyNLPBaseURL, DefaultNLPBaseURL)
	viper.SetDefault(KeyMaxTurns, DefaultMaxTurns)
	viper.SetDefault(KeyRunTimeoutSec, DefaultRunTimeoutSec)
	viper.SetDefault(KeyToolTimeoutSec, DefaultToolTimeoutSec)
	viper.SetDefault(KeyWorkers, DefaultWorkers)
	viper.SetDefault(KeyMaxRetries, DefaultMaxRetries)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:         resolveDataDir(),
		SigningKey:      viper.GetString(KeySigningKey),
		PolicyDir:       viper.GetString(KeyPolicyDir),
		Model:           viper.GetString(KeyModel),
		PromptVersion:   viper.GetString(KeyPromptVersion),
		ModelBaseURL:    viper.GetString(KeyModelBaseURL),
		NLPBaseURL:      viper.GetString(KeyNLPBaseURL),
		CaseDataBaseURL: viper.GetString(KeyCaseDataURL),
		MaxTurns:        viper.GetInt(KeyMaxTurns),
		RunTimeout:      time.Duration(viper.GetInt(KeyRunTimeoutSec)) * time.Second,
		ToolTimeout:     time.Duration(viper.GetInt(KeyToolTimeoutSec)) * time.Second,
		Workers:         viper.GetInt(KeyWorkers),
		MaxRetries:      viper.GetInt(KeyMaxRetries),
	}

	if cfg.PolicyDir == "" {
		cfg.PolicyDir = filepath.Join(cfg.DataDir, "policies")
	}
	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arbiter"
	}
	return filepath.Join(home, ".arbiter")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong — it
// exists solely so a fresh install works out of the box while still signing
// audit entries with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("arbiter:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("signing_key must be at least 32 bytes (got %d); set ARBITER_SIGNING_KEY", len(c.SigningKey))
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive")
	}
	if c.RunTimeout <= 0 || c.ToolTimeout <= 0 {
		return fmt.Errorf("run and tool timeouts must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}
