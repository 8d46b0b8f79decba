package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/cases"
	"github.com/arbiterhealth/arbiter/internal/config"
	"github.com/arbiterhealth/arbiter/internal/engine"
	"github.com/arbiterhealth/arbiter/internal/llm"
	"github.com/arbiterhealth/arbiter/internal/nlp"
	"github.com/arbiterhealth/arbiter/internal/policy"
	"github.com/arbiterhealth/arbiter/internal/queue"
	"github.com/arbiterhealth/arbiter/internal/run"
	"github.com/arbiterhealth/arbiter/internal/tools"
)

// stack bundles the wired review components shared by serve and review.
type stack struct {
	runs       *run.Store
	jobs       *queue.Store
	auditLog   *audit.Logger
	cases      cases.Service
	catalog    *policy.Catalog
	controller *engine.Controller
}

func (s *stack) close() {
	_ = s.jobs.Close()
	_ = s.auditLog.Close()
	_ = s.runs.Close()
}

// buildStack wires stores, collaborator clients, the tool registry, and the
// run controller from config.
func buildStack(cfg *config.Config) (*stack, error) {
	if cfg.CaseDataBaseURL == "" {
		return nil, fmt.Errorf("casedata_base_url must be set (ARBITER_CASEDATA_BASE_URL)")
	}

	runs, err := run.NewStore(cfg.RunsDBPath())
	if err != nil {
		return nil, fmt.Errorf("initializing run store: %w", err)
	}
	jobs, err := queue.NewStore(cfg.QueueDBPath())
	if err != nil {
		_ = runs.Close()
		return nil, fmt.Errorf("initializing job queue: %w", err)
	}
	auditLog, err := audit.NewLogger(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		_ = jobs.Close()
		_ = runs.Close()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}

	if err := os.MkdirAll(cfg.PolicyDir, 0o700); err != nil {
		auditLog.Close()
		jobs.Close()
		runs.Close()
		return nil, fmt.Errorf("creating policy directory: %w", err)
	}
	catalog, err := policy.LoadCatalog(cfg.PolicyDir)
	if err != nil {
		auditLog.Close()
		jobs.Close()
		runs.Close()
		return nil, fmt.Errorf("loading policy catalog: %w", err)
	}
	if catalog.Len() == 0 {
		log.Warn().Str("dir", cfg.PolicyDir).Msg("policy_catalog_empty")
	}
	ruleEngine, err := policy.NewEngine()
	if err != nil {
		auditLog.Close()
		jobs.Close()
		runs.Close()
		return nil, fmt.Errorf("initializing rule engine: %w", err)
	}

	caseSvc := cases.NewClient(cfg.CaseDataBaseURL)
	nlpSvc := nlp.NewClient(cfg.NLPBaseURL)

	apiKey := os.Getenv("ARBITER_MODEL_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	var provider llm.Provider
	if cfg.ModelBaseURL != "" {
		provider = llm.NewOpenAIProviderWithBaseURL(apiKey, cfg.ModelBaseURL)
	} else {
		if apiKey == "" {
			auditLog.Close()
			jobs.Close()
			runs.Close()
			return nil, fmt.Errorf("model API key must be set (ARBITER_MODEL_API_KEY or OPENAI_API_KEY)")
		}
		provider = llm.NewOpenAIProvider(apiKey)
	}

	registry := tools.NewRegistry(tools.Deps{
		Cases:   caseSvc,
		NLP:     nlpSvc,
		Catalog: catalog,
		Engine:  ruleEngine,
	})
	dispatcher := tools.NewDispatcher(registry, cfg.ToolTimeout)
	controller := engine.New(provider, registry, dispatcher, runs, auditLog, engine.Config{
		Model:         cfg.Model,
		PromptVersion: cfg.PromptVersion,
		MaxTurns:      cfg.MaxTurns,
		RunTimeout:    cfg.RunTimeout,
	})

	return &stack{
		runs:       runs,
		jobs:       jobs,
		auditLog:   auditLog,
		cases:      caseSvc,
		catalog:    catalog,
		controller: controller,
	}, nil
}
