package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arbiterhealth/arbiter/internal/config"
	"github.com/arbiterhealth/arbiter/internal/engine"
	"github.com/arbiterhealth/arbiter/internal/run"
)

var reviewCmd = &cobra.Command{
	Use:   "review <case-number>",
	Short: "Run a single prior-authorization review in the foreground",
	Long: `Review executes one case synchronously, bypassing the job queue, and
prints the resulting run (including the determination) as JSON to stdout.

Infrastructure failures (model endpoint or case-data system unreachable)
are retried with exponential backoff up to the configured max_retries.`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "review")
	defer span.End()

	caseNumber := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	st, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	r, err := st.runs.Create(ctx, caseNumber)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	claimed, err := st.runs.Claim(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("claiming run: %w", err)
	}
	if !claimed {
		return fmt.Errorf("case %s already has an active review", caseNumber)
	}

	log.Info().Str("run_id", r.ID).Str("case_number", caseNumber).Msg("review_started")

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.MaxRetries)), ctx)
	execErr := backoff.Retry(func() error {
		err := st.controller.Execute(ctx, r.ID)
		if err == nil {
			return nil
		}
		if engine.IsInfra(err) {
			log.Warn().Err(err).Msg("review_attempt_failed_retrying")
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if execErr != nil {
		if failErr := st.runs.Fail(ctx, r.ID, fmt.Sprintf("infrastructure failure: %v", execErr)); failErr != nil {
			log.Warn().Err(failErr).Msg("run_fail_record_failed")
		}
	}

	final, err := st.runs.Get(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	if final.Status != run.StatusCompleted {
		return fmt.Errorf("review ended %s: %s", final.Status, final.FailureReason)
	}
	return nil
}
