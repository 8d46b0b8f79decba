package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/arbiterhealth/arbiter/internal/audit"
	"github.com/arbiterhealth/arbiter/internal/engine"
	"github.com/arbiterhealth/arbiter/internal/run"
)

const (
	pollInterval   = 250 * time.Millisecond
	caseBusyDelay  = 2 * time.Second
	sweeperSpec    = "@every 5s"
	staleRunMargin = 2 * time.Minute
)

// Pool drains the job queue with a bounded set of workers. Infrastructure
// failures retry with exponential backoff; a job whose case already has a
// RUNNING review is parked and promoted by the sweeper.
type Pool struct {
	store      *Store
	runs       *run.Store
	controller *engine.Controller
	auditLog   *audit.Logger
	workers    int
	maxRetries int
	runTimeout time.Duration

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. workers <= 0 defaults to 4; maxRetries <= 0
// defaults to 3. runTimeout bounds how long a RUNNING run may sit without
// progress before the reaper fails it.
func NewPool(store *Store, runs *run.Store, controller *engine.Controller,
	auditLog *audit.Logger, workers, maxRetries int, runTimeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Pool{
		store:      store,
		runs:       runs,
		controller: controller,
		auditLog:   auditLog,
		workers:    workers,
		maxRetries: maxRetries,
		runTimeout: runTimeout,
	}
}

// Start launches the workers and the sweeper. Stop shuts them down.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.loop(ctx, worker)
		}(i)
	}

	p.cron = cron.New()
	_, _ = p.cron.AddFunc(sweeperSpec, func() { p.sweep(ctx) })
	p.cron.Start()

	log.Info().Int("workers", p.workers).Msg("worker_pool_started")
}

// Stop drains the pool: no new jobs are claimed and in-flight jobs finish.
func (p *Pool) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Info().Msg("worker_pool_stopped")
}

func (p *Pool) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := p.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Int("worker", worker).Msg("job_claim_failed")
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *Job) {
	logger := log.With().
		Str("job_id", job.ID).
		Str("run_id", job.RunID).
		Str("case_number", job.CaseNumber).
		Logger()

	claimed, err := p.runs.Claim(ctx, job.RunID)
	if err != nil {
		logger.Warn().Err(err).Msg("run_claim_failed")
		p.delay(ctx, job, err.Error())
		return
	}
	if !claimed {
		r, err := p.runs.Get(ctx, job.RunID)
		if err != nil {
			logger.Warn().Err(err).Msg("run_lookup_failed")
			p.delay(ctx, job, err.Error())
			return
		}
		switch {
		case r.Status == run.StatusRunning:
			// A previous attempt of this job still holds the claim; resume it.
		case r.Status.Terminal():
			// Nothing left to do (another path finished the run).
			if err := p.store.Complete(ctx, job.ID); err != nil {
				logger.Warn().Err(err).Msg("job_complete_failed")
			}
			return
		default:
			// Another run for the same case holds RUNNING; try again later.
			p.delay(ctx, job, "case has an active review")
			return
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.maxRetries)), ctx)
	execErr := backoff.Retry(func() error {
		err := p.controller.Execute(ctx, job.RunID)
		if err == nil {
			return nil
		}
		if engine.IsInfra(err) {
			logger.Warn().Err(err).Msg("run_attempt_failed_retrying")
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if execErr == nil {
		if err := p.store.Complete(ctx, job.ID); err != nil {
			logger.Warn().Err(err).Msg("job_complete_failed")
		}
		return
	}

	logger.Error().Err(execErr).Msg("run_failed_permanently")
	if err := p.runs.Fail(ctx, job.RunID, fmt.Sprintf("infrastructure failure: %v", execErr)); err != nil && !errors.Is(err, run.ErrRunTerminal) {
		logger.Warn().Err(err).Msg("run_fail_record_failed")
	}
	p.auditLog.Record(ctx, &audit.Entry{
		CaseNumber: job.CaseNumber,
		RunID:      job.RunID,
		Event:      audit.EventRunFailed,
		ActorType:  "system",
		ActorID:    "scheduler",
		Detail:     map[string]interface{}{"reason": execErr.Error(), "attempts": job.Attempts},
	})
	if err := p.store.Fail(ctx, job.ID, execErr.Error()); err != nil {
		logger.Warn().Err(err).Msg("job_fail_record_failed")
	}
}

func (p *Pool) delay(ctx context.Context, job *Job, reason string) {
	until := time.Now().Add(caseBusyDelay * time.Duration(job.Attempts))
	if err := p.store.Delay(ctx, job.ID, until, reason); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("job_delay_failed")
	}
}

// sweep promotes due delayed jobs and reaps RUNNING runs whose worker went
// quiet past the run timeout.
func (p *Pool) sweep(ctx context.Context) {
	if n, err := p.store.PromoteDelayed(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("delayed_promotion_failed")
	} else if n > 0 {
		log.Debug().Int("promoted", n).Msg("delayed_jobs_promoted")
	}

	if p.runTimeout <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-(p.runTimeout + staleRunMargin))
	stale, err := p.runs.StaleRunning(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("stale_run_scan_failed")
		return
	}
	for _, r := range stale {
		if err := p.runs.Timeout(ctx, r.ID); err != nil && !errors.Is(err, run.ErrRunTerminal) {
			log.Warn().Err(err).Str("run_id", r.ID).Msg("stale_run_reap_failed")
			continue
		}
		p.auditLog.Record(ctx, &audit.Entry{
			CaseNumber: r.CaseNumber,
			RunID:      r.ID,
			Event:      audit.EventRunTimedOut,
			ActorType:  "system",
			ActorID:    "reaper",
			Detail:     map[string]interface{}{"reason": "no progress past run timeout"},
		})
		log.Warn().Str("run_id", r.ID).Str("case_number", r.CaseNumber).Msg("stale_run_reaped")
	}
}
