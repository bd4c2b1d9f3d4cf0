package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/michael-menard/rollout/internal/audit"
	"github.com/michael-menard/rollout/internal/cache"
	"github.com/michael-menard/rollout/internal/observability"
	"github.com/michael-menard/rollout/internal/store"
)

// Backoff parameters. The delay before retry n (counting from 1) is
// 2^n minutes plus a uniform jitter of up to maxJitter, so a burst of
// schedules failing together does not retry in lockstep.
const maxJitter = 30 * time.Second

const flagDeletedMessage = "flag not found (may have been deleted)"

// Processor periodically claims due schedules and applies their patches to
// the flag store. It is safe to run any number of Processor instances against
// the same database: claiming uses row locks with SKIP LOCKED, so each due
// schedule is processed by exactly one instance.
type Processor struct {
	flags     store.FlagRepository
	schedules Repository
	cache     cache.FlagCache
	audit     audit.Recorder
	logger    *slog.Logger

	interval   time.Duration
	claimLimit int

	// now and jitter are swappable for tests.
	now    func() time.Time
	jitter func() time.Duration
}

// NewProcessor creates a schedule processor.
func NewProcessor(
	flags store.FlagRepository,
	schedules Repository,
	flagCache cache.FlagCache,
	recorder audit.Recorder,
	logger *slog.Logger,
	interval time.Duration,
	claimLimit int,
) *Processor {
	if flags == nil {
		panic("schedule: flag repository cannot be nil")
	}
	if schedules == nil {
		panic("schedule: schedule repository cannot be nil")
	}
	if flagCache == nil {
		panic("schedule: flag cache cannot be nil")
	}
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if claimLimit <= 0 {
		claimLimit = 100
	}

	return &Processor{
		flags:      flags,
		schedules:  schedules,
		cache:      flagCache,
		audit:      recorder,
		logger:     logger,
		interval:   interval,
		claimLimit: claimLimit,
		now:        time.Now,
		jitter:     func() time.Duration { return rand.N(maxJitter) },
	}
}

// Run drives the claim-and-process loop until the context is cancelled.
// The first run happens immediately; a run that overruns the interval simply
// delays the next tick rather than stacking up.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("schedule processor started",
		slog.Duration("interval", p.interval),
		slog.Int("claim_limit", p.claimLimit),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil {
			p.logger.Error("schedule processing run failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("schedule processor stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due schedules and processes each in turn.
// A failing item never aborts the batch: its failure is recorded on the row
// and the loop moves on.
func (p *Processor) RunOnce(ctx context.Context) error {
	start := p.now()
	defer func() {
		observability.SchedulerRunDuration.Observe(time.Since(start).Seconds())
	}()

	claim, err := p.schedules.ClaimDue(ctx, p.claimLimit)
	if err != nil {
		return fmt.Errorf("failed to claim schedules: %w", err)
	}
	defer claim.Rollback(ctx)

	due := claim.Schedules()
	if len(due) == 0 {
		return claim.Close(ctx)
	}

	observability.SchedulesClaimedTotal.Add(float64(len(due)))
	p.logger.Info("processing due schedules", slog.Int("count", len(due)))

	for _, s := range due {
		p.processOne(ctx, claim, s)
	}

	if err := claim.Close(ctx); err != nil {
		return fmt.Errorf("failed to commit processed batch: %w", err)
	}
	return nil
}

// processOne applies a single claimed schedule. All bookkeeping goes through
// the claim so it commits (or rolls back) with the batch.
func (p *Processor) processOne(ctx context.Context, claim Claim, s *Schedule) {
	logger := p.logger.With(
		slog.String("schedule_id", s.ID.String()),
		slog.String("flag_id", s.FlagID.String()),
	)

	_, err := p.flags.FindByID(ctx, s.FlagID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The target flag is gone. Retrying cannot help, so fail
			// terminally without consuming retry budget.
			p.markTerminalFailure(ctx, claim, s, flagDeletedMessage, logger)
			observability.SchedulesProcessedTotal.WithLabelValues("invalid_flag").Inc()
			return
		}
		p.markTransientFailure(ctx, claim, s, err, logger)
		return
	}

	updated, err := p.flags.UpdateByID(ctx, s.FlagID, s.Updates)
	if err != nil {
		p.markTransientFailure(ctx, claim, s, err, logger)
		return
	}

	// Invalidate before recording success, so nobody can observe an applied
	// schedule alongside a stale cached flag set.
	p.cache.Invalidate(ctx, updated.Environment)

	appliedAt := p.now()
	if err := claim.MarkApplied(ctx, s.ID, appliedAt); err != nil {
		logger.Error("flag updated but schedule bookkeeping failed",
			slog.String("error", err.Error()),
		)
		observability.SchedulesProcessedTotal.WithLabelValues("error").Inc()
		return
	}

	p.audit.Record(ctx, audit.EventScheduleApplied, map[string]any{
		"scheduleId":  s.ID.String(),
		"flagId":      s.FlagID.String(),
		"flagKey":     updated.FlagKey,
		"environment": updated.Environment,
		"appliedAt":   appliedAt.UTC().Format(time.RFC3339),
		"flagState": map[string]any{
			"enabled":           updated.Enabled,
			"rolloutPercentage": updated.RolloutPercentage,
		},
	})

	observability.SchedulesProcessedTotal.WithLabelValues("applied").Inc()
	logger.Info("schedule applied",
		slog.String("flag_key", updated.FlagKey),
		slog.String("environment", updated.Environment),
	)
}

// markTransientFailure records a retryable failure. If retry budget remains,
// the retry counter is incremented and the next attempt is scheduled with
// exponential backoff; otherwise the failure is terminal and the counter
// stays where it is.
func (p *Processor) markTransientFailure(ctx context.Context, claim Claim, s *Schedule, cause error, logger *slog.Logger) {
	if !s.RetriesRemaining() {
		p.markTerminalFailure(ctx, claim, s, cause.Error(), logger)
		observability.SchedulesProcessedTotal.WithLabelValues("exhausted").Inc()
		return
	}

	nextRetryAt := p.now().Add(backoffDelay(s.RetryCount) + p.jitter())
	if err := claim.MarkFailed(ctx, s.ID, s.RetryCount+1, &nextRetryAt, cause.Error()); err != nil {
		logger.Error("failed to record schedule retry",
			slog.String("error", err.Error()),
		)
		return
	}

	p.audit.Record(ctx, audit.EventScheduleFailed, map[string]any{
		"scheduleId":  s.ID.String(),
		"flagId":      s.FlagID.String(),
		"error":       cause.Error(),
		"retryCount":  s.RetryCount + 1,
		"maxRetries":  s.MaxRetries,
		"willRetry":   true,
		"nextRetryAt": nextRetryAt.UTC().Format(time.RFC3339),
	})

	observability.SchedulesProcessedTotal.WithLabelValues("retried").Inc()
	logger.Warn("schedule failed, retry scheduled",
		slog.String("error", cause.Error()),
		slog.Int("retry_count", s.RetryCount+1),
		slog.Time("next_retry_at", nextRetryAt),
	)
}

// markTerminalFailure records a failure that will never be retried:
// nextRetryAt is cleared so the claim query skips the row from now on, and
// the retry counter is left untouched.
func (p *Processor) markTerminalFailure(ctx context.Context, claim Claim, s *Schedule, message string, logger *slog.Logger) {
	if err := claim.MarkFailed(ctx, s.ID, s.RetryCount, nil, message); err != nil {
		logger.Error("failed to record terminal schedule failure",
			slog.String("error", err.Error()),
		)
		return
	}

	p.audit.Record(ctx, audit.EventScheduleFailed, map[string]any{
		"scheduleId": s.ID.String(),
		"flagId":     s.FlagID.String(),
		"error":      message,
		"retryCount": s.RetryCount,
		"maxRetries": s.MaxRetries,
		"willRetry":  false,
	})

	logger.Error("schedule failed permanently",
		slog.String("error", message),
		slog.Int("retry_count", s.RetryCount),
	)
}

// backoffDelay returns the base delay before the next attempt given how many
// retries have already run: 2 minutes after the first failure, then 4, 8, ...
func backoffDelay(priorRetryCount int) time.Duration {
	return time.Duration(1<<uint(priorRetryCount+1)) * time.Minute
}
