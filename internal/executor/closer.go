package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/metrics"
)

// CloserConfig controls the close attempt sequence.
type CloserConfig struct {
	RetryCount       int
	RetryDelay       time.Duration
	DryRun           bool
	ReleaseOnSuccess bool
	// LockTTL bounds how long the cross-instance close lock is held. Zero
	// means one second per attempt plus the total retry delay.
	LockTTL time.Duration
}

// Closer submits close commands with bounded retry. The caller reserves the
// position in the registry first; Closer releases the reservation when the
// sequence fails, and on success only if ReleaseOnSuccess is set. A submitted
// close is also marked in the registry so the confirming closed event is
// attributed to the engine whether or not the reservation survives.
type Closer struct {
	submitter domain.CloseSubmitter
	registry  *ClosingRegistry
	locks     domain.LockManager
	metrics   *metrics.Metrics
	cfg       CloserConfig
	sleep     func(time.Duration)
	logger    *slog.Logger
}

// NewCloser creates a Closer that sends commands through submitter.
func NewCloser(submitter domain.CloseSubmitter, registry *ClosingRegistry, cfg CloserConfig, logger *slog.Logger) *Closer {
	return &Closer{
		submitter: submitter,
		registry:  registry,
		cfg:       cfg,
		sleep:     time.Sleep,
		logger:    logger.With(slog.String("component", "closer")),
	}
}

// SetLockManager enables a distributed lock per position so that two engine
// instances watching the same account never submit overlapping closes.
func (c *Closer) SetLockManager(lm domain.LockManager) { c.locks = lm }

// SetMetrics attaches Prometheus instruments.
func (c *Closer) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// Config returns the active configuration.
func (c *Closer) Config() CloserConfig { return c.cfg }

// CloseWithRetry runs one close attempt sequence for pos. It always runs to
// completion: cancellation of ctx does not interrupt retries, and the wait
// between attempts is not cancellable.
func (c *Closer) CloseWithRetry(ctx context.Context, pos domain.Position, dec domain.Decision) domain.CloseOutcome {
	start := time.Now()
	out := domain.CloseOutcome{PositionID: pos.ID, Action: dec.Action}
	log := c.logger.With(
		slog.Int64("position_id", pos.ID),
		slog.String("reason", dec.Action.Short()),
		slog.String("instrument", pos.Instrument),
		slog.String("side", string(pos.Side)),
		slog.String("net", pos.NetProfit.StringFixed(2)),
		slog.String("threshold", dec.Threshold.StringFixed(2)),
	)

	if c.cfg.DryRun {
		out.Success = true
		out.DryRun = true
		out.Duration = time.Since(start)
		log.Info("dry-run: would close position")
		c.registry.MarkDryRun(pos.ID)
		if c.cfg.ReleaseOnSuccess {
			c.registry.Release(pos.ID)
		}
		c.metrics.CloseOutcome(out)
		return out
	}

	ctx = context.WithoutCancel(ctx)

	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, lockKey(pos.ID), c.lockTTL())
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				log.Warn("close lock held by another instance")
			} else {
				log.Error("close lock failed", slog.String("error", err.Error()))
			}
			out.Err = fmt.Errorf("executor: lock position %d: %w", pos.ID, err)
			return c.fail(out, start)
		}
		defer func() {
			// A successful close keeps the lock until its TTL so a peer does
			// not re-submit before the host confirms.
			if !out.Success {
				unlock()
			}
		}()
	}

	for {
		out.Attempts++
		err := c.submitter.SubmitClose(ctx, pos.ID)
		c.metrics.CloseAttempt(err)
		if err == nil {
			out.Success = true
			out.Duration = time.Since(start)
			log.Info("position closed", slog.Int("attempt", out.Attempts))
			c.registry.MarkClosed(pos.ID)
			if c.cfg.ReleaseOnSuccess {
				c.registry.Release(pos.ID)
			}
			c.metrics.CloseOutcome(out)
			return out
		}
		out.Err = err

		if out.Attempts <= c.cfg.RetryCount {
			log.Warn("close failed, retrying",
				slog.Int("attempt", out.Attempts),
				slog.Duration("retry_in", c.cfg.RetryDelay),
				slog.String("error", err.Error()),
			)
			c.sleep(c.cfg.RetryDelay)
			continue
		}

		log.Error("close failed",
			slog.Int("attempts", out.Attempts),
			slog.String("error", err.Error()),
		)
		out.Err = fmt.Errorf("executor: close position %d after %d attempts: %w", pos.ID, out.Attempts, err)
		return c.fail(out, start)
	}
}

func (c *Closer) fail(out domain.CloseOutcome, start time.Time) domain.CloseOutcome {
	c.registry.Release(out.PositionID)
	out.Duration = time.Since(start)
	c.metrics.CloseOutcome(out)
	return out
}

func (c *Closer) lockTTL() time.Duration {
	if c.cfg.LockTTL > 0 {
		return c.cfg.LockTTL
	}
	n := time.Duration(c.cfg.RetryCount + 1)
	return n*time.Second + time.Duration(c.cfg.RetryCount)*c.cfg.RetryDelay
}

func lockKey(id int64) string {
	return "close:" + strconv.FormatInt(id, 10)
}
