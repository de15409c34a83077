package checkout

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"coinwallet/internal/checkout/domain"
)

// RecoverStale settles submissions left in flight by a crash or a lost
// escalation. Reserved submissions without a recorded failure get their order
// created again under the same payment token; those with one are refunded.
// Submissions whose order was created are captured. Cancelling ctx stops the
// sweep between submissions, never in the middle of one.
func (c *Coordinator) RecoverStale(ctx context.Context) (int, error) {
	before := c.now().Add(-c.cfg.StaleAfter)
	work := context.WithoutCancel(ctx)
	recovered := 0

	created, err := c.store.ListStale(ctx, domain.StateOrderCreated, before, c.cfg.SweepBatch)
	if err != nil {
		return recovered, err
	}
	for _, sub := range created {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if _, err := c.capture(work, sub, sub.OrderID, sub.OrderNo); err != nil {
			c.logger.Error("failed to capture stale submission", "payment_token", sub.Token, "error", err)
			continue
		}
		recovered++
	}

	reserved, err := c.store.ListStale(ctx, domain.StateReserved, before, c.cfg.SweepBatch)
	if err != nil {
		return recovered, err
	}
	for _, sub := range reserved {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		if sub.ErrorCode != "" {
			if err := c.refund(work, sub.Token); err != nil {
				c.logger.Error("refund of stale submission failed", "payment_token", sub.Token, "error", err)
				continue
			}
			if err := c.markCompensated(work, sub); err != nil {
				c.logger.Error("failed to record compensation", "payment_token", sub.Token, "error", err)
				continue
			}
			recovered++
			continue
		}

		c.logger.Info("resuming stale submission", "payment_token", sub.Token, "user_id", sub.UserID)
		// a compensated outcome is still a settled submission
		if _, err := c.completeOrder(work, sub); err != nil {
			c.logger.Warn("stale submission compensated", "payment_token", sub.Token, "error", err)
		}
		recovered++
	}

	return recovered, nil
}

// Sweeper runs RecoverStale on a cron schedule
type Sweeper struct {
	cron     *cron.Cron
	coord    *Coordinator
	schedule string
	logger   *slog.Logger
}

// NewSweeper creates a sweeper for coord
func NewSweeper(coord *Coordinator, logger *slog.Logger) *Sweeper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Sweeper{
		cron:     c,
		coord:    coord,
		schedule: coord.cfg.SweepSchedule,
		logger:   logger,
	}
}

// Start registers the sweep job and starts the scheduler
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		n, err := s.coord.RecoverStale(ctx)
		if err != nil {
			s.logger.Error("submission sweep failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("submission sweep recovered submissions", "count", n)
		}
	})
	if err != nil {
		return err
	}

	s.logger.Info("scheduled submission sweep", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}
