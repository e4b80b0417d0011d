package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mashvarat/legalchat/internal/shared"
	"github.com/mashvarat/legalchat/internal/store"
	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule validates a 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// UsageResetter zeroes every user's monthly usage on a cron schedule.
type UsageResetter struct {
	repo store.Repository
	spec string
	cron *cron.Cron
}

// NewUsageResetter creates a resetter firing on spec.
func NewUsageResetter(repo store.Repository, spec string) (*UsageResetter, error) {
	if _, err := ParseSchedule(spec); err != nil {
		return nil, err
	}
	return &UsageResetter{
		repo: repo,
		spec: spec,
		cron: cron.New(cron.WithParser(cronParser)),
	}, nil
}

// Reset zeroes the monthly counters once.
func (u *UsageResetter) Reset(ctx context.Context) (int64, error) {
	var n int64
	err := shared.Retry(ctx, shared.DefaultRetryPolicy, "reset usage", func(ctx context.Context) error {
		var err error
		n, err = u.repo.ResetMonthlyUsage(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reset monthly usage: %w", err)
	}
	return n, nil
}

// Run schedules the reset and blocks until ctx is done.
func (u *UsageResetter) Run(ctx context.Context) error {
	_, err := u.cron.AddFunc(u.spec, func() {
		resetCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		n, err := u.Reset(resetCtx)
		if err != nil {
			slog.Error("Usage reset failed", "error", err)
			return
		}
		slog.Info("Monthly usage reset", "users", n)
	})
	if err != nil {
		return fmt.Errorf("schedule usage reset: %w", err)
	}

	u.cron.Start()
	slog.Info("Usage resetter started", "schedule", u.spec)

	<-ctx.Done()
	stopped := u.cron.Stop()
	<-stopped.Done()
	slog.Info("Usage resetter shutting down", "reason", ctx.Err())
	return nil
}
