// Package jobs runs the background maintenance tasks: expiring queries the
// poller has given up on and resetting monthly usage counters.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/mashvarat/legalchat/internal/shared"
	"github.com/mashvarat/legalchat/internal/store"
)

// QueryExpirer periodically marks processing queries older than the
// polling window as expired.
type QueryExpirer struct {
	repo     store.Repository
	interval time.Duration
	expiry   time.Duration
	now      func() time.Time
}

// NewQueryExpirer creates an expirer that sweeps every interval and expires
// queries older than expiry.
func NewQueryExpirer(repo store.Repository, interval, expiry time.Duration) *QueryExpirer {
	return &QueryExpirer{
		repo:     repo,
		interval: interval,
		expiry:   expiry,
		now:      time.Now,
	}
}

// Run sweeps until ctx is done.
func (e *QueryExpirer) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	slog.Info("Query expirer started", "interval", e.interval, "expiry", e.expiry)

	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("Query expirer shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep expires stale queries once and returns how many it expired.
func (e *QueryExpirer) Sweep(ctx context.Context) int64 {
	cutoff := e.now().Add(-e.expiry)

	var expired int64
	err := shared.Retry(ctx, shared.DefaultRetryPolicy, "expire queries", func(ctx context.Context) error {
		n, err := e.repo.ExpireQueries(ctx, cutoff)
		expired = n
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Query expirer: context canceled during sweep", "error", err)
			return 0
		}
		slog.Error("Query expirer failed to expire queries", "error", err)
		return 0
	}
	if expired > 0 {
		slog.Info("Query expirer expired stale queries", "count", expired, "cutoff", cutoff)
	}
	return expired
}
