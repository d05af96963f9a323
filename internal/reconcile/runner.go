// SPDX-License-Identifier: MIT

// Package reconcile runs the periodic upstream sync that keeps the assignment
// queue and the availability counters fresh.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/annolab/taskbridge/internal/lease"
	"github.com/annolab/taskbridge/internal/metrics"
	"github.com/annolab/taskbridge/internal/queue"
	"github.com/annolab/taskbridge/internal/upstream"
)

// Runner is the background reconciliation loop.
type Runner struct {
	up       *upstream.Client
	tasks    *queue.Queue
	leases   *lease.Store
	interval time.Duration
	logger   zerolog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates a runner ticking every interval.
func New(up *upstream.Client, tasks *queue.Queue, leases *lease.Store, interval time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		up:       up,
		tasks:    tasks,
		leases:   leases,
		interval: interval,
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

// Ready is closed after the first successful reconciliation. Readiness probes
// gate on it so counter queries never serve a never-populated snapshot.
func (r *Runner) Ready() <-chan struct{} {
	return r.ready
}

// Run executes the loop until ctx is cancelled. The first tick fires
// immediately; a failed tick keeps the previous counters and is retried at
// the next interval.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Warn().Err(err).Str("event", "reconcile.failed").Msg("initial reconciliation failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Warn().Err(err).Str("event", "reconcile.failed").Msg("reconciliation tick failed")
			}
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()

	ids, err := r.up.ListUnlabeledTaskIDs(ctx)
	if err != nil {
		metrics.RecordReconcileRun("failure")
		return err
	}

	added, removed, err := r.tasks.Reconcile(ctx, ids)
	if err != nil {
		metrics.RecordReconcileRun("failure")
		return err
	}

	members, err := r.tasks.Members(ctx)
	if err != nil {
		metrics.RecordReconcileRun("failure")
		return err
	}
	locked, err := r.leases.LockedCount(ctx, members)
	if err != nil {
		metrics.RecordReconcileRun("failure")
		return err
	}

	snapshot := queue.Counters{
		TotalUnlabeled: len(members),
		TotalLocked:    locked,
		Available:      len(members) - locked,
		LastUpdated:    time.Now(),
	}
	r.tasks.SetCounters(snapshot)

	metrics.RecordReconcileRun("success")
	metrics.RecordReconcileChurn(added, removed)
	metrics.RecordQueueSnapshot(snapshot.TotalUnlabeled, snapshot.TotalLocked, snapshot.Available)

	r.logger.Info().
		Str("event", "reconcile.done").
		Int("unlabeled", snapshot.TotalUnlabeled).
		Int("locked", snapshot.TotalLocked).
		Int("added", added).
		Int("removed", removed).
		Dur("took", time.Since(start)).
		Msg("queue reconciled")

	r.readyOnce.Do(func() { close(r.ready) })
	return nil
}
