// SPDX-License-Identifier: MIT

// Package dispatch implements the top-level task operations: request, submit
// and skip. It orchestrates the lease store, the upstream client, the stats
// store and the assignment queue under the single-assignment invariants.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/annolab/taskbridge/internal/lease"
	"github.com/annolab/taskbridge/internal/metrics"
	"github.com/annolab/taskbridge/internal/queue"
	"github.com/annolab/taskbridge/internal/stats"
	"github.com/annolab/taskbridge/internal/upstream"
)

// Request-level failures the transport maps to 4xx codes.
var (
	ErrInvalidArgument = errors.New("dispatch: invalid argument")
	ErrForbidden       = errors.New("dispatch: forbidden")
)

// Assignment is the payload handed to an agent on a successful request.
type Assignment struct {
	TaskID          int64   `json:"task_id"`
	AudioURL        string  `json:"audio_url"`
	DurationSeconds float64 `json:"duration"`
	FileName        string  `json:"file_name"`
}

// SystemStats is the aggregate view served by the stats endpoint.
type SystemStats struct {
	Counters       queue.Counters `json:"counters"`
	QueueLength    int64          `json:"queue_length"`
	CompletedCount int            `json:"completed_count"`
}

// Config holds dispatcher tunables.
type Config struct {
	RatePerSecond float64
	PublicBaseURL string // optional; audio URLs are relative when empty
}

// Dispatcher coordinates one task hand-out cycle per agent call. All methods
// are safe for concurrent use.
type Dispatcher struct {
	leases *lease.Store
	up     *upstream.Client
	store  *stats.Store
	tasks  *queue.Queue

	rate    float64
	baseURL string
	logger  zerolog.Logger
	now     func() time.Time

	metaMu sync.RWMutex
	meta   map[int64]*upstream.Task
}

// New assembles a dispatcher over the given backends.
func New(leases *lease.Store, up *upstream.Client, store *stats.Store, tasks *queue.Queue, cfg Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		leases:  leases,
		up:      up,
		store:   store,
		tasks:   tasks,
		rate:    cfg.RatePerSecond,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:  logger,
		now:     time.Now,
		meta:    make(map[int64]*upstream.Task),
	}
}

// RequestTask hands out the next assignable task to the agent, acquiring its
// lease. A nil assignment with nil error means no task is currently available.
func (d *Dispatcher) RequestTask(ctx context.Context, agentID int64) (*Assignment, error) {
	if agentID <= 0 {
		return nil, fmt.Errorf("%w: agent_id must be positive", ErrInvalidArgument)
	}

	// Eligibility couples the cooldown check with lease acquisition: a granted
	// lease is the side effect that makes the candidate a winner, and every
	// later failure path below must release it.
	winner, err := d.tasks.PopCandidate(ctx, func(taskID int64) (bool, error) {
		cooling, err := d.leases.InCooldown(ctx, taskID, agentID)
		if err != nil {
			return false, err
		}
		if cooling {
			return false, nil
		}
		return d.leases.Acquire(ctx, taskID, agentID)
	})
	if errors.Is(err, queue.ErrNoTask) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	meta, err := d.up.GetTask(ctx, winner)
	if err != nil {
		d.releaseQuietly(ctx, winner, agentID)
		if errors.Is(err, upstream.ErrNotFound) {
			// Upstream no longer knows the task; evict it for good.
			d.tasks.MarkCompleted(winner)
			_ = d.tasks.Remove(ctx, winner)
			d.logger.Info().Str("event", "dispatch.task_vanished").Int64("task_id", winner).Msg("upstream dropped task, evicting")
			return nil, nil
		}
		if perr := d.tasks.PushFront(ctx, winner); perr != nil {
			d.logger.Error().Err(perr).Int64("task_id", winner).Msg("failed to reinsert task after fetch failure")
		}
		metrics.RecordDispatchFailure("request")
		return nil, err
	}
	d.cacheMeta(meta)

	if _, err := d.store.OpenSession(ctx, agentID, winner, d.now()); err != nil {
		d.releaseQuietly(ctx, winner, agentID)
		if perr := d.tasks.PushFront(ctx, winner); perr != nil {
			d.logger.Error().Err(perr).Int64("task_id", winner).Msg("failed to reinsert task after session failure")
		}
		metrics.RecordDispatchFailure("request")
		return nil, err
	}

	d.logger.Info().
		Str("event", "dispatch.assigned").
		Int64("task_id", winner).
		Int64("agent_id", agentID).
		Str("file", meta.FileName).
		Msg("task assigned")
	metrics.RecordTaskAssigned()

	return &Assignment{
		TaskID:          winner,
		AudioURL:        fmt.Sprintf("%s/api/audio/stream/%d/%d", d.baseURL, winner, agentID),
		DurationSeconds: meta.DurationSeconds,
		FileName:        meta.FileName,
	}, nil
}

// SubmitTranscription pushes the transcription upstream, settles the session
// and stats, releases the lease and evicts the task. Returns the annotation
// ID created upstream.
func (d *Dispatcher) SubmitTranscription(ctx context.Context, taskID, agentID int64, text string) (int64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: transcription must not be empty", ErrInvalidArgument)
	}
	if agentID <= 0 {
		return 0, fmt.Errorf("%w: agent_id must be positive", ErrInvalidArgument)
	}

	l, err := d.leases.Inspect(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if l == nil || l.AgentID != agentID {
		return 0, fmt.Errorf("%w: no active lease for this agent", ErrForbidden)
	}

	annotationID, err := d.up.CreateAnnotation(ctx, taskID, text, agentID)
	if err != nil {
		metrics.RecordDispatchFailure("submit")
		if upstream.IsTransient(err) {
			// Keep the lease so the agent can retry after the upstream recovers.
			return 0, err
		}
		d.releaseQuietly(ctx, taskID, agentID)
		if errors.Is(err, upstream.ErrNotFound) {
			// Labeled or deleted behind our back; evict locally.
			d.tasks.MarkCompleted(taskID)
			_ = d.tasks.Remove(ctx, taskID)
		}
		return 0, err
	}

	now := d.now()
	duration := now.Sub(l.AcquiredAt).Seconds()
	if duration < 0 {
		duration = 0
	}
	earnings := d.earningsFor(ctx, taskID)

	if sessionID, serr := d.store.LatestOpenSession(ctx, agentID, taskID); serr != nil {
		d.logger.Warn().Err(serr).Int64("task_id", taskID).Int64("agent_id", agentID).Msg("no open session to close on submit")
	} else if cerr := d.store.CloseSessionCompleted(ctx, sessionID, now, duration, len(trimmed)); cerr != nil {
		d.logger.Warn().Err(cerr).Str("session_id", sessionID).Msg("failed to close session")
	}
	if err := d.store.BumpAgentOnComplete(ctx, agentID, duration, earnings, now); err != nil {
		d.logger.Warn().Err(err).Int64("agent_id", agentID).Msg("failed to bump agent stats")
	}

	d.releaseQuietly(ctx, taskID, agentID)
	d.tasks.MarkCompleted(taskID)
	if err := d.tasks.Remove(ctx, taskID); err != nil {
		d.logger.Warn().Err(err).Int64("task_id", taskID).Msg("failed to remove completed task from queue")
	}
	d.ForgetMeta(taskID)

	d.logger.Info().
		Str("event", "dispatch.completed").
		Int64("task_id", taskID).
		Int64("agent_id", agentID).
		Int64("annotation_id", annotationID).
		Float64("duration_s", duration).
		Float64("earnings", earnings).
		Msg("transcription submitted")
	metrics.RecordTaskCompleted()

	return annotationID, nil
}

// SkipTask releases the agent's lease and suppresses the task for this agent
// for the cooldown TTL. The task stays in the queue for other agents.
func (d *Dispatcher) SkipTask(ctx context.Context, taskID, agentID int64, reason string) error {
	if agentID <= 0 {
		return fmt.Errorf("%w: agent_id must be positive", ErrInvalidArgument)
	}

	res, err := d.leases.Release(ctx, taskID, agentID)
	if err != nil {
		metrics.RecordDispatchFailure("skip")
		return err
	}
	if res != lease.Released {
		return fmt.Errorf("%w: no active lease for this agent", ErrForbidden)
	}

	if err := d.leases.SetCooldown(ctx, taskID, agentID); err != nil {
		d.logger.Warn().Err(err).Int64("task_id", taskID).Int64("agent_id", agentID).Msg("failed to set skip cooldown")
	}

	// The task is still unlabeled; put it back for other agents.
	if err := d.tasks.Restore(ctx, taskID); err != nil {
		d.logger.Warn().Err(err).Int64("task_id", taskID).Msg("failed to restore skipped task to queue")
	}

	now := d.now()
	if sessionID, serr := d.store.LatestOpenSession(ctx, agentID, taskID); serr != nil {
		d.logger.Warn().Err(serr).Int64("task_id", taskID).Int64("agent_id", agentID).Msg("no open session to close on skip")
	} else if cerr := d.store.CloseSessionSkipped(ctx, sessionID, now, reason); cerr != nil {
		d.logger.Warn().Err(cerr).Str("session_id", sessionID).Msg("failed to close skipped session")
	}
	if err := d.store.BumpAgentOnSkip(ctx, agentID, now); err != nil {
		d.logger.Warn().Err(err).Int64("agent_id", agentID).Msg("failed to bump skip stats")
	}

	d.logger.Info().
		Str("event", "dispatch.skipped").
		Int64("task_id", taskID).
		Int64("agent_id", agentID).
		Str("reason", reason).
		Msg("task skipped")
	metrics.RecordTaskSkipped()

	return nil
}

// StatsFor returns the durable counters for one agent.
func (d *Dispatcher) StatsFor(ctx context.Context, agentID int64) (stats.AgentStats, error) {
	return d.store.GetAgentStats(ctx, agentID)
}

// Counters returns the cached availability snapshot.
func (d *Dispatcher) Counters() queue.Counters {
	return d.tasks.Counters()
}

// SystemStats returns the aggregate queue view.
func (d *Dispatcher) SystemStats(ctx context.Context) SystemStats {
	n, err := d.tasks.Len(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("queue length unavailable")
	}
	return SystemStats{
		Counters:       d.tasks.Counters(),
		QueueLength:    n,
		CompletedCount: d.tasks.CompletedCount(),
	}
}

func (d *Dispatcher) releaseQuietly(ctx context.Context, taskID, agentID int64) {
	if _, err := d.leases.Release(ctx, taskID, agentID); err != nil {
		d.logger.Warn().Err(err).Int64("task_id", taskID).Int64("agent_id", agentID).Msg("lease release failed")
	}
}

func (d *Dispatcher) cacheMeta(t *upstream.Task) {
	d.metaMu.Lock()
	d.meta[t.ID] = t
	d.metaMu.Unlock()
}

// earningsFor computes the payout from the task's audio duration. When the
// metadata is not cached and upstream cannot serve it, the submission is still
// recorded with zero earnings.
func (d *Dispatcher) earningsFor(ctx context.Context, taskID int64) float64 {
	d.metaMu.RLock()
	meta, ok := d.meta[taskID]
	d.metaMu.RUnlock()
	if !ok {
		fetched, err := d.up.GetTask(ctx, taskID)
		if err != nil {
			d.logger.Warn().Err(err).Str("event", "dispatch.earnings_fallback").Int64("task_id", taskID).Msg("task metadata unavailable, recording zero earnings")
			return 0
		}
		d.cacheMeta(fetched)
		meta = fetched
	}
	return meta.DurationSeconds * d.rate
}

// ForgetMeta drops the cached metadata for a task. Called after eviction so
// the cache does not grow without bound.
func (d *Dispatcher) ForgetMeta(taskID int64) {
	d.metaMu.Lock()
	delete(d.meta, taskID)
	d.metaMu.Unlock()
}
