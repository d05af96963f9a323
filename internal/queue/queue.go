// SPDX-License-Identifier: MIT

// Package queue maintains the assignment rotation: a Redis list of candidate
// task IDs, an in-process set of tasks already completed through this
// instance, and the cached availability counters published by the reconciler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "assignment_queue"

// ErrNoTask signals that no candidate in the queue is currently assignable.
var ErrNoTask = errors.New("queue: no assignable task")

// Counters is the availability snapshot cached between reconciler runs.
type Counters struct {
	TotalUnlabeled int       `json:"total_unlabeled"`
	TotalLocked    int       `json:"total_locked"`
	Available      int       `json:"available"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Config defines the Redis connection for the queue.
type Config struct {
	Addr        string
	Password    string
	DB          int
	CallTimeout time.Duration
}

// Queue is safe for concurrent use. Pop cycles are serialized so that two
// concurrent requests never interleave their rotation of the same list.
type Queue struct {
	rdb     *redis.Client
	timeout time.Duration

	mu sync.Mutex // serializes pop and reconcile cycles

	completedMu sync.RWMutex
	completed   map[int64]struct{}

	countersMu sync.RWMutex
	counters   Counters
}

// New connects to Redis and verifies connectivity.
func New(cfg Config) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("queue: redis ping failed: %w", err)
	}
	return NewWithClient(rdb, cfg.CallTimeout), nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(rdb *redis.Client, callTimeout time.Duration) *Queue {
	if callTimeout <= 0 {
		callTimeout = time.Second
	}
	return &Queue{
		rdb:       rdb,
		timeout:   callTimeout,
		completed: make(map[int64]struct{}),
	}
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}

func (q *Queue) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.timeout)
}

// PopCandidate walks the queue head looking for a task the eligible predicate
// accepts. Rejected candidates rotate to the tail so repeated requests do not
// hammer the same head entry; completed tasks found in the list are dropped.
// The walk visits each entry at most once per call.
func (q *Queue) PopCandidate(ctx context.Context, eligible func(taskID int64) (bool, error)) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	size, err := q.length(ctx)
	if err != nil {
		return 0, err
	}

	for i := int64(0); i < size; i++ {
		cctx, cancel := q.callCtx(ctx)
		raw, err := q.rdb.LPop(cctx, queueKey).Result()
		cancel()
		if errors.Is(err, redis.Nil) {
			return 0, ErrNoTask
		}
		if err != nil {
			return 0, fmt.Errorf("queue: pop failed: %w", err)
		}

		taskID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			// Malformed entry, drop it.
			continue
		}
		if q.IsCompleted(taskID) {
			continue
		}

		ok, err := eligible(taskID)
		if err != nil {
			// Leave the candidate at the head for the next attempt.
			q.pushFrontLocked(ctx, taskID)
			return 0, err
		}
		if ok {
			return taskID, nil
		}
		q.pushBackLocked(ctx, taskID)
	}
	return 0, ErrNoTask
}

// PushFront returns a task to the head of the queue, undoing a pop whose
// follow-up work failed.
func (q *Queue) PushFront(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushFrontLocked(ctx, taskID)
}

func (q *Queue) pushFrontLocked(ctx context.Context, taskID int64) error {
	cctx, cancel := q.callCtx(ctx)
	defer cancel()
	if err := q.rdb.LPush(cctx, queueKey, strconv.FormatInt(taskID, 10)).Err(); err != nil {
		return fmt.Errorf("queue: push front failed: %w", err)
	}
	return nil
}

func (q *Queue) pushBackLocked(ctx context.Context, taskID int64) {
	cctx, cancel := q.callCtx(ctx)
	defer cancel()
	_ = q.rdb.RPush(cctx, queueKey, strconv.FormatInt(taskID, 10)).Err()
}

// Restore puts a previously popped task back at the head, deduplicating in
// case a reconcile re-added it in the meantime.
func (q *Queue) Restore(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw := strconv.FormatInt(taskID, 10)
	cctx, cancel := q.callCtx(ctx)
	defer cancel()
	if err := q.rdb.LRem(cctx, queueKey, 0, raw).Err(); err != nil {
		return fmt.Errorf("queue: restore failed: %w", err)
	}
	if err := q.rdb.LPush(cctx, queueKey, raw).Err(); err != nil {
		return fmt.Errorf("queue: restore failed: %w", err)
	}
	return nil
}

// Remove deletes every occurrence of taskID from the queue.
func (q *Queue) Remove(ctx context.Context, taskID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cctx, cancel := q.callCtx(ctx)
	defer cancel()
	if err := q.rdb.LRem(cctx, queueKey, 0, strconv.FormatInt(taskID, 10)).Err(); err != nil {
		return fmt.Errorf("queue: remove failed: %w", err)
	}
	return nil
}

// MarkCompleted records that the task went through a successful submission on
// this instance. Completed tasks are never handed out again, even if upstream
// listing lags behind.
func (q *Queue) MarkCompleted(taskID int64) {
	q.completedMu.Lock()
	q.completed[taskID] = struct{}{}
	q.completedMu.Unlock()
}

// IsCompleted reports whether the task was completed through this instance.
func (q *Queue) IsCompleted(taskID int64) bool {
	q.completedMu.RLock()
	_, ok := q.completed[taskID]
	q.completedMu.RUnlock()
	return ok
}

// CompletedCount returns the size of the in-process completed set.
func (q *Queue) CompletedCount() int {
	q.completedMu.RLock()
	defer q.completedMu.RUnlock()
	return len(q.completed)
}

// Reconcile makes the queue membership match the given unlabeled snapshot,
// minus completed tasks. New IDs append at the tail in ascending order so the
// rotation stays stable; IDs that left the snapshot are removed. Returns how
// many entries were added and removed.
func (q *Queue) Reconcile(ctx context.Context, unlabeled []int64) (added, removed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cctx, cancel := q.callCtx(ctx)
	current, err := q.rdb.LRange(cctx, queueKey, 0, -1).Result()
	cancel()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: range failed: %w", err)
	}

	inQueue := make(map[int64]struct{}, len(current))
	for _, raw := range current {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue
		}
		inQueue[id] = struct{}{}
	}

	desired := make(map[int64]struct{}, len(unlabeled))
	for _, id := range unlabeled {
		if q.IsCompleted(id) {
			continue
		}
		desired[id] = struct{}{}
	}

	var toAdd []int64
	for id := range desired {
		if _, ok := inQueue[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i] < toAdd[j] })

	for id := range inQueue {
		if _, ok := desired[id]; ok {
			continue
		}
		cctx, cancel := q.callCtx(ctx)
		err := q.rdb.LRem(cctx, queueKey, 0, strconv.FormatInt(id, 10)).Err()
		cancel()
		if err != nil {
			return added, removed, fmt.Errorf("queue: reconcile remove failed: %w", err)
		}
		removed++
	}

	for _, id := range toAdd {
		cctx, cancel := q.callCtx(ctx)
		err := q.rdb.RPush(cctx, queueKey, strconv.FormatInt(id, 10)).Err()
		cancel()
		if err != nil {
			return added, removed, fmt.Errorf("queue: reconcile push failed: %w", err)
		}
		added++
	}
	return added, removed, nil
}

// Members returns the current queue contents in order.
func (q *Queue) Members(ctx context.Context) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cctx, cancel := q.callCtx(ctx)
	defer cancel()
	raw, err := q.rdb.LRange(cctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: range failed: %w", err)
	}
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		id, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Len returns the current queue length.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length(ctx)
}

func (q *Queue) length(ctx context.Context) (int64, error) {
	cctx, cancel := q.callCtx(ctx)
	defer cancel()
	n, err := q.rdb.LLen(cctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len failed: %w", err)
	}
	return n, nil
}

// SetCounters publishes a fresh availability snapshot.
func (q *Queue) SetCounters(c Counters) {
	q.countersMu.Lock()
	q.counters = c
	q.countersMu.Unlock()
}

// Counters returns the last published availability snapshot. The zero value
// means no reconciler run has completed yet.
func (q *Queue) Counters() Counters {
	q.countersMu.RLock()
	defer q.countersMu.RUnlock()
	return q.counters
}

// HealthCheck verifies Redis reachability.
func (q *Queue) HealthCheck(ctx context.Context) error {
	cctx, cancel := q.callCtx(ctx)
	defer cancel()
	return q.rdb.Ping(cctx).Err()
}
