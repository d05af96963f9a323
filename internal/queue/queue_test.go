// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb, time.Second), mr
}

func queueContents(t *testing.T, mr *miniredis.Miniredis) []string {
	t.Helper()
	vals, err := mr.List("assignment_queue")
	if err != nil && !errors.Is(err, miniredis.ErrKeyNotFound) {
		t.Fatalf("list: %v", err)
	}
	return vals
}

func TestReconcilePopulatesAscending(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	added, removed, err := q.Reconcile(ctx, []int64{30, 10, 20})
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.Equal(t, 0, removed)
	assert.Equal(t, []string{"10", "20", "30"}, queueContents(t, mr))
}

func TestReconcileIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Reconcile(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	added, removed, err := q.Reconcile(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, removed)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestReconcileRemovesDepartedTasks(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Reconcile(ctx, []int64{1, 2, 3})
	require.NoError(t, err)

	added, removed, err := q.Reconcile(ctx, []int64{2})
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"2"}, queueContents(t, mr))
}

func TestReconcileNeverReAddsCompleted(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	q.MarkCompleted(2)
	added, _, err := q.Reconcile(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"1", "3"}, queueContents(t, mr))
}

func TestPopCandidateFirstEligible(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Reconcile(ctx, []int64{1, 2, 3})
	require.NoError(t, err)

	id, err := q.PopCandidate(ctx, func(int64) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	n, _ := q.Len(ctx)
	assert.EqualValues(t, 2, n)
}

func TestPopCandidateRotatesRejected(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Reconcile(ctx, []int64{1, 2, 3})
	require.NoError(t, err)

	// 1 is rejected (e.g. locked elsewhere); it must rotate to the tail.
	id, err := q.PopCandidate(ctx, func(taskID int64) (bool, error) {
		return taskID != 1, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, id)
	assert.Equal(t, []string{"3", "1"}, queueContents(t, mr))
}

func TestPopCandidateAllRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Reconcile(ctx, []int64{1, 2})
	require.NoError(t, err)

	_, err = q.PopCandidate(ctx, func(int64) (bool, error) { return false, nil })
	assert.ErrorIs(t, err, ErrNoTask)

	// Every candidate rotated back; nothing was lost.
	n, _ := q.Len(ctx)
	assert.EqualValues(t, 2, n)
}

func TestPopCandidateEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.PopCandidate(context.Background(), func(int64) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestPopCandidateDropsCompleted(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Reconcile(ctx, []int64{1, 2})
	require.NoError(t, err)

	q.MarkCompleted(1)
	id, err := q.PopCandidate(ctx, func(int64) (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.EqualValues(t, 2, id)

	// The completed entry was dropped, not rotated.
	n, _ := q.Len(ctx)
	assert.Zero(t, n)
}

func TestPopCandidatePredicateErrorKeepsHead(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Reconcile(ctx, []int64{1, 2})
	require.NoError(t, err)

	boom := errors.New("redis down")
	_, err = q.PopCandidate(ctx, func(int64) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"1", "2"}, queueContents(t, mr))
}

func TestRemoveAndPushFront(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Reconcile(ctx, []int64{1, 2, 3})
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, 2))
	assert.Equal(t, []string{"1", "3"}, queueContents(t, mr))

	require.NoError(t, q.PushFront(ctx, 2))
	assert.Equal(t, []string{"2", "1", "3"}, queueContents(t, mr))
}

func TestRestoreDeduplicates(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Reconcile(ctx, []int64{1, 2, 3})
	require.NoError(t, err)

	// Restoring an entry the reconciler already re-added must not duplicate.
	require.NoError(t, q.Restore(ctx, 2))
	assert.Equal(t, []string{"2", "1", "3"}, queueContents(t, mr))

	require.NoError(t, q.Restore(ctx, 9))
	assert.Equal(t, []string{"9", "2", "1", "3"}, queueContents(t, mr))
}

func TestCountersRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Zero(t, q.Counters().TotalUnlabeled)

	snap := Counters{TotalUnlabeled: 10, TotalLocked: 3, Available: 7, LastUpdated: time.Now()}
	q.SetCounters(snap)
	assert.Equal(t, snap, q.Counters())
}
