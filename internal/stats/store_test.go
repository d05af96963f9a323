// SPDX-License-Identifier: MIT

package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "stats.db"), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycleCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assigned := time.Now().UTC()

	id, err := s.OpenSession(ctx, 7, 42, assigned)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	found, err := s.LatestOpenSession(ctx, 7, 42)
	require.NoError(t, err)
	assert.Equal(t, id, found)

	err = s.CloseSessionCompleted(ctx, id, assigned.Add(90*time.Second), 90, 120)
	require.NoError(t, err)

	// Once closed, the session is no longer open.
	_, err = s.LatestOpenSession(ctx, 7, 42)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionLifecycleSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.OpenSession(ctx, 7, 42, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.CloseSessionSkipped(ctx, id, time.Now(), "agent_skip"))
	_, err = s.LatestOpenSession(ctx, 7, 42)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLatestOpenSessionPicksMostRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	_, err := s.OpenSession(ctx, 7, 42, base.Add(-2*time.Hour))
	require.NoError(t, err)
	newest, err := s.OpenSession(ctx, 7, 42, base)
	require.NoError(t, err)

	found, err := s.LatestOpenSession(ctx, 7, 42)
	require.NoError(t, err)
	assert.Equal(t, newest, found)
}

func TestCloseUnknownSession(t *testing.T) {
	s := newTestStore(t)
	err := s.CloseSessionCompleted(context.Background(), "no-such-id", time.Now(), 1, 1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestBumpAgentOnComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.BumpAgentOnComplete(ctx, 7, 60, 0.05, now))
	require.NoError(t, s.BumpAgentOnComplete(ctx, 7, 30, 0.025, now.Add(time.Minute)))

	st, err := s.GetAgentStats(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalTasksCompleted)
	assert.EqualValues(t, 0, st.TotalTasksSkipped)
	assert.InDelta(t, 90, st.TotalDurationSeconds, 1e-9)
	assert.InDelta(t, 0.075, st.TotalEarnings, 1e-9)
	assert.True(t, st.LastActive.Equal(now.Add(time.Minute)))
	assert.True(t, st.CreatedAt.Equal(now))
}

func TestBumpAgentOnSkip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.BumpAgentOnSkip(ctx, 9, now))
	require.NoError(t, s.BumpAgentOnSkip(ctx, 9, now))

	st, err := s.GetAgentStats(ctx, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalTasksSkipped)
	assert.EqualValues(t, 0, st.TotalTasksCompleted)
	assert.Zero(t, st.TotalEarnings)
}

func TestGetAgentStatsUnknownAgent(t *testing.T) {
	s := newTestStore(t)

	st, err := s.GetAgentStats(context.Background(), 12345)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, st.AgentID)
	assert.Zero(t, st.TotalTasksCompleted)
	assert.Zero(t, st.TotalTasksSkipped)
	assert.Zero(t, st.TotalDurationSeconds)
	assert.True(t, st.LastActive.IsZero())
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.HealthCheck(context.Background()))
}
