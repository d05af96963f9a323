// SPDX-License-Identifier: MIT

// Package lease implements TTL'd single-writer task locks and per-agent skip
// cooldowns on a shared Redis instance. Acquisition and owner-checked release
// are compare-and-set operations, safe against concurrent middleware nodes.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrBackendUnavailable marks transient Redis failures for errors.Is checks
// at the transport boundary.
var ErrBackendUnavailable = errors.New("lease: backend unavailable")

// Lease describes the current holder of a task lock.
type Lease struct {
	AgentID    int64
	AcquiredAt time.Time
}

// ReleaseResult reports the outcome of an owner-checked release.
type ReleaseResult int

const (
	Released ReleaseResult = iota
	NotOwner
	Absent
)

// Config holds Redis connection and TTL configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	LeaseTTL    time.Duration
	CooldownTTL time.Duration
	CallTimeout time.Duration // per-operation deadline
}

// Store is the Redis-backed lease and cooldown store.
type Store struct {
	client      *redis.Client
	leaseTTL    time.Duration
	cooldownTTL time.Duration
	timeout     time.Duration
	logger      zerolog.Logger
}

// releaseScript deletes the lease key only when the stored owner matches.
// Returns 1 released, 0 not owner, -1 absent.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
  return -1
end
local owner = string.match(v, "^([^:]+):")
if owner == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// New connects to Redis and verifies reachability.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("lease: redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Dur("lease_ttl", cfg.LeaseTTL).
		Dur("cooldown_ttl", cfg.CooldownTTL).
		Msg("connected to Redis lease store")

	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, cfg Config, logger zerolog.Logger) *Store {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Store{
		client:      client,
		leaseTTL:    cfg.LeaseTTL,
		cooldownTTL: cfg.CooldownTTL,
		timeout:     timeout,
		logger:      logger,
	}
}

func lockKey(taskID int64) string {
	return fmt.Sprintf("task:locked:%d", taskID)
}

func cooldownKey(taskID, agentID int64) string {
	return fmt.Sprintf("task:skip:%d:%d", taskID, agentID)
}

// Acquire atomically claims the task for the agent. It returns false when any
// live lease exists, regardless of owner.
func (s *Store) Acquire(ctx context.Context, taskID, agentID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	value := fmt.Sprintf("%d:%d", agentID, time.Now().Unix())
	ok, err := s.client.SetNX(ctx, lockKey(taskID), value, s.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire: %v", ErrBackendUnavailable, err)
	}
	return ok, nil
}

// Inspect returns the current lease, or nil when the task is unlocked.
func (s *Store) Inspect(ctx context.Context, taskID int64) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	v, err := s.client.Get(ctx, lockKey(taskID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: inspect: %v", ErrBackendUnavailable, err)
	}
	l, err := parseLease(v)
	if err != nil {
		// A malformed value means some foreign writer owns the key; treat the
		// task as locked by nobody we can match.
		s.logger.Warn().Str("event", "lease.malformed").Int64("task_id", taskID).Str("value", v).Msg("unparseable lease value")
		return nil, nil
	}
	return l, nil
}

// Release removes the lease only if agentID owns it.
func (s *Store) Release(ctx context.Context, taskID, agentID int64) (ReleaseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := releaseScript.Run(ctx, s.client, []string{lockKey(taskID)}, strconv.FormatInt(agentID, 10)).Int()
	if err != nil {
		return Absent, fmt.Errorf("%w: release: %v", ErrBackendUnavailable, err)
	}
	switch n {
	case 1:
		return Released, nil
	case 0:
		return NotOwner, nil
	default:
		return Absent, nil
	}
}

// SetCooldown suppresses the (task, agent) pair for the cooldown TTL.
// An existing cooldown is overwritten, restarting the clock.
func (s *Store) SetCooldown(ctx context.Context, taskID, agentID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, cooldownKey(taskID, agentID), "1", s.cooldownTTL).Err(); err != nil {
		return fmt.Errorf("%w: set cooldown: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// InCooldown reports whether the agent skipped this task within the TTL.
func (s *Store) InCooldown(ctx context.Context, taskID, agentID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.client.Exists(ctx, cooldownKey(taskID, agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: cooldown check: %v", ErrBackendUnavailable, err)
	}
	return n > 0, nil
}

// LockedCount probes the lease keys for the given tasks in one round trip and
// returns how many are currently under lease.
func (s *Store) LockedCount(ctx context.Context, taskIDs []int64) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(taskIDs))
	for i, id := range taskIDs {
		cmds[i] = pipe.Exists(ctx, lockKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: locked count: %v", ErrBackendUnavailable, err)
	}
	locked := 0
	for _, cmd := range cmds {
		if cmd.Val() > 0 {
			locked++
		}
	}
	return locked, nil
}

// HealthCheck checks if Redis is available.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func parseLease(v string) (*Lease, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("lease: malformed value %q", v)
	}
	agentID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease: malformed agent id in %q", v)
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lease: malformed timestamp in %q", v)
	}
	return &Lease{AgentID: agentID, AcquiredAt: time.Unix(ts, 0)}, nil
}
