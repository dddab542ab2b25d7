// Package scheduler fires periodic reconcile sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"burstflare/internal/flare"
	"burstflare/internal/metrics"
)

// Trigger starts one sweep. *flare.Engine satisfies it.
type Trigger interface {
	EnqueueReconcile(ctx context.Context) (bool, error)
}

// Locker elects a single replica per tick.
type Locker interface {
	// TryLock reports whether this replica owns the current tick.
	TryLock(ctx context.Context) (bool, error)
}

// RedisLocker holds a Redis lock for ttl without releasing it, so at most
// one replica fires per ttl window. ttl should be shorter than the interval.
type RedisLocker struct {
	locks *redislock.Client
	key   string
	ttl   time.Duration
}

// NewRedisLocker creates a locker on the given Redis address.
func NewRedisLocker(addr, key string, ttl time.Duration) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisLocker{locks: redislock.New(rdb), key: key, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) (bool, error) {
	_, err := l.locks.Obtain(ctx, l.key, l.ttl, &redislock.Options{RetryStrategy: redislock.NoRetry()})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	return false, fmt.Errorf("obtaining reconcile lock: %w", err)
}

// Scheduler calls Trigger every interval until its context ends.
type Scheduler struct {
	interval time.Duration
	trigger  Trigger
	locker   Locker
	logger   flare.Logger
}

// New creates a scheduler. locker may be nil for single-replica deployments.
func New(interval time.Duration, trigger Trigger, locker Locker, logger flare.Logger) *Scheduler {
	if logger == nil {
		logger = flare.NewNopLogger()
	}
	return &Scheduler{interval: interval, trigger: trigger, locker: locker, logger: logger}
}

// Run blocks until ctx is canceled. A non-positive interval disables it.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling decision. It reports whether a sweep was triggered.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx)
		if err != nil {
			s.logger.Warn("reconcile lock failed", "error", err)
			metrics.ReconcileTicksTotal.WithLabelValues("lock_error").Inc()
			return false
		}
		if !ok {
			s.logger.Debug("reconcile tick owned by another replica")
			metrics.ReconcileTicksTotal.WithLabelValues("skipped").Inc()
			return false
		}
	}
	queued, err := s.trigger.EnqueueReconcile(ctx)
	if err != nil {
		s.logger.Error("scheduled reconcile failed", "error", err)
		metrics.ReconcileTicksTotal.WithLabelValues("error").Inc()
		return false
	}
	s.logger.Debug("scheduled reconcile", "queued", queued)
	metrics.ReconcileTicksTotal.WithLabelValues("fired").Inc()
	return true
}
