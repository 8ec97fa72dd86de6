// Package scheduler periodically re-enqueues events whose processing was
// abandoned or failed, and expires stale OAuth handshakes. Only one replica
// runs a cycle at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	DefaultPollInterval  = time.Minute
	DefaultMaxAttempts   = 5
	DefaultStaleAfter    = 10 * time.Minute
	DefaultRetryCooldown = 5 * time.Minute
	DefaultBatchSize     = 100

	leaderKey      = "scheduler:leader"
	eventKeyPrefix = "scheduler:event:"
)

// EventSource lists events across organizations that are due another attempt.
type EventSource interface {
	ListRetryable(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]models.Event, error)
}

// TempStore expires OAuth handshakes.
type TempStore interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Enqueuer hands an event to the job queue.
type Enqueuer interface {
	EnqueueProcessEvent(ctx context.Context, organizationID, eventID uuid.UUID) error
}

type Config struct {
	PollInterval time.Duration
	// MaxAttempts stops retrying failed events after this many claims
	MaxAttempts int
	// StaleAfter is how long a pending event may wait before it is presumed lost
	StaleAfter time.Duration
	// RetryCooldown is the minimum time between two enqueues of the same event
	RetryCooldown time.Duration
	BatchSize     int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  DefaultPollInterval,
		MaxAttempts:   DefaultMaxAttempts,
		StaleAfter:    DefaultStaleAfter,
		RetryCooldown: DefaultRetryCooldown,
		BatchSize:     DefaultBatchSize,
	}
}

// CycleResult summarizes one scheduling cycle.
type CycleResult struct {
	Leader       bool
	Requeued     int
	Skipped      int
	TempsExpired int64
}

type Scheduler struct {
	events   EventSource
	temps    TempStore
	enqueuer Enqueuer
	locker   *redis.Locker
	config   Config
	logger   ectologger.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

func NewScheduler(events EventSource, temps TempStore, enqueuer Enqueuer, locker *redis.Locker, config Config, logger ectologger.Logger) *Scheduler {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.RetryCooldown <= 0 {
		config.RetryCooldown = defaults.RetryCooldown
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	return &Scheduler{
		events:   events,
		temps:    temps,
		enqueuer: enqueuer,
		locker:   locker,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s max_attempts=%d stale_after=%s",
		s.config.PollInterval, s.config.MaxAttempts, s.config.StaleAfter)

	go s.pollLoop(context.WithoutCancel(ctx))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle runs one cycle if this replica wins the leader lock. The lock is
// left to expire so that other replicas skip the rest of the interval.
func (s *Scheduler) RunCycle(ctx context.Context) CycleResult {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunCycle")
	defer span.End()

	var result CycleResult
	if _, err := s.locker.Acquire(ctx, leaderKey, s.leaderTTL()); err != nil {
		if !errors.Is(err, redis.ErrLockNotAcquired) {
			s.logger.WithContext(ctx).WithError(err).Error("Failed to acquire scheduler lock")
		}
		return result
	}
	result.Leader = true

	start := s.now()
	expired, err := s.temps.DeleteExpired(ctx, start)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to expire oauth handshakes")
	}
	result.TempsExpired = expired
	metrics.SchedulerOAuthTempsExpired.Add(float64(expired))

	events, err := s.events.ListRetryable(ctx, s.config.MaxAttempts, start.Add(-s.config.StaleAfter), s.config.BatchSize)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list retryable events")
		return result
	}

	for i := range events {
		requeued, err := s.requeue(ctx, &events[i])
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("event_id", events[i].ID).Warn("Failed to requeue event")
			continue
		}
		if requeued {
			result.Requeued++
		} else {
			result.Skipped++
		}
	}

	if result.Requeued > 0 || result.TempsExpired > 0 {
		s.logger.WithContext(ctx).Infof("Scheduling cycle completed: requeued=%d skipped=%d temps_expired=%d duration=%s",
			result.Requeued, result.Skipped, result.TempsExpired, s.now().Sub(start))
	}
	return result
}

// requeue enqueues the event unless it was enqueued within the cooldown.
func (s *Scheduler) requeue(ctx context.Context, event *models.Event) (bool, error) {
	ctx = appctx.SetTenantID(ctx, event.OrganizationID.String())

	if _, err := s.locker.Acquire(ctx, eventKeyPrefix+event.ID.String(), s.config.RetryCooldown); err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return false, nil
		}
		return false, err
	}

	if err := s.enqueuer.EnqueueProcessEvent(ctx, event.OrganizationID, event.ID); err != nil {
		return false, err
	}
	metrics.SchedulerEventsRequeued.Inc()
	return true, nil
}

func (s *Scheduler) leaderTTL() time.Duration {
	ttl := s.config.PollInterval * 9 / 10
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
