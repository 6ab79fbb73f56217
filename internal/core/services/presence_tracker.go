package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// PresenceTracker writes heartbeats for the local participant and counts
// participants seen within a TTL window. Nobody is ever deleted: a user who
// vanished simply ages out of the window.
type PresenceTracker struct {
	repo     ports.PresenceRepository
	breaker  *circuitbreaker.CircuitBreaker
	interval time.Duration
	metrics  ports.MetricsCollector
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPresenceTracker(
	repo ports.PresenceRepository,
	interval time.Duration,
	metrics ports.MetricsCollector,
	logger *zap.SugaredLogger,
) *PresenceTracker {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("presence store breaker changed state", "from", from, "to", to)
	})
	return &PresenceTracker{
		repo:     repo,
		breaker:  breaker,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Heartbeat records userID as seen now.
func (t *PresenceTracker) Heartbeat(ctx context.Context, streamID domain.StreamID, userID domain.UserID) error {
	rec := domain.PresenceRecord{
		StreamID:   streamID,
		UserID:     userID,
		LastSeenAt: t.now(),
	}
	err := t.breaker.Execute(ctx, func() error {
		return t.repo.Upsert(ctx, rec)
	})
	t.metrics.RecordPresenceWrite(err)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPresenceWriteFailed, err)
	}
	return nil
}

// Start writes a heartbeat now and then every interval until Stop. Calling
// Start again restarts the loop for the new identity.
func (t *PresenceTracker) Start(ctx context.Context, streamID domain.StreamID, userID domain.UserID) {
	t.Stop()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			if err := t.Heartbeat(loopCtx, streamID, userID); err != nil && loopCtx.Err() == nil {
				t.logger.Warnw("presence heartbeat failed",
					"stream_id", streamID,
					"user_id", userID,
					"error", err,
				)
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends the heartbeat loop. No write happens after Stop returns.
func (t *PresenceTracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ComputeActiveCount counts distinct users seen in [now-ttl, now].
func (t *PresenceTracker) ComputeActiveCount(ctx context.Context, streamID domain.StreamID, ttl time.Duration) (int, error) {
	now := t.now()
	n, err := t.repo.CountActive(ctx, streamID, now.Add(-ttl), now)
	if err != nil {
		return 0, fmt.Errorf("count active viewers: %w", err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (t *PresenceTracker) ListActive(ctx context.Context, streamID domain.StreamID, ttl time.Duration) ([]domain.PresenceRecord, error) {
	now := t.now()
	recs, err := t.repo.ListActive(ctx, streamID, now.Add(-ttl), now)
	if err != nil {
		return nil, fmt.Errorf("list active viewers: %w", err)
	}
	return recs, nil
}

// Watch polls the active records every interval and passes them to fn
// until ctx is done. The first poll happens immediately.
func (t *PresenceTracker) Watch(ctx context.Context, streamID domain.StreamID, ttl, interval time.Duration, fn func([]domain.PresenceRecord)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		recs, err := t.ListActive(ctx, streamID, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Debugw("presence poll failed", "stream_id", streamID, "error", err)
		} else {
			fn(recs)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
