package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/delegateflow/internal/pool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Start launches the reaper, the rebroadcaster and the GC schedule.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("task queue already running")
	}

	c := cron.New()
	if s.config.GCSchedule != "" {
		if _, err := c.AddFunc(s.config.GCSchedule, func() {
			if n, err := s.CollectGarbage(ctx); err != nil {
				s.logger.Error("task garbage collection failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("terminal tasks collected", zap.Int64("count", n))
			}
		}); err != nil {
			return err
		}
	}

	s.running = true
	s.done = make(chan struct{})
	s.workers = pool.NewGoroutinePool(s.config.Workers, s.logger)
	s.cron = c
	s.cron.Start()

	interval := s.config.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.wg.Add(2)
	go s.every(ctx, interval, "reaper", s.ReapExpired)
	go s.every(ctx, interval, "rebroadcaster", s.Rebroadcast)

	s.logger.Info("task queue loops started",
		zap.Duration("scan_interval", interval),
		zap.String("gc_schedule", s.config.GCSchedule),
	)
	return nil
}

// Stop halts the loops and waits for in-flight work.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	cronCtx := s.cron.Stop()
	workers := s.workers
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronCtx.Done()
		workers.Close()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info("task queue loops stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) (int, error)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if n, err := fn(ctx); err != nil {
				s.logger.Error("task scan failed", zap.String("loop", name), zap.Error(err))
			} else if n > 0 {
				s.logger.Debug("task scan done", zap.String("loop", name), zap.Int("count", n))
			}
		}
	}
}

// ReapExpired expires running tasks whose deadline passed.
func (s *Service) ReapExpired(ctx context.Context) (int, error) {
	tasks, err := s.store.Expired(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range tasks {
		msg, err := s.Expire(ctx, t.AccountID, t.ID)
		if err != nil {
			s.logger.Warn("expire failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if msg != "" {
			expired++
		}
	}
	return expired, nil
}

// Rebroadcast re-announces async tasks nobody acquired. Eligibility is
// recomputed with the previously preferred delegate marked as tried.
func (s *Service) Rebroadcast(ctx context.Context) (int, error) {
	due, err := s.store.DueForBroadcast(ctx, s.now(), s.config.BatchSize)
	if err != nil || len(due) == 0 {
		return 0, err
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	run := func(t *Task) func(context.Context) error {
		return func(ctx context.Context) error {
			defer wg.Done()
			ok, err := s.rebroadcastOne(ctx, t)
			if ok {
				mu.Lock()
				count++
				mu.Unlock()
			}
			return err
		}
	}

	for _, t := range due {
		wg.Add(1)
		task := run(t)
		if s.workers == nil {
			_ = task(ctx)
			continue
		}
		if err := s.workers.Submit(ctx, task); err != nil {
			// Saturated or closed pool: handle inline.
			_ = task(ctx)
		}
	}
	wg.Wait()
	return count, nil
}

func (s *Service) rebroadcastOne(ctx context.Context, due *Task) (bool, error) {
	tried := due.AlreadyTriedDelegateIDs
	if due.PreAssignedDelegateID != "" {
		tried, _ = addToSet(tried, due.PreAssignedDelegateID)
	}

	var eligible []string
	preferred := due.PreAssignedDelegateID
	rematched := false
	if s.matcher != nil && !due.Pinned() {
		req := due.MatchRequest()
		req.AlreadyTried = tried
		res, err := s.matcher.Match(ctx, req)
		if err != nil {
			s.logger.Warn("rematch failed, keeping eligibility", zap.String("task_id", due.ID), zap.Error(err))
		} else {
			eligible, preferred, rematched = res.Eligible, res.Preferred, true
		}
	}

	now := s.now()
	t, err := s.store.UpdateUnassigned(ctx, due.AccountID, due.ID,
		[]string{"eligible_delegate_ids", "pre_assigned_delegate_id", "already_tried_delegate_ids", "next_broadcast_at", "broadcast_count"},
		func(t *Task) bool {
			if rematched {
				t.EligibleDelegateIDs = eligible
				t.PreAssignedDelegateID = preferred
			}
			t.AlreadyTriedDelegateIDs = tried
			t.NextBroadcastAt = now.Add(s.config.RebroadcastInterval)
			t.BroadcastCount++
			return true
		})
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !t.Unassigned() {
		return false, nil
	}

	s.broadcast(ctx, t.AccountID, eventOf(t, EventQueued))
	s.logger.Debug("task rebroadcast",
		zap.String("task_id", t.ID),
		zap.Int("broadcast_count", t.BroadcastCount),
		zap.Int("eligible", len(t.EligibleDelegateIDs)),
	)
	return true, nil
}

// CollectGarbage deletes terminal tasks older than the retention.
func (s *Service) CollectGarbage(ctx context.Context) (int64, error) {
	if s.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.config.Retention)
	var total int64
	for {
		n, err := s.store.DeleteTerminalBefore(ctx, cutoff, s.config.BatchSize)
		total += n
		if err != nil || n < int64(s.config.BatchSize) {
			return total, err
		}
	}
}
