package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/engine"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/store"
)

// Runner is the interface the scheduler drives flows through. Satisfied by
// the engine runner (avoids import cycle).
type Runner interface {
	StartFlow(ctx context.Context, req engine.StartRequest) (*store.Flow, error)
	HandleTimerFired(ctx context.Context, ev *store.TimerEvent) error
}

// Store is the subset of the persistence contract the scheduler uses.
type Store interface {
	ListDueTimerEvents(ctx context.Context, before time.Time) ([]*store.TimerEvent, error)
	ListScheduledStarts(ctx context.Context, filter store.ScheduledStartFilter) ([]*store.ScheduledStart, error)
	UpdateScheduledStart(ctx context.Context, id string, update store.ScheduledStartUpdate) error
}

// Scheduler polls the store for due timer events and cron-scheduled flow
// starts and dispatches them to the runner.
type Scheduler struct {
	store    Store
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // IDs currently dispatching (dedup)
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(st Store, runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    st,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one polling pass: fire due timers, then start due scheduled
// flows. Exported so tests and recovery paths can drive it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	s.dispatchTimers(ctx)
	s.dispatchScheduledStarts(ctx)
}

func (s *Scheduler) dispatchTimers(ctx context.Context) {
	events, err := s.store.ListDueTimerEvents(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to list due timer events", slog.String("error", err.Error()))
		return
	}

	for _, ev := range events {
		if !s.tryAcquire(ev.ID) {
			continue
		}
		if err := s.runner.HandleTimerFired(ctx, ev); err != nil {
			s.logger.Error("failed to dispatch timer event",
				slog.String("timer_id", ev.ID),
				slog.String("flow_id", ev.FlowID),
				slog.String("kind", ev.Kind),
				slog.String("error", err.Error()),
			)
		}
		s.release(ev.ID)
	}
}

func (s *Scheduler) dispatchScheduledStarts(ctx context.Context) {
	enabled := true
	starts, err := s.store.ListScheduledStarts(ctx, store.ScheduledStartFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled starts", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, ss := range starts {
		if ss.NextRunAt != nil && ss.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(ss.ID) {
			continue
		}
		if err := s.runScheduledStart(ctx, ss, now); err != nil {
			s.logger.Error("failed to run scheduled start",
				slog.String("schedule_id", ss.ID),
				slog.String("template_id", ss.TemplateID),
				slog.String("error", err.Error()),
			)
		}
		s.release(ss.ID)
	}
}

// runScheduledStart starts one flow from a schedule and updates its
// bookkeeping. The next run is always computed, even after a failed start,
// so one bad template cannot wedge the schedule.
func (s *Scheduler) runScheduledStart(ctx context.Context, ss *store.ScheduledStart, now time.Time) error {
	s.logger.Info("running scheduled start",
		slog.String("schedule_id", ss.ID),
		slog.String("template_id", ss.TemplateID),
	)

	_, err := s.runner.StartFlow(ctx, engine.StartRequest{
		OrgID:         ss.OrgID,
		TemplateID:    ss.TemplateID,
		Name:          fmt.Sprintf("Scheduled run %s", now.Format("2006-01-02 15:04")),
		StarterUserID: ss.StarterUserID,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled flow start failed",
			slog.String("schedule_id", ss.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateScheduleStatus(ctx, ss, now, status)
}

func (s *Scheduler) updateScheduleStatus(ctx context.Context, ss *store.ScheduledStart, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(ss.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", ss.ID, err)
	}

	return s.store.UpdateScheduledStart(ctx, ss.ID, store.ScheduledStartUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the ID as in-flight if it is not
// already dispatching.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed starts schedules whose next_run_at passed while the process
// was down. Timer events need no recovery pass, the regular tick picks up
// anything due.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	starts, err := s.store.ListScheduledStarts(ctx, store.ScheduledStartFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, ss := range starts {
		if ss.NextRunAt != nil && ss.NextRunAt.Before(now) {
			if !s.tryAcquire(ss.ID) {
				continue
			}
			if err := s.runScheduledStart(ctx, ss, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", ss.ID),
					slog.String("error", err.Error()),
				)
				s.release(ss.ID)
				continue
			}
			s.release(ss.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
