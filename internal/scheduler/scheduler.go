// Package scheduler is the tick loop (C4): it evaluates active
// PipelineSchedule rows against robfig/cron expressions, starts due runs
// through JobStore, and hands each run a cancellation-scoped worker. Its
// shape is grounded on the teacher's services/indexer.Syncer — a
// time.Ticker select loop reading a stop channel alongside ctx.Done — with
// the fixed sync interval replaced by per-type cron evaluation and a
// stage-dispatch table.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/metrics"
)

// Stage is one pipeline stage's entry point: run to completion or until ctx
// is cancelled, reporting items processed.
type Stage interface {
	Run(ctx context.Context, historyID int64, trigger entity.TriggerKind, processAll bool) (itemsProcessed int64, err error)
}

// Scheduler ticks at most once a minute, finds due schedules, and starts
// their stage through JobStore's singleton-per-type enforcement.
type Scheduler struct {
	jobs    *jobstore.JobStore
	stages  map[entity.PipelineType]Stage
	parser  cron.Parser
	metrics *metrics.Metrics
	log     *logrus.Entry

	tickInterval time.Duration
	graceTimeout time.Duration

	mu       sync.Mutex
	running  map[entity.PipelineType]context.CancelFunc
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Scheduler. stages must have an entry for every pipeline
// type the caller wants schedulable; a type absent from the map is skipped
// with a warning when due.
func New(jobs *jobstore.JobStore, stages map[entity.PipelineType]Stage, graceTimeout time.Duration, m *metrics.Metrics, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if graceTimeout <= 0 {
		graceTimeout = 30 * time.Second
	}
	return &Scheduler{
		jobs:         jobs,
		stages:       stages,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		metrics:      m,
		log:          log.WithField("component", "scheduler"),
		tickInterval: time.Minute,
		graceTimeout: graceTimeout,
		running:      make(map[entity.PipelineType]context.CancelFunc),
		stopCh:       make(chan struct{}),
	}
}

// recordRun reports a completed stage run's outcome, duration, and items
// processed against the three pipeline-run collectors, a no-op when no
// Metrics was supplied (tests construct Scheduler without one).
func (s *Scheduler) recordRun(pipelineType entity.PipelineType, outcome entity.HistoryStatus, started time.Time, items int64) {
	if s.metrics == nil {
		return
	}
	s.metrics.RunsTotal.WithLabelValues(string(pipelineType), string(outcome)).Inc()
	s.metrics.RunDuration.WithLabelValues(string(pipelineType)).Observe(time.Since(started).Seconds())
	s.metrics.ItemsProcessedTotal.WithLabelValues(string(pipelineType)).Add(float64(items))
}

// Run drives the tick loop until ctx is cancelled. On cancellation it
// cancels every in-flight stage and waits up to graceTimeout for them to
// finish closing their history rows before returning.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.evaluateAndDispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evaluateAndDispatch(ctx)
		}
	}
}

// Stop signals the loop to exit without waiting on in-flight stages.
// Production shutdown goes through ctx cancellation in Run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all stages finalized during graceful shutdown")
	case <-time.After(s.graceTimeout):
		s.log.Warn("grace period exceeded, forcing termination; dangling runs will be repaired on next start")
	}
}

func (s *Scheduler) evaluateAndDispatch(ctx context.Context) {
	schedules, err := s.jobs.ListSchedules(ctx)
	if err != nil {
		s.log.WithError(err).Error("list schedules")
		return
	}

	now := time.Now()
	for _, sched := range schedules {
		if !sched.IsActive {
			continue
		}
		due, nextRun, err := s.isDue(sched, now)
		if err != nil {
			s.log.WithError(err).WithField("schedule_id", sched.ID).Error("evaluate cron expression")
			continue
		}
		if err := s.jobs.SetNextRun(ctx, sched.ID, nextRun); err != nil {
			s.log.WithError(err).WithField("schedule_id", sched.ID).Warn("set next run")
		}
		if !due {
			continue
		}
		s.startScheduled(ctx, sched)
	}
}

// isDue reports whether sched should fire at now, and the next run time
// after now regardless. A schedule with no prior next_run_at is treated as
// due only once its first computed occurrence has passed, avoiding a
// startup thundering-herd on every configured pipeline.
func (s *Scheduler) isDue(sched entity.PipelineSchedule, now time.Time) (bool, time.Time, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := s.parser.Parse(sched.Expression)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("parse cron expression %q: %w", sched.Expression, err)
	}

	if sched.NextRunAt == nil {
		next := schedule.Next(now.In(loc))
		return false, next, nil
	}
	due := !sched.NextRunAt.After(now)
	next := schedule.Next(now.In(loc))
	return due, next, nil
}

func (s *Scheduler) startScheduled(ctx context.Context, sched entity.PipelineSchedule) {
	stage, ok := s.stages[sched.Type]
	if !ok {
		s.log.WithField("pipeline_type", sched.Type).Warn("no stage registered for scheduled type")
		return
	}

	historyID, err := s.jobs.BeginRun(ctx, sched.Type, entity.TriggerScheduled)
	if err != nil {
		if err == jobstore.ErrAlreadyRunning {
			s.log.WithField("pipeline_type", sched.Type).Info("skipping tick, already running")
			return
		}
		s.log.WithError(err).WithField("pipeline_type", sched.Type).Error("begin scheduled run")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[sched.Type] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, sched.Type)
			s.mu.Unlock()
			cancel()
		}()

		started := time.Now()
		items, runErr := stage.Run(runCtx, historyID, entity.TriggerScheduled, false)
		outcome := entity.HistoryCompleted
		if runErr != nil {
			outcome = entity.HistoryFailed
		}
		if runCtx.Err() != nil {
			outcome = entity.HistoryStopped
		}
		s.recordRun(sched.Type, outcome, started, items)
		if endErr := s.jobs.EndRun(context.Background(), sched.Type, historyID, outcome, items, runErr); endErr != nil {
			s.log.WithError(endErr).WithField("pipeline_type", sched.Type).Error("end scheduled run")
		}
		if err := s.jobs.MarkRan(context.Background(), sched.ID, time.Now().UTC()); err != nil {
			s.log.WithError(err).WithField("schedule_id", sched.ID).Warn("mark schedule ran")
		}
	}()
}

// TriggerDirect starts pipelineType outside the schedule evaluation path
// (the HTTP control plane's /pipeline/start and /schedules/:id/trigger). It
// is exported so internal/httpapi can reuse the same singleton-enforced
// start/cancel bookkeeping the scheduler uses for scheduled ticks.
func (s *Scheduler) TriggerDirect(ctx context.Context, pipelineType entity.PipelineType, processAll bool) (int64, error) {
	stage, ok := s.stages[pipelineType]
	if !ok {
		return 0, fmt.Errorf("no stage registered for type %q", pipelineType)
	}

	historyID, err := s.jobs.BeginRun(ctx, pipelineType, entity.TriggerDirect)
	if err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[pipelineType] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, pipelineType)
			s.mu.Unlock()
			cancel()
		}()

		started := time.Now()
		items, runErr := stage.Run(runCtx, historyID, entity.TriggerDirect, processAll)
		outcome := entity.HistoryCompleted
		if runErr != nil {
			outcome = entity.HistoryFailed
		}
		if runCtx.Err() != nil {
			outcome = entity.HistoryStopped
		}
		s.recordRun(pipelineType, outcome, started, items)
		if endErr := s.jobs.EndRun(context.Background(), pipelineType, historyID, outcome, items, runErr); endErr != nil {
			s.log.WithError(endErr).WithField("pipeline_type", pipelineType).Error("end direct run")
		}
	}()

	return historyID, nil
}

// RunDirectSync starts pipelineType and blocks until it finishes, for the
// control plane's direct_execution=true path (§6): the caller gets
// itemsProcessed/err in the same HTTP response instead of a historyId to
// poll.
func (s *Scheduler) RunDirectSync(ctx context.Context, pipelineType entity.PipelineType, processAll bool) (int64, error) {
	stage, ok := s.stages[pipelineType]
	if !ok {
		return 0, fmt.Errorf("no stage registered for type %q", pipelineType)
	}

	historyID, err := s.jobs.BeginRun(ctx, pipelineType, entity.TriggerDirect)
	if err != nil {
		return 0, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[pipelineType] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, pipelineType)
		s.mu.Unlock()
		cancel()
	}()

	started := time.Now()
	items, runErr := stage.Run(runCtx, historyID, entity.TriggerDirect, processAll)
	outcome := entity.HistoryCompleted
	if runErr != nil {
		outcome = entity.HistoryFailed
	}
	if runCtx.Err() != nil {
		outcome = entity.HistoryStopped
	}
	s.recordRun(pipelineType, outcome, started, items)
	if endErr := s.jobs.EndRun(context.Background(), pipelineType, historyID, outcome, items, runErr); endErr != nil {
		s.log.WithError(endErr).WithField("pipeline_type", pipelineType).Error("end direct run")
	}
	return items, runErr
}

// CancelRunning cancels the in-flight stage for pipelineType, if any, and
// reports whether one was found. The entry is removed at once, so a second
// call for the same run reports false.
func (s *Scheduler) CancelRunning(pipelineType entity.PipelineType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[pipelineType]
	if !ok {
		return false
	}
	delete(s.running, pipelineType)
	cancel()
	return true
}
