package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/metrics"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

// fakeStage is a minimal Stage double that counts invocations and can be
// configured to block until released or to return an error.
type fakeStage struct {
	calls   int32
	block   chan struct{}
	runErr  error
	items   int64
}

func (f *fakeStage) Run(ctx context.Context, historyID int64, trigger entity.TriggerKind, processAll bool) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return f.items, ctx.Err()
		}
	}
	return f.items, f.runErr
}

func newTestJobStore(t *testing.T) *jobstore.JobStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return jobstore.New(st.DB())
}

func TestTriggerDirectRunsRegisteredStage(t *testing.T) {
	jobs := newTestJobStore(t)
	stage := &fakeStage{items: 5}
	s := New(jobs, map[entity.PipelineType]Stage{entity.PipelineGithubSync: stage}, time.Second, nil, nil)

	historyID, err := s.TriggerDirect(context.Background(), entity.PipelineGithubSync, false)
	if err != nil {
		t.Fatalf("trigger direct: %v", err)
	}
	if historyID <= 0 {
		t.Fatalf("expected positive history id, got %d", historyID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&stage.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&stage.calls) != 1 {
		t.Fatalf("expected stage to be invoked once, got %d", stage.calls)
	}
}

func TestTriggerDirectRejectsUnregisteredType(t *testing.T) {
	jobs := newTestJobStore(t)
	s := New(jobs, map[entity.PipelineType]Stage{}, time.Second, nil, nil)

	if _, err := s.TriggerDirect(context.Background(), entity.PipelineGithubSync, false); err == nil {
		t.Fatal("expected error for unregistered pipeline type")
	}
}

func TestRunDirectSyncBlocksUntilCompletion(t *testing.T) {
	jobs := newTestJobStore(t)
	stage := &fakeStage{items: 9}
	s := New(jobs, map[entity.PipelineType]Stage{entity.PipelineDataProcessing: stage}, time.Second, nil, nil)

	items, err := s.RunDirectSync(context.Background(), entity.PipelineDataProcessing, true)
	if err != nil {
		t.Fatalf("run direct sync: %v", err)
	}
	if items != 9 {
		t.Fatalf("expected 9 items processed, got %d", items)
	}
	if atomic.LoadInt32(&stage.calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", stage.calls)
	}
}

func TestCancelRunningCancelsInFlightStage(t *testing.T) {
	jobs := newTestJobStore(t)
	block := make(chan struct{})
	stage := &fakeStage{block: block}
	s := New(jobs, map[entity.PipelineType]Stage{entity.PipelineGithubSync: stage}, time.Second, nil, nil)

	if _, err := s.TriggerDirect(context.Background(), entity.PipelineGithubSync, false); err != nil {
		t.Fatalf("trigger direct: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&stage.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !s.CancelRunning(entity.PipelineGithubSync) {
		t.Fatal("expected CancelRunning to find the in-flight stage")
	}
	if s.CancelRunning(entity.PipelineGithubSync) {
		t.Fatal("expected second CancelRunning to find nothing once cancelled")
	}
	close(block)
}

func TestRunDirectSyncRecordsRunMetrics(t *testing.T) {
	jobs := newTestJobStore(t)
	stage := &fakeStage{items: 7}
	m := metrics.New()
	s := New(jobs, map[entity.PipelineType]Stage{entity.PipelineDataProcessing: stage}, time.Second, m, nil)

	if _, err := s.RunDirectSync(context.Background(), entity.PipelineDataProcessing, true); err != nil {
		t.Fatalf("run direct sync: %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sawRun, sawItems bool
	for _, f := range families {
		switch f.GetName() {
		case "contributor_pipeline_runs_total":
			for _, metric := range f.GetMetric() {
				if metric.GetCounter().GetValue() == 1 {
					sawRun = true
				}
			}
		case "contributor_pipeline_items_processed_total":
			for _, metric := range f.GetMetric() {
				if metric.GetCounter().GetValue() == 7 {
					sawItems = true
				}
			}
		}
	}
	if !sawRun {
		t.Fatal("expected runs_total to record the completed run")
	}
	if !sawItems {
		t.Fatal("expected items_processed_total to record 7 items")
	}
}

func TestIsDueTreatsMissingNextRunAsNotYetDue(t *testing.T) {
	jobs := newTestJobStore(t)
	s := New(jobs, map[entity.PipelineType]Stage{}, time.Second, nil, nil)

	sched := entity.PipelineSchedule{Type: entity.PipelineGithubSync, Expression: "*/15 * * * *", Timezone: "UTC"}
	due, next, err := s.isDue(sched, time.Now())
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if due {
		t.Fatal("a schedule with no prior next_run_at must not fire on first evaluation")
	}
	if next.IsZero() {
		t.Fatal("expected a computed next run time")
	}
}

func TestIsDueFiresOncePastComputedNextRun(t *testing.T) {
	jobs := newTestJobStore(t)
	s := New(jobs, map[entity.PipelineType]Stage{}, time.Second, nil, nil)

	past := time.Now().Add(-time.Minute)
	sched := entity.PipelineSchedule{
		Type: entity.PipelineGithubSync, Expression: "* * * * *", Timezone: "UTC", NextRunAt: &past,
	}
	due, _, err := s.isDue(sched, time.Now())
	if err != nil {
		t.Fatalf("isDue: %v", err)
	}
	if !due {
		t.Fatal("expected schedule to be due once its next_run_at has passed")
	}
}

func TestIsDueRejectsMalformedCronExpression(t *testing.T) {
	jobs := newTestJobStore(t)
	s := New(jobs, map[entity.PipelineType]Stage{}, time.Second, nil, nil)

	if _, _, err := s.isDue(entity.PipelineSchedule{Expression: "not a cron expression"}, time.Now()); err == nil {
		t.Fatal("expected an error for a malformed cron expression")
	}
}
