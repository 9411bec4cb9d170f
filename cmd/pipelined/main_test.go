package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/config"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

// stagedTypes is the number of pipeline types that get a default schedule:
// every valid type except sitemap_generation, which has no stage.
var stagedTypes = len(entity.ValidPipelineTypes) - 1

func TestEnsureDefaultSchedulesSeedsOnePerStagedPipelineType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	jobs := jobstore.New(st.DB())
	ctx := context.Background()

	if err := ensureDefaultSchedules(ctx, jobs, &config.Config{ScheduleTimezone: "UTC"}); err != nil {
		t.Fatalf("ensure default schedules: %v", err)
	}

	schedules, err := jobs.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != stagedTypes {
		t.Fatalf("expected one schedule per staged pipeline type, got %d", len(schedules))
	}
}

func TestEnsureDefaultSchedulesIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	jobs := jobstore.New(st.DB())
	ctx := context.Background()
	cfg := &config.Config{ScheduleTimezone: "UTC"}

	if err := ensureDefaultSchedules(ctx, jobs, cfg); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	if err := ensureDefaultSchedules(ctx, jobs, cfg); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	schedules, err := jobs.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != stagedTypes {
		t.Fatalf("expected re-running the seed to stay idempotent, got %d rows", len(schedules))
	}
}
