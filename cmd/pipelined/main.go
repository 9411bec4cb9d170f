// Command pipelined is the orchestrator process: it opens the Store, wires
// the provider client, schedules and stages, repairs dangling runs from a
// prior crash, serves the control plane, and runs until a termination
// signal, at which point it drains in-flight stages within a grace period.
//
// Grounded on the teacher's cmd/indexer/main.go minimal-main shape: load
// config, construct the service, start it, block on signals, stop it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/config"
	"github.com/r3e-network/contributor-pipeline/internal/httpapi"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/logging"
	"github.com/r3e-network/contributor-pipeline/internal/metrics"
	"github.com/r3e-network/contributor-pipeline/internal/pipeline/enrich"
	"github.com/r3e-network/contributor-pipeline/internal/pipeline/process"
	"github.com/r3e-network/contributor-pipeline/internal/pipeline/rank"
	"github.com/r3e-network/contributor-pipeline/internal/pipeline/sync"
	"github.com/r3e-network/contributor-pipeline/internal/provider"
	"github.com/r3e-network/contributor-pipeline/internal/scheduler"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 2
	}

	baseLog := logging.New(cfg.LogLevel, "text")
	log := logging.Component(baseLog, "pipelined")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath, log)
	if err != nil {
		log.WithError(err).Error("open store")
		return 1
	}
	defer st.Close()

	if n, err := st.RepairDanglingRuns(ctx); err != nil {
		log.WithError(err).Error("repair dangling runs")
	} else if n > 0 {
		log.WithField("count", n).Warn("repaired dangling runs from a prior crash")
	}

	jobs := jobstore.New(st.DB())
	m := metrics.New()

	prov := provider.New(provider.Config{
		BaseURL:         "https://api.github.com",
		Token:           cfg.ProviderToken,
		LowWaterMark:    cfg.RateLimitLowWater,
		WaitOnRateLimit: false,
		Cache:           st,
		Metrics:         m,
	}, log)

	stages := map[entity.PipelineType]scheduler.Stage{
		entity.PipelineGithubSync:     sync.New(st, jobs, prov, log),
		entity.PipelineDataProcessing: process.New(st, jobs, cfg.ProcessBatchSize, log),
		entity.PipelineDataEnrichment: enrich.New(st, jobs, prov, cfg.EnrichMaxAttempts, m, log),
		entity.PipelineAIAnalysis:     rank.New(st, jobs, cfg.RankWeights, log),
	}

	grace := time.Duration(cfg.ShutdownGraceSecs) * time.Second
	sched := scheduler.New(jobs, stages, grace, m, log)

	if err := ensureDefaultSchedules(ctx, jobs, cfg); err != nil {
		log.WithError(err).Warn("seed default schedules")
	}

	httpServer := httpapi.NewServer(cfg.HTTPAddr, jobs, sched, m, log)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("serving control plane")
		if err := httpServer.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("control plane listener failed")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("http shutdown")
	}

	<-schedDone // Scheduler.Run returns once its stages finish or the grace period ends
	log.Info("shutdown complete")
	return 0
}

// ensureDefaultSchedules seeds one active schedule per implemented pipeline
// type on first boot, so a fresh DB_PATH is immediately useful without
// requiring an operator to POST /schedules first.
func ensureDefaultSchedules(ctx context.Context, jobs *jobstore.JobStore, cfg *config.Config) error {
	existing, err := jobs.ListSchedules(ctx)
	if err != nil {
		return err
	}
	have := map[entity.PipelineType]bool{}
	for _, s := range existing {
		have[s.Type] = true
	}

	defaults := map[entity.PipelineType]string{
		entity.PipelineGithubSync:     "*/15 * * * *",
		entity.PipelineDataProcessing: "*/5 * * * *",
		entity.PipelineDataEnrichment: "0 * * * *",
		entity.PipelineAIAnalysis:     "0 0 * * *",
	}
	for pipelineType, expr := range defaults {
		if have[pipelineType] {
			continue
		}
		if _, err := jobs.CreateSchedule(ctx, entity.PipelineSchedule{
			Type: pipelineType, Expression: expr, Timezone: cfg.ScheduleTimezone, IsActive: true, Params: "{}",
		}); err != nil {
			return err
		}
	}
	return nil
}
