// Package jobstore owns pipeline run lifecycle and schedule persistence
// (C3): starting a run enforces the one-running-instance-per-type
// invariant (I4) with a single conditional UPDATE, the way the teacher's
// services/indexer tracks a running flag but promoted here to a
// database-enforced compare-and-swap so two process instances can't both
// believe they started the same pipeline type.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
)

// ErrAlreadyRunning is returned by BeginRun when a run of the same
// PipelineType is already in flight (I4).
var ErrAlreadyRunning = errors.New("jobstore: pipeline already running")

// ErrScheduleNotFound is returned when a schedule id does not exist.
var ErrScheduleNotFound = errors.New("jobstore: schedule not found")

type JobStore struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *JobStore {
	return &JobStore{db: db}
}

// BeginRun atomically claims the "running" slot for pipelineType and
// inserts the PipelineHistory row recording the attempt. It is safe to call
// concurrently: the UPDATE's WHERE clause only matches a non-running row,
// so at most one caller observes RowsAffected() == 1.
func (j *JobStore) BeginRun(ctx context.Context, pipelineType entity.PipelineType, trigger entity.TriggerKind) (int64, error) {
	now := time.Now().UTC()
	var historyID int64

	err := withTx(ctx, j.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO pipeline_status (pipeline_type, is_running, status, last_run)
VALUES (?, 1, 'running', ?)
ON CONFLICT(pipeline_type) DO UPDATE SET is_running = 1, status = 'running', last_run = excluded.last_run
WHERE pipeline_status.is_running = 0`, string(pipelineType), now)
		if err != nil {
			return fmt.Errorf("claim running slot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim running slot: rows affected: %w", err)
		}
		if n == 0 {
			return ErrAlreadyRunning
		}

		insertRes, err := tx.ExecContext(ctx, `
INSERT INTO pipeline_history (pipeline_type, trigger_kind, status, started_at, items_processed)
VALUES (?, ?, 'running', ?, 0)`, string(pipelineType), string(trigger), now)
		if err != nil {
			return fmt.Errorf("insert history row: %w", err)
		}
		historyID, err = insertRes.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert history row: last insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return historyID, nil
}

// EndRun releases the running slot and finalizes the PipelineHistory row.
// outcome is one of entity.HistoryCompleted/HistoryFailed/HistoryStopped.
func (j *JobStore) EndRun(ctx context.Context, pipelineType entity.PipelineType, historyID int64, outcome entity.HistoryStatus, itemsProcessed int64, runErr error) error {
	now := time.Now().UTC()
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	return withTx(ctx, j.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE pipeline_history SET status = ?, completed_at = ?, items_processed = ?, error_message = ?
WHERE id = ?`, string(outcome), now, itemsProcessed, errMsg, historyID); err != nil {
			return fmt.Errorf("finalize history row: %w", err)
		}

		status := "idle"
		if outcome == entity.HistoryFailed {
			status = "failed"
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE pipeline_status SET is_running = 0, status = ? WHERE pipeline_type = ?`, status, string(pipelineType)); err != nil {
			return fmt.Errorf("release running slot: %w", err)
		}
		return nil
	})
}

// RecordProgress updates items_processed on an in-flight run without
// ending it, so a long-running pipeline's progress is observable via
// GetStatus/GetHistory before it completes.
func (j *JobStore) RecordProgress(ctx context.Context, historyID int64, itemsProcessed int64) error {
	_, err := j.db.ExecContext(ctx, `
UPDATE pipeline_history SET items_processed = ? WHERE id = ? AND status = 'running'`, itemsProcessed, historyID)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// GetStatus returns the current PipelineStatus row for every known type,
// synthesizing an idle row for types that have never run.
func (j *JobStore) GetStatus(ctx context.Context) ([]entity.PipelineStatus, error) {
	rows := make([]entity.PipelineStatus, 0, len(entity.ValidPipelineTypes))
	existing := map[entity.PipelineType]entity.PipelineStatus{}

	var fetched []entity.PipelineStatus
	if err := j.db.SelectContext(ctx, &fetched, `SELECT pipeline_type, is_running, status, last_run FROM pipeline_status`); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	for _, s := range fetched {
		existing[s.Type] = s
	}

	for _, t := range entity.ValidPipelineTypes {
		if s, ok := existing[t]; ok {
			rows = append(rows, s)
			continue
		}
		rows = append(rows, entity.PipelineStatus{Type: t, IsRunning: false, Status: "idle"})
	}
	return rows, nil
}

// GetHistory returns the most recent history rows for pipelineType, newest
// first, bounded by limit.
func (j *JobStore) GetHistory(ctx context.Context, pipelineType entity.PipelineType, limit int) ([]entity.PipelineHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []entity.PipelineHistory
	err := j.db.SelectContext(ctx, &rows, `
SELECT * FROM pipeline_history WHERE pipeline_type = ? ORDER BY started_at DESC LIMIT ?`, string(pipelineType), limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	return rows, nil
}

// ListSchedules returns every configured schedule.
func (j *JobStore) ListSchedules(ctx context.Context) ([]entity.PipelineSchedule, error) {
	var rows []entity.PipelineSchedule
	if err := j.db.SelectContext(ctx, &rows, `SELECT * FROM pipeline_schedules ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return rows, nil
}

// GetSchedule fetches one schedule by id.
func (j *JobStore) GetSchedule(ctx context.Context, id int64) (entity.PipelineSchedule, error) {
	var row entity.PipelineSchedule
	err := j.db.GetContext(ctx, &row, `SELECT * FROM pipeline_schedules WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.PipelineSchedule{}, ErrScheduleNotFound
	}
	if err != nil {
		return entity.PipelineSchedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return row, nil
}

// CreateSchedule inserts a new schedule and returns its id.
func (j *JobStore) CreateSchedule(ctx context.Context, s entity.PipelineSchedule) (int64, error) {
	now := time.Now().UTC()
	res, err := j.db.ExecContext(ctx, `
INSERT INTO pipeline_schedules (pipeline_type, cron_expression, timezone, is_active, params, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(s.Type), s.Expression, s.Timezone, s.IsActive, s.Params, now, now)
	if err != nil {
		return 0, fmt.Errorf("create schedule: %w", err)
	}
	return res.LastInsertId()
}

// UpdateSchedule overwrites the mutable fields of an existing schedule.
func (j *JobStore) UpdateSchedule(ctx context.Context, s entity.PipelineSchedule) error {
	now := time.Now().UTC()
	res, err := j.db.ExecContext(ctx, `
UPDATE pipeline_schedules SET cron_expression = ?, timezone = ?, is_active = ?, params = ?, updated_at = ?
WHERE id = ?`, s.Expression, s.Timezone, s.IsActive, s.Params, now, s.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule by id.
func (j *JobStore) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := j.db.ExecContext(ctx, `DELETE FROM pipeline_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// SetNextRun updates the computed next_run_at for a schedule, called by the
// scheduler after evaluating its cron expression.
func (j *JobStore) SetNextRun(ctx context.Context, id int64, nextRunAt time.Time) error {
	_, err := j.db.ExecContext(ctx, `UPDATE pipeline_schedules SET next_run_at = ? WHERE id = ?`, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	return nil
}

// MarkRan stamps last_run_at on a schedule once the scheduler has triggered
// it.
func (j *JobStore) MarkRan(ctx context.Context, id int64, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `UPDATE pipeline_schedules SET last_run_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("mark ran: %w", err)
	}
	return nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
