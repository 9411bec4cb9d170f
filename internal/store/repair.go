package store

import (
	"context"
	"fmt"
	"time"
)

// RepairDanglingRuns marks every PipelineHistory row still "running" as
// failed with "process terminated" and clears the corresponding
// PipelineStatus row. It runs once at process start, before the scheduler
// begins ticking, to recover from a crash mid-run (§7).
func (s *Store) RepairDanglingRuns(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE pipeline_history SET
	status = 'failed',
	completed_at = ?,
	error_message = 'process terminated'
WHERE status = 'running'`, now)
	if err != nil {
		return 0, fmt.Errorf("repair dangling runs: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `
UPDATE pipeline_status SET is_running = 0, status = 'idle'
WHERE is_running = 1`); err != nil {
		return n, fmt.Errorf("repair dangling runs: clear status: %w", err)
	}
	return n, nil
}
