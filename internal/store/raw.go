package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
)

// UpsertRawMergeRequest inserts a new staging row for providerID, or
// updates the payload of an existing one, leaving is_processed untouched on
// update. This is what makes Sync idempotent against event replay (P4):
// re-feeding the same PR updates the same row rather than creating a
// duplicate, and is_processed is never reset by a replay.
func (s *Store) UpsertRawMergeRequest(ctx context.Context, providerID int64, payload string) error {
	now := time.Now().UTC()
	const query = `
INSERT INTO raw_merge_requests (provider_id, payload, is_processed, created_at, updated_at)
VALUES (:provider_id, :payload, 0, :created_at, :updated_at)
ON CONFLICT(provider_id) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at`

	params := map[string]any{
		"provider_id": providerID, "payload": payload, "created_at": now, "updated_at": now,
	}
	resolved, args, err := sqlx.Named(query, params)
	if err != nil {
		return fmt.Errorf("upsert raw merge request: bind: %w", err)
	}
	resolved = s.db.Rebind(resolved)
	if _, err := s.db.ExecContext(ctx, resolved, args...); err != nil {
		return fmt.Errorf("upsert raw merge request: %w", err)
	}
	return nil
}

// SelectUnprocessedRaw returns up to limit RawMergeRequest rows with
// is_processed = 0, oldest first, per the Process stage's batching
// contract (§4.6).
func (s *Store) SelectUnprocessedRaw(ctx context.Context, limit int) ([]entity.RawMergeRequest, error) {
	var rows []entity.RawMergeRequest
	const query = `
SELECT id, payload, is_processed, created_at, updated_at
FROM raw_merge_requests
WHERE is_processed = 0
ORDER BY created_at ASC, id ASC
LIMIT ?`
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("select unprocessed raw: %w", err)
	}
	return rows, nil
}

// MarkRawProcessed flips is_processed for every id in ids, batched in one
// statement. Re-marking an already-processed row is a no-op (I5).
func (s *Store) MarkRawProcessed(ctx context.Context, tx ext, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE raw_merge_requests SET is_processed = 1, updated_at = ? WHERE id IN (?)`,
		time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("mark raw processed: bind: %w", err)
	}
	query = tx.Rebind(query)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark raw processed: %w", err)
	}
	return nil
}
