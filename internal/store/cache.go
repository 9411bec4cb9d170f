package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
)

// ErrCacheMiss is returned by GetProviderCache when no entry exists for key.
var ErrCacheMiss = errors.New("store: provider cache miss")

// GetProviderCache fetches the cached etag/body pair for a logical endpoint
// key, surviving process restarts per §"Supplemented features" in
// SPEC_FULL.md (the conditional-request cache lives in the Store, not only
// in ProviderClient memory).
func (s *Store) GetProviderCache(ctx context.Context, endpointKey string) (*entity.ProviderCacheEntry, error) {
	var e entity.ProviderCacheEntry
	err := s.db.GetContext(ctx, &e, `SELECT * FROM provider_cache WHERE endpoint_key = ?`, endpointKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get provider cache: %w", err)
	}
	return &e, nil
}

// PutProviderCache upserts the etag/body pair for endpointKey.
func (s *Store) PutProviderCache(ctx context.Context, endpointKey, etag, body string) error {
	const query = `
INSERT INTO provider_cache (endpoint_key, etag, body, fetched_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(endpoint_key) DO UPDATE SET etag = excluded.etag, body = excluded.body, fetched_at = excluded.fetched_at`
	if _, err := s.db.ExecContext(ctx, query, endpointKey, etag, body, time.Now().UTC()); err != nil {
		return fmt.Errorf("put provider cache: %w", err)
	}
	return nil
}
