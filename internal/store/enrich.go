package store

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
)

// EnrichableTable names every table the Enrich stage sweeps. Each one
// carries is_enriched/enrichment_attempts/created_at, so the selection and
// bookkeeping queries are identical in shape across entity kinds.
type EnrichableTable string

const (
	TableRepositories   EnrichableTable = "repositories"
	TableContributors   EnrichableTable = "contributors"
	TableMergeRequests  EnrichableTable = "merge_requests"
	TableCommits        EnrichableTable = "commits"
)

// SelectUnenrichedUUIDs returns up to limit uuids from table where
// is_enriched = 0 and enrichment_attempts < maxAttempts, oldest first
// (§4.1's deterministic-page contract).
func (s *Store) SelectUnenrichedUUIDs(ctx context.Context, table EnrichableTable, limit, maxAttempts int) ([]string, error) {
	var uuids []string
	query := fmt.Sprintf(`
SELECT uuid FROM %s
WHERE is_enriched = 0 AND enrichment_attempts < ?
ORDER BY created_at ASC, uuid ASC
LIMIT ?`, table)
	if err := s.db.SelectContext(ctx, &uuids, query, maxAttempts, limit); err != nil {
		return nil, fmt.Errorf("select unenriched %s: %w", table, err)
	}
	return uuids, nil
}

// MarkEnrichmentAttempt increments enrichment_attempts and, when success is
// true, sets is_enriched = true. enrichment_attempts only increases, and
// is_enriched only transitions false -> true, per invariant I3.
func (s *Store) MarkEnrichmentAttempt(ctx context.Context, table EnrichableTable, uuid string, success bool) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	enrichment_attempts = enrichment_attempts + 1,
	is_enriched = CASE WHEN ? THEN 1 ELSE is_enriched END
WHERE uuid = ?`, table)
	if _, err := s.db.ExecContext(ctx, query, success, uuid); err != nil {
		return fmt.Errorf("mark enrichment attempt %s: %w", table, err)
	}
	return nil
}

// MarkEnrichedWithoutAttempt sets is_enriched = true without touching
// enrichment_attempts — used for the not-found and malformed-full_name
// cases in §4.7, which should stop appearing in future selections without
// counting as a retry attempt.
func (s *Store) MarkEnrichedWithoutAttempt(ctx context.Context, table EnrichableTable, uuid string) error {
	query := fmt.Sprintf(`UPDATE %s SET is_enriched = 1 WHERE uuid = ?`, table)
	if _, err := s.db.ExecContext(ctx, query, uuid); err != nil {
		return fmt.Errorf("mark enriched without attempt %s: %w", table, err)
	}
	return nil
}

// MarkContributorsWithoutProviderIDEnriched implements the pre-pass
// optimization of §4.7 step 3: contributors with provider_id = 0 or NULL
// are inherently unresolvable and are marked enriched once so they stop
// being selected forever.
func (s *Store) MarkContributorsWithoutProviderIDEnriched(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE contributors SET is_enriched = 1
WHERE is_enriched = 0 AND (provider_id = 0 OR provider_id IS NULL)`)
	if err != nil {
		return 0, fmt.Errorf("mark unresolvable contributors: %w", err)
	}
	return res.RowsAffected()
}

// GetRepository fetches a Repository row by uuid.
func (s *Store) GetRepository(ctx context.Context, id string) (*entity.Repository, error) {
	var r entity.Repository
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM repositories WHERE uuid = ?`, id); err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return &r, nil
}

// GetContributor fetches a Contributor row by uuid.
func (s *Store) GetContributor(ctx context.Context, id string) (*entity.Contributor, error) {
	var c entity.Contributor
	if err := s.db.GetContext(ctx, &c, `SELECT * FROM contributors WHERE uuid = ?`, id); err != nil {
		return nil, fmt.Errorf("get contributor: %w", err)
	}
	return &c, nil
}

// GetMergeRequest fetches a MergeRequest row by uuid.
func (s *Store) GetMergeRequest(ctx context.Context, id string) (*entity.MergeRequest, error) {
	var m entity.MergeRequest
	if err := s.db.GetContext(ctx, &m, `SELECT * FROM merge_requests WHERE uuid = ?`, id); err != nil {
		return nil, fmt.Errorf("get merge request: %w", err)
	}
	return &m, nil
}

// GetCommit fetches a Commit row by uuid.
func (s *Store) GetCommit(ctx context.Context, id string) (*entity.Commit, error) {
	var c entity.Commit
	if err := s.db.GetContext(ctx, &c, `SELECT * FROM commits WHERE uuid = ?`, id); err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	return &c, nil
}

// UpdateRepositoryEnrichment merges enrichment-pass fields into an existing
// Repository row and sets is_enriched/updated_at. Called by the Enrich
// stage on a successful provider fetch.
func (s *Store) UpdateRepositoryEnrichment(ctx context.Context, r *entity.Repository) error {
	const query = `
UPDATE repositories SET
	stars = :stars, forks = :forks, watchers = :watchers, open_issues = :open_issues,
	size_kb = :size_kb, primary_language = :primary_language, default_branch = :default_branch,
	is_archived = :is_archived, owner_uuid = :owner_uuid, owner_provider_id = :owner_provider_id,
	last_updated = :last_updated, is_enriched = 1,
	enrichment_attempts = enrichment_attempts + 1, updated_at = :updated_at
WHERE uuid = :uuid`
	params := map[string]any{
		"stars": r.Stars, "forks": r.Forks, "watchers": r.Watchers, "open_issues": r.OpenIssues,
		"size_kb": r.SizeKB, "primary_language": r.PrimaryLanguage, "default_branch": r.DefaultBranch,
		"is_archived": r.IsArchived, "owner_uuid": r.OwnerUUID, "owner_provider_id": r.OwnerProviderID,
		"last_updated": r.LastUpdated, "updated_at": time.Now().UTC(), "uuid": r.UUID,
	}
	if _, err := s.db.NamedExecContext(ctx, query, params); err != nil {
		return fmt.Errorf("update repository enrichment: %w", err)
	}
	return nil
}

// UpdateContributorEnrichment merges profile and derived fields into an
// existing Contributor row, reconciling the username if it changed
// (§4.7's "prefer provider_id over username" rule).
func (s *Store) UpdateContributorEnrichment(ctx context.Context, c *entity.Contributor) error {
	const query = `
UPDATE contributors SET
	username = :username, name = :name, avatar_url = :avatar_url, bio = :bio,
	company = :company, blog = :blog, twitter = :twitter, location = :location,
	followers = :followers, public_repos = :public_repos, is_bot = :is_bot,
	is_enriched = 1, enrichment_attempts = enrichment_attempts + 1, updated_at = :updated_at
WHERE uuid = :uuid`
	params := map[string]any{
		"username": c.Username, "name": c.Name, "avatar_url": c.AvatarURL, "bio": c.Bio,
		"company": c.Company, "blog": c.Blog, "twitter": c.Twitter, "location": c.Location,
		"followers": c.Followers, "public_repos": c.PublicRepos, "is_bot": c.IsBot,
		"updated_at": time.Now().UTC(), "uuid": c.UUID,
	}
	if _, err := s.db.NamedExecContext(ctx, query, params); err != nil {
		return fmt.Errorf("update contributor enrichment: %w", err)
	}
	return nil
}

// UpdateMergeRequestEnrichment merges derived/detail fields into an
// existing MergeRequest row.
func (s *Store) UpdateMergeRequestEnrichment(ctx context.Context, m *entity.MergeRequest) error {
	const query = `
UPDATE merge_requests SET
	review_count = :review_count, comment_count = :comment_count,
	complexity_score = :complexity_score, review_time_hours = :review_time_hours,
	cycle_time_hours = :cycle_time_hours, labels = :labels,
	is_enriched = 1, enrichment_attempts = enrichment_attempts + 1, updated_at = :updated_at
WHERE uuid = :uuid`
	params := map[string]any{
		"review_count": m.ReviewCount, "comment_count": m.CommentCount,
		"complexity_score": m.ComplexityScore, "review_time_hours": m.ReviewTimeHours,
		"cycle_time_hours": m.CycleTimeHours, "labels": m.Labels,
		"updated_at": time.Now().UTC(), "uuid": m.UUID,
	}
	if _, err := s.db.NamedExecContext(ctx, query, params); err != nil {
		return fmt.Errorf("update merge request enrichment: %w", err)
	}
	return nil
}

// UpdateCommitEnrichment merges detail fields into an existing Commit row.
func (s *Store) UpdateCommitEnrichment(ctx context.Context, c *entity.Commit) error {
	const query = `
UPDATE commits SET
	additions = :additions, deletions = :deletions, files_changed = :files_changed,
	is_merge_commit = :is_merge_commit, parent_shas = :parent_shas,
	is_enriched = 1, enrichment_attempts = enrichment_attempts + 1
WHERE uuid = :uuid`
	params := map[string]any{
		"additions": c.Additions, "deletions": c.Deletions, "files_changed": c.FilesChanged,
		"is_merge_commit": c.IsMergeCommit, "parent_shas": c.ParentSHAs, "uuid": c.UUID,
	}
	if _, err := s.db.NamedExecContext(ctx, query, params); err != nil {
		return fmt.Errorf("update commit enrichment: %w", err)
	}
	return nil
}
