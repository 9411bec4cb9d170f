package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
)

// ContributorActivity is the raw per-contributor aggregate the Rank stage
// computes before scoring, excluding any repository with is_fork = true.
type ContributorActivity struct {
	ContributorUUID          string `db:"contributor_uuid"`
	ContributorProviderID    int64  `db:"contributor_provider_id"`
	LinesAdded               int64  `db:"lines_added"`
	LinesRemoved             int64  `db:"lines_removed"`
	Commits                  int64  `db:"commits"`
	RepositoriesContributed  int64  `db:"repositories_contributed"`
	Followers                int64  `db:"followers"`
	PullRequestsMerged       int64  `db:"pull_requests_merged"`
	CodeReviews              int64  `db:"code_reviews"`
	ProfileFieldsSet         int64  `db:"profile_fields_set"`
}

// SelectContributorActivity aggregates ContributorRepository rows joined to
// non-fork repositories, per contributor, for ranking input (§4.8 step 1).
func (s *Store) SelectContributorActivity(ctx context.Context) ([]ContributorActivity, error) {
	var rows []ContributorActivity
	const query = `
SELECT
	cr.contributor_uuid AS contributor_uuid,
	cr.contributor_provider_id AS contributor_provider_id,
	SUM(cr.lines_added) AS lines_added,
	SUM(cr.lines_removed) AS lines_removed,
	SUM(cr.commit_count) AS commits,
	COUNT(DISTINCT cr.repository_uuid) AS repositories_contributed,
	COALESCE(MAX(c.followers), 0) AS followers,
	COALESCE(MAX(c.pull_requests_merged), 0) AS pull_requests_merged,
	COALESCE(MAX(c.code_reviews), 0) AS code_reviews,
	(CASE WHEN c.name != '' THEN 1 ELSE 0 END
		+ CASE WHEN c.bio != '' THEN 1 ELSE 0 END
		+ CASE WHEN c.company != '' THEN 1 ELSE 0 END
		+ CASE WHEN c.blog != '' THEN 1 ELSE 0 END
		+ CASE WHEN c.location != '' THEN 1 ELSE 0 END
		+ CASE WHEN c.avatar_url != '' THEN 1 ELSE 0 END) AS profile_fields_set
FROM contributor_repositories cr
JOIN repositories r ON r.uuid = cr.repository_uuid
JOIN contributors c ON c.uuid = cr.contributor_uuid
WHERE r.is_fork = 0
GROUP BY cr.contributor_uuid, cr.contributor_provider_id, c.name, c.bio, c.company, c.blog, c.location, c.avatar_url
ORDER BY cr.contributor_provider_id ASC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select contributor activity: %w", err)
	}
	return rows, nil
}

// InsertRankingSnapshot writes every row of rows inside one transaction
// under a single calculation_timestamp, satisfying invariant I7.
func (s *Store) InsertRankingSnapshot(ctx context.Context, rows []entity.ContributorRanking, timestamp time.Time) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		const query = `
INSERT INTO contributor_rankings (
	contributor_uuid, contributor_provider_id, rank_position, total_score,
	volume_score, efficiency_score, impact_score, influence_score,
	popularity_score, followers_score, completeness_score, collaboration_score,
	raw_lines_added, raw_lines_removed, raw_commits, repositories_contributed,
	calculation_timestamp
) VALUES (
	:contributor_uuid, :contributor_provider_id, :rank_position, :total_score,
	:volume_score, :efficiency_score, :impact_score, :influence_score,
	:popularity_score, :followers_score, :completeness_score, :collaboration_score,
	:raw_lines_added, :raw_lines_removed, :raw_commits, :repositories_contributed,
	:calculation_timestamp
)`
		for i := range rows {
			rows[i].CalculationTimestamp = timestamp
			if _, err := tx.NamedExecContext(ctx, query, rows[i]); err != nil {
				return fmt.Errorf("insert ranking row %d: %w", rows[i].RankPosition, err)
			}
		}
		return nil
	})
}

// LatestRankingSnapshot returns the rows sharing the most recent
// calculation_timestamp, the snapshot downstream readers consume.
func (s *Store) LatestRankingSnapshot(ctx context.Context) ([]entity.ContributorRanking, error) {
	var rows []entity.ContributorRanking
	const query = `
SELECT * FROM contributor_rankings
WHERE calculation_timestamp = (SELECT MAX(calculation_timestamp) FROM contributor_rankings)
ORDER BY rank_position ASC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("select latest ranking snapshot: %w", err)
	}
	return rows, nil
}
