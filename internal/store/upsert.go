package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
)

// ext is satisfied by both *sqlx.DB and *sqlx.Tx, letting every Upsert*
// method run standalone or inside a Store.WithTx block.
type ext interface {
	sqlx.ExtContext
}

// UpsertRepository inserts or updates a Repository keyed by provider_id,
// returning the stable uuid. Two concurrent upserts for the same
// provider_id resolve to the same uuid because the conflict resolution
// happens inside sqlite's own atomic INSERT..ON CONFLICT, not a
// select-then-write race.
func (s *Store) UpsertRepository(ctx context.Context, tx ext, r *entity.Repository) (string, error) {
	return upsertRepository(ctx, tx, r)
}

func upsertRepository(ctx context.Context, q ext, r *entity.Repository) (string, error) {
	now := time.Now().UTC()
	newUUID := uuid.NewString()
	const query = `
INSERT INTO repositories (
	uuid, provider_id, full_name, name, url, stars, forks, watchers, open_issues,
	size_kb, primary_language, default_branch, is_fork, is_archived,
	owner_uuid, owner_provider_id, last_updated, created_at, updated_at
) VALUES (
	:uuid, :provider_id, :full_name, :name, :url, :stars, :forks, :watchers, :open_issues,
	:size_kb, :primary_language, :default_branch, :is_fork, :is_archived,
	:owner_uuid, :owner_provider_id, :last_updated, :created_at, :updated_at
)
ON CONFLICT(provider_id) DO UPDATE SET
	full_name = excluded.full_name,
	name = excluded.name,
	url = excluded.url,
	stars = excluded.stars,
	forks = excluded.forks,
	watchers = excluded.watchers,
	open_issues = excluded.open_issues,
	size_kb = excluded.size_kb,
	primary_language = excluded.primary_language,
	default_branch = excluded.default_branch,
	is_fork = excluded.is_fork,
	is_archived = excluded.is_archived,
	owner_uuid = excluded.owner_uuid,
	owner_provider_id = excluded.owner_provider_id,
	last_updated = excluded.last_updated,
	updated_at = excluded.updated_at
RETURNING uuid`

	params := map[string]any{
		"uuid": newUUID, "provider_id": r.ProviderID, "full_name": r.FullName, "name": r.Name,
		"url": r.URL, "stars": r.Stars, "forks": r.Forks, "watchers": r.Watchers,
		"open_issues": r.OpenIssues, "size_kb": r.SizeKB, "primary_language": r.PrimaryLanguage,
		"default_branch": r.DefaultBranch, "is_fork": r.IsFork, "is_archived": r.IsArchived,
		"owner_uuid": r.OwnerUUID, "owner_provider_id": r.OwnerProviderID,
		"last_updated": r.LastUpdated, "created_at": now, "updated_at": now,
	}
	resolved, args, err := sqlx.Named(query, params)
	if err != nil {
		return "", fmt.Errorf("upsert repository: bind: %w", err)
	}
	resolved = q.Rebind(resolved)

	var outUUID string
	if err := sqlx.QueryRowxContext(ctx, q, resolved, args...).Scan(&outUUID); err != nil {
		return "", fmt.Errorf("upsert repository: %w", err)
	}
	return outUUID, nil
}

// UpsertContributor inserts or updates a Contributor keyed by provider_id.
// Callers with provider_id == 0 must not call this (see Process stage step
// c); there is no natural key to upsert on.
func (s *Store) UpsertContributor(ctx context.Context, tx ext, c *entity.Contributor) (string, error) {
	return upsertContributor(ctx, tx, c)
}

func upsertContributor(ctx context.Context, q ext, c *entity.Contributor) (string, error) {
	now := time.Now().UTC()
	newUUID := uuid.NewString()
	const query = `
INSERT INTO contributors (
	uuid, provider_id, username, name, avatar_url, bio, company, blog, twitter, location,
	followers, public_repos, pull_requests_merged, is_placeholder, is_bot, created_at, updated_at
) VALUES (
	:uuid, :provider_id, :username, :name, :avatar_url, :bio, :company, :blog, :twitter, :location,
	:followers, :public_repos, :pull_requests_merged, :is_placeholder, :is_bot, :created_at, :updated_at
)
ON CONFLICT(provider_id) DO UPDATE SET
	username = excluded.username,
	updated_at = excluded.updated_at
RETURNING uuid`

	params := map[string]any{
		"uuid": newUUID, "provider_id": c.ProviderID, "username": c.Username, "name": c.Name,
		"avatar_url": c.AvatarURL, "bio": c.Bio, "company": c.Company, "blog": c.Blog,
		"twitter": c.Twitter, "location": c.Location, "followers": c.Followers,
		"public_repos": c.PublicRepos, "pull_requests_merged": c.PullRequestsMerged,
		"is_placeholder": c.IsPlaceholder, "is_bot": c.IsBot,
		"created_at": now, "updated_at": now,
	}
	resolved, args, err := sqlx.Named(query, params)
	if err != nil {
		return "", fmt.Errorf("upsert contributor: bind: %w", err)
	}
	resolved = q.Rebind(resolved)

	var outUUID string
	if err := sqlx.QueryRowxContext(ctx, q, resolved, args...).Scan(&outUUID); err != nil {
		return "", fmt.Errorf("upsert contributor: %w", err)
	}
	return outUUID, nil
}

// UpsertMergeRequest inserts or updates a MergeRequest keyed by
// (repository_uuid, provider_id) — the PR number, the visible natural key,
// per §4.6 step d.
func (s *Store) UpsertMergeRequest(ctx context.Context, tx ext, m *entity.MergeRequest) (string, error) {
	return upsertMergeRequest(ctx, tx, m)
}

func upsertMergeRequest(ctx context.Context, q ext, m *entity.MergeRequest) (string, error) {
	newUUID := uuid.NewString()
	const query = `
INSERT INTO merge_requests (
	uuid, provider_id, repository_uuid, repository_provider_id,
	author_uuid, author_provider_id, merged_by_uuid, merged_by_provider_id,
	state, is_draft, title, body, created_at, updated_at, closed_at, merged_at,
	commits, additions, deletions, changed_files, review_count, comment_count,
	base_branch, head_branch, labels
) VALUES (
	:uuid, :provider_id, :repository_uuid, :repository_provider_id,
	:author_uuid, :author_provider_id, :merged_by_uuid, :merged_by_provider_id,
	:state, :is_draft, :title, :body, :created_at, :updated_at, :closed_at, :merged_at,
	:commits, :additions, :deletions, :changed_files, :review_count, :comment_count,
	:base_branch, :head_branch, :labels
)
ON CONFLICT(repository_uuid, provider_id) DO UPDATE SET
	author_uuid = excluded.author_uuid,
	author_provider_id = excluded.author_provider_id,
	merged_by_uuid = excluded.merged_by_uuid,
	merged_by_provider_id = excluded.merged_by_provider_id,
	state = excluded.state,
	is_draft = excluded.is_draft,
	title = excluded.title,
	body = excluded.body,
	updated_at = excluded.updated_at,
	closed_at = excluded.closed_at,
	merged_at = excluded.merged_at,
	commits = excluded.commits,
	additions = excluded.additions,
	deletions = excluded.deletions,
	changed_files = excluded.changed_files,
	review_count = excluded.review_count,
	comment_count = excluded.comment_count,
	base_branch = excluded.base_branch,
	head_branch = excluded.head_branch,
	labels = excluded.labels
RETURNING uuid`

	params := map[string]any{
		"uuid": newUUID, "provider_id": m.ProviderID, "repository_uuid": m.RepositoryUUID,
		"repository_provider_id": m.RepositoryProviderID, "author_uuid": m.AuthorUUID,
		"author_provider_id": m.AuthorProviderID, "merged_by_uuid": m.MergedByUUID,
		"merged_by_provider_id": m.MergedByProviderID, "state": m.State, "is_draft": m.IsDraft,
		"title": m.Title, "body": m.Body, "created_at": m.CreatedAt, "updated_at": m.UpdatedAt,
		"closed_at": m.ClosedAt, "merged_at": m.MergedAt, "commits": m.Commits,
		"additions": m.Additions, "deletions": m.Deletions, "changed_files": m.ChangedFiles,
		"review_count": m.ReviewCount, "comment_count": m.CommentCount,
		"base_branch": m.BaseBranch, "head_branch": m.HeadBranch, "labels": m.Labels,
	}
	resolved, args, err := sqlx.Named(query, params)
	if err != nil {
		return "", fmt.Errorf("upsert merge request: bind: %w", err)
	}
	resolved = q.Rebind(resolved)

	var outUUID string
	if err := sqlx.QueryRowxContext(ctx, q, resolved, args...).Scan(&outUUID); err != nil {
		return "", fmt.Errorf("upsert merge request: %w", err)
	}
	return outUUID, nil
}

// UpsertCommit inserts or updates a Commit keyed by (repository_uuid, sha).
func (s *Store) UpsertCommit(ctx context.Context, tx ext, c *entity.Commit) (string, error) {
	return upsertCommit(ctx, tx, c)
}

func upsertCommit(ctx context.Context, q ext, c *entity.Commit) (string, error) {
	now := time.Now().UTC()
	newUUID := uuid.NewString()
	const query = `
INSERT INTO commits (
	uuid, provider_id, repository_uuid, repository_provider_id,
	contributor_uuid, contributor_provider_id, pull_request_uuid, pull_request_provider_id,
	message, committed_at, additions, deletions, files_changed,
	is_merge_commit, is_placeholder_author, parent_shas, created_at
) VALUES (
	:uuid, :provider_id, :repository_uuid, :repository_provider_id,
	:contributor_uuid, :contributor_provider_id, :pull_request_uuid, :pull_request_provider_id,
	:message, :committed_at, :additions, :deletions, :files_changed,
	:is_merge_commit, :is_placeholder_author, :parent_shas, :created_at
)
ON CONFLICT(repository_uuid, provider_id) DO UPDATE SET
	contributor_uuid = excluded.contributor_uuid,
	contributor_provider_id = excluded.contributor_provider_id,
	pull_request_uuid = excluded.pull_request_uuid,
	pull_request_provider_id = excluded.pull_request_provider_id,
	message = excluded.message,
	additions = excluded.additions,
	deletions = excluded.deletions,
	files_changed = excluded.files_changed,
	is_merge_commit = excluded.is_merge_commit,
	is_placeholder_author = excluded.is_placeholder_author,
	parent_shas = excluded.parent_shas
RETURNING uuid`

	params := map[string]any{
		"uuid": newUUID, "provider_id": c.ProviderID, "repository_uuid": c.RepositoryUUID,
		"repository_provider_id": c.RepositoryProviderID, "contributor_uuid": c.ContributorUUID,
		"contributor_provider_id": c.ContributorProviderID, "pull_request_uuid": c.PullRequestUUID,
		"pull_request_provider_id": c.PullRequestProviderID, "message": c.Message,
		"committed_at": c.CommittedAt, "additions": c.Additions, "deletions": c.Deletions,
		"files_changed": c.FilesChanged, "is_merge_commit": c.IsMergeCommit,
		"is_placeholder_author": c.IsPlaceholderAuthor, "parent_shas": c.ParentSHAs,
		"created_at": now,
	}
	resolved, args, err := sqlx.Named(query, params)
	if err != nil {
		return "", fmt.Errorf("upsert commit: bind: %w", err)
	}
	resolved = q.Rebind(resolved)

	var outUUID string
	if err := sqlx.QueryRowxContext(ctx, q, resolved, args...).Scan(&outUUID); err != nil {
		return "", fmt.Errorf("upsert commit: %w", err)
	}
	return outUUID, nil
}

// UpsertContributorRepository inserts or updates the junction row for
// (contributor_uuid, repository_uuid), folding in incremental counters
// rather than overwriting them, per §4.6 step f.
func (s *Store) UpsertContributorRepository(ctx context.Context, tx ext, delta *entity.ContributorRepository) error {
	return upsertContributorRepository(ctx, tx, delta)
}

func upsertContributorRepository(ctx context.Context, q ext, d *entity.ContributorRepository) error {
	newUUID := uuid.NewString()
	const query = `
INSERT INTO contributor_repositories (
	uuid, contributor_uuid, contributor_provider_id, repository_uuid, repository_provider_id,
	commit_count, pull_requests, reviews, issues_opened,
	first_contribution_date, last_contribution_date, lines_added, lines_removed
) VALUES (
	:uuid, :contributor_uuid, :contributor_provider_id, :repository_uuid, :repository_provider_id,
	:commit_count, :pull_requests, :reviews, :issues_opened,
	:first_contribution_date, :last_contribution_date, :lines_added, :lines_removed
)
ON CONFLICT(contributor_uuid, repository_uuid) DO UPDATE SET
	commit_count = contributor_repositories.commit_count + excluded.commit_count,
	pull_requests = contributor_repositories.pull_requests + excluded.pull_requests,
	reviews = contributor_repositories.reviews + excluded.reviews,
	issues_opened = contributor_repositories.issues_opened + excluded.issues_opened,
	first_contribution_date = MIN(contributor_repositories.first_contribution_date, excluded.first_contribution_date),
	last_contribution_date = MAX(contributor_repositories.last_contribution_date, excluded.last_contribution_date),
	lines_added = contributor_repositories.lines_added + excluded.lines_added,
	lines_removed = contributor_repositories.lines_removed + excluded.lines_removed`

	params := map[string]any{
		"uuid": newUUID, "contributor_uuid": d.ContributorUUID, "contributor_provider_id": d.ContributorProviderID,
		"repository_uuid": d.RepositoryUUID, "repository_provider_id": d.RepositoryProviderID,
		"commit_count": d.CommitCount, "pull_requests": d.PullRequests, "reviews": d.Reviews,
		"issues_opened": d.IssuesOpened, "first_contribution_date": d.FirstContributionDate,
		"last_contribution_date": d.LastContributionDate, "lines_added": d.LinesAdded,
		"lines_removed": d.LinesRemoved,
	}
	resolved, args, err := sqlx.Named(query, params)
	if err != nil {
		return fmt.Errorf("upsert contributor_repository: bind: %w", err)
	}
	resolved = q.Rebind(resolved)

	if _, err := q.ExecContext(ctx, resolved, args...); err != nil {
		return fmt.Errorf("upsert contributor_repository: %w", err)
	}
	return nil
}
