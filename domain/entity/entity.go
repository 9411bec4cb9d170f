// Package entity holds the relational model the pipeline ingests into:
// repositories, contributors, merge requests, commits, and the staging and
// bookkeeping rows around them. Every entity that the provider can identify
// carries both a stable uuid (the application identifier, joined on
// internally) and the provider's own id (the external natural key), kept in
// lock-step per the dual-identifier rule.
package entity

import "time"

// Repository is a code-hosting repository discovered through pull request
// activity.
type Repository struct {
	UUID               string    `db:"uuid"`
	ProviderID         int64     `db:"provider_id"`
	FullName           string    `db:"full_name"`
	Name               string    `db:"name"`
	URL                string    `db:"url"`
	Stars              int64     `db:"stars"`
	Forks              int64     `db:"forks"`
	Watchers           int64     `db:"watchers"`
	OpenIssues         int64     `db:"open_issues"`
	SizeKB             int64     `db:"size_kb"`
	PrimaryLanguage    string    `db:"primary_language"`
	DefaultBranch      string    `db:"default_branch"`
	IsFork             bool      `db:"is_fork"`
	IsArchived         bool      `db:"is_archived"`
	IsEnriched         bool      `db:"is_enriched"`
	EnrichmentAttempts int       `db:"enrichment_attempts"`
	OwnerUUID          *string   `db:"owner_uuid"`
	OwnerProviderID    *int64    `db:"owner_provider_id"`
	LastUpdated        time.Time `db:"last_updated"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// Contributor is a provider account that authored commits, opened merge
// requests, or otherwise touched a tracked repository.
type Contributor struct {
	UUID                string     `db:"uuid"`
	ProviderID           int64      `db:"provider_id"`
	Username             *string    `db:"username"`
	Name                 string     `db:"name"`
	AvatarURL            string     `db:"avatar_url"`
	Bio                  string     `db:"bio"`
	Company              string     `db:"company"`
	Blog                 string     `db:"blog"`
	Twitter              string     `db:"twitter"`
	Location             string     `db:"location"`
	Followers            int64      `db:"followers"`
	PublicRepos          int64      `db:"public_repos"`
	ImpactScore          float64    `db:"impact_score"`
	RoleClassification   string     `db:"role_classification"`
	TopLanguages         string     `db:"top_languages"` // comma-separated, derived
	Organizations        string     `db:"organizations"` // comma-separated, derived
	FirstContribution    *time.Time `db:"first_contribution"`
	LastContribution     *time.Time `db:"last_contribution"`
	DirectCommits        int64      `db:"direct_commits"`
	PullRequestsMerged   int64      `db:"pull_requests_merged"`
	PullRequestsRejected int64      `db:"pull_requests_rejected"`
	CodeReviews          int64      `db:"code_reviews"`
	IsEnriched           bool       `db:"is_enriched"`
	IsPlaceholder        bool       `db:"is_placeholder"`
	IsBot                bool       `db:"is_bot"`
	EnrichmentAttempts   int        `db:"enrichment_attempts"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}

// MergeRequestState enumerates the lifecycle states of a MergeRequest.
type MergeRequestState string

const (
	MergeRequestOpen   MergeRequestState = "open"
	MergeRequestClosed MergeRequestState = "closed"
	MergeRequestMerged MergeRequestState = "merged"
)

// MergeRequest is a pull request against a tracked repository. The provider
// calls it a pull request; this model names it a merge request.
type MergeRequest struct {
	UUID                 string            `db:"uuid"`
	ProviderID            int64             `db:"provider_id"` // PR number within the repository
	RepositoryUUID        string            `db:"repository_uuid"`
	RepositoryProviderID  int64             `db:"repository_provider_id"`
	AuthorUUID            *string           `db:"author_uuid"`
	AuthorProviderID       *int64            `db:"author_provider_id"`
	MergedByUUID           *string           `db:"merged_by_uuid"`
	MergedByProviderID     *int64            `db:"merged_by_provider_id"`
	State                  MergeRequestState `db:"state"`
	IsDraft                bool              `db:"is_draft"`
	Title                  string            `db:"title"`
	Body                   string            `db:"body"`
	CreatedAt              time.Time         `db:"created_at"`
	UpdatedAt              time.Time         `db:"updated_at"`
	ClosedAt               *time.Time        `db:"closed_at"`
	MergedAt               *time.Time        `db:"merged_at"`
	Commits                int64             `db:"commits"`
	Additions              int64             `db:"additions"`
	Deletions              int64             `db:"deletions"`
	ChangedFiles           int64             `db:"changed_files"`
	ReviewCount            int64             `db:"review_count"`
	CommentCount           int64             `db:"comment_count"`
	ComplexityScore        float64           `db:"complexity_score"`
	ReviewTimeHours        float64           `db:"review_time_hours"`
	CycleTimeHours         float64           `db:"cycle_time_hours"`
	BaseBranch             string            `db:"base_branch"`
	HeadBranch             string            `db:"head_branch"`
	Labels                 string            `db:"labels"` // comma-separated
	IsEnriched             bool              `db:"is_enriched"`
	EnrichmentAttempts     int               `db:"enrichment_attempts"`
}

// Commit is a single commit, optionally associated with the merge request it
// was swept in with.
type Commit struct {
	UUID                   string     `db:"uuid"`
	ProviderID              string     `db:"provider_id"` // SHA; canonical, see DESIGN.md open question (a)
	RepositoryUUID          string     `db:"repository_uuid"`
	RepositoryProviderID    int64      `db:"repository_provider_id"`
	ContributorUUID         *string    `db:"contributor_uuid"`
	ContributorProviderID   *int64     `db:"contributor_provider_id"`
	PullRequestUUID         *string    `db:"pull_request_uuid"`
	PullRequestProviderID   *int64     `db:"pull_request_provider_id"`
	Message                 string     `db:"message"`
	CommittedAt              time.Time  `db:"committed_at"`
	Additions                int64      `db:"additions"`
	Deletions                int64      `db:"deletions"`
	FilesChanged             int64      `db:"files_changed"`
	IsMergeCommit            bool       `db:"is_merge_commit"`
	IsPlaceholderAuthor      bool       `db:"is_placeholder_author"`
	IsEnriched               bool       `db:"is_enriched"`
	EnrichmentAttempts       int        `db:"enrichment_attempts"`
	ParentSHAs               string     `db:"parent_shas"` // comma-separated
}

// ContributorRepository is the junction row tracking one contributor's
// aggregate activity within one repository.
type ContributorRepository struct {
	UUID                   string     `db:"uuid"`
	ContributorUUID         string     `db:"contributor_uuid"`
	ContributorProviderID   int64      `db:"contributor_provider_id"`
	RepositoryUUID          string     `db:"repository_uuid"`
	RepositoryProviderID    int64      `db:"repository_provider_id"`
	CommitCount             int64      `db:"commit_count"`
	PullRequests            int64      `db:"pull_requests"`
	Reviews                 int64      `db:"reviews"`
	IssuesOpened             int64      `db:"issues_opened"`
	FirstContributionDate    time.Time  `db:"first_contribution_date"`
	LastContributionDate     time.Time  `db:"last_contribution_date"`
	LinesAdded                int64      `db:"lines_added"`
	LinesRemoved              int64      `db:"lines_removed"`
}

// RawMergeRequest is the staging record Sync writes and Process drains.
type RawMergeRequest struct {
	ID          int64     `db:"id"`
	Payload     string    `db:"payload"`
	IsProcessed bool      `db:"is_processed"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// PipelineType enumerates the valid control-plane pipeline identifiers.
type PipelineType string

const (
	PipelineGithubSync      PipelineType = "github_sync"
	PipelineDataProcessing  PipelineType = "data_processing"
	PipelineDataEnrichment  PipelineType = "data_enrichment"
	PipelineAIAnalysis      PipelineType = "ai_analysis"
	PipelineSitemapGen      PipelineType = "sitemap_generation"
)

// ValidPipelineTypes lists every type the control plane accepts.
var ValidPipelineTypes = []PipelineType{
	PipelineGithubSync, PipelineDataProcessing, PipelineDataEnrichment,
	PipelineAIAnalysis, PipelineSitemapGen,
}

// IsValid reports whether t is a recognized pipeline type.
func (t PipelineType) IsValid() bool {
	for _, v := range ValidPipelineTypes {
		if v == t {
			return true
		}
	}
	return false
}

// PipelineSchedule is a per-type cron schedule.
type PipelineSchedule struct {
	ID         int64        `db:"id"`
	Type       PipelineType `db:"pipeline_type"`
	Expression string       `db:"cron_expression"`
	Timezone   string       `db:"timezone"`
	IsActive   bool         `db:"is_active"`
	Params     string       `db:"params"` // opaque JSON parameter map
	NextRunAt  *time.Time   `db:"next_run_at"`
	LastRunAt  *time.Time   `db:"last_run_at"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}

// PipelineStatus is the exactly-one-row-per-type running indicator.
type PipelineStatus struct {
	Type      PipelineType `db:"pipeline_type"`
	IsRunning bool         `db:"is_running"`
	Status    string       `db:"status"`
	LastRun   *time.Time   `db:"last_run"`
}

// HistoryStatus enumerates the PipelineHistory lifecycle.
type HistoryStatus string

const (
	HistoryRunning   HistoryStatus = "running"
	HistoryCompleted HistoryStatus = "completed"
	HistoryFailed    HistoryStatus = "failed"
	HistoryStopped   HistoryStatus = "stopped"
)

// TriggerKind distinguishes a scheduled tick from an on-demand request.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerDirect    TriggerKind = "direct"
)

// PipelineHistory is one append-only run record.
type PipelineHistory struct {
	ID             int64         `db:"id"`
	Type           PipelineType  `db:"pipeline_type"`
	Trigger        TriggerKind   `db:"trigger_kind"`
	Status         HistoryStatus `db:"status"`
	StartedAt      time.Time     `db:"started_at"`
	CompletedAt    *time.Time    `db:"completed_at"`
	ItemsProcessed int64         `db:"items_processed"`
	ErrorMessage   string        `db:"error_message"`
}

// ContributorRanking is one row of a ranking snapshot.
type ContributorRanking struct {
	ID                    int64     `db:"id"`
	ContributorUUID        string    `db:"contributor_uuid"`
	ContributorProviderID  int64     `db:"contributor_provider_id"`
	RankPosition           int64     `db:"rank_position"`
	TotalScore             float64   `db:"total_score"`
	VolumeScore            float64   `db:"volume_score"`
	EfficiencyScore        float64   `db:"efficiency_score"`
	ImpactScore            float64   `db:"impact_score"`
	InfluenceScore         float64   `db:"influence_score"`
	PopularityScore        float64   `db:"popularity_score"`
	FollowersScore         float64   `db:"followers_score"`
	CompletenessScore      float64   `db:"completeness_score"`
	CollaborationScore     float64   `db:"collaboration_score"`
	RawLinesAdded          int64     `db:"raw_lines_added"`
	RawLinesRemoved        int64     `db:"raw_lines_removed"`
	RawCommits             int64     `db:"raw_commits"`
	RepositoriesContributed int64    `db:"repositories_contributed"`
	CalculationTimestamp   time.Time `db:"calculation_timestamp"`
}

// ProviderCacheEntry is a persisted conditional-request cache row keyed by
// logical endpoint, surviving process restarts.
type ProviderCacheEntry struct {
	EndpointKey string    `db:"endpoint_key"`
	ETag        string    `db:"etag"`
	Body        string    `db:"body"`
	FetchedAt   time.Time `db:"fetched_at"`
}
