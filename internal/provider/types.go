package provider

import "time"

// RepositoryDetail is the typed shape of a single-repository detail fetch
// (used by GetRepository, and as the "repository facet" embedded in a
// merged-PR event payload).
type RepositoryDetail struct {
	ProviderID      int64
	FullName        string
	Name            string
	URL             string
	Stars           int64
	Forks           int64
	Watchers        int64
	OpenIssues      int64
	SizeKB          int64
	PrimaryLanguage string
	DefaultBranch   string
	IsFork          bool
	IsArchived      bool
	OwnerProviderID int64
	OwnerLogin      string
	UpdatedAt       time.Time
}

// UserDetail is the typed shape of a single-user detail fetch.
type UserDetail struct {
	ProviderID  int64
	Login       string
	Name        string
	AvatarURL   string
	Bio         string
	Company     string
	Blog        string
	Twitter     string
	Location    string
	Followers   int64
	PublicRepos int64
}

// PullRequestDetail is the "pull_request facet" of a merged-PR event.
type PullRequestDetail struct {
	ProviderID   int64 // PR number
	AuthorLogin  string
	AuthorID     int64
	MergedByID   int64
	State        string
	IsDraft      bool
	Title        string
	Body         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClosedAt     *time.Time
	MergedAt     *time.Time
	Additions    int64
	Deletions    int64
	ChangedFiles int64
	ReviewCount  int64
	CommentCount int64
	BaseBranch   string
	HeadBranch   string
	Labels       []string
}

// CommitDetail is the shape of one commit, whether embedded in a PR's
// commit list or fetched standalone during enrichment.
type CommitDetail struct {
	SHA           string
	AuthorLogin   string
	AuthorID      int64
	Message       string
	CommittedAt   time.Time
	Additions     int64
	Deletions     int64
	FilesChanged  int64
	IsMergeCommit bool
	ParentSHAs    []string
}

// MergedPullRequestEvent is one event returned by
// ListRecentMergedPullRequestEvents: a repository facet and pull_request
// facet, assembled by Sync into a canonical payload alongside the PR's
// commit list.
type MergedPullRequestEvent struct {
	Repository  RepositoryDetail
	PullRequest PullRequestDetail
}
