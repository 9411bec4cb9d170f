package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// GetRepository fetches one repository by owner/name, using the
// conditional-cache path keyed on the canonical endpoint.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (RepositoryDetail, error) {
	path := fmt.Sprintf("/repos/%s/%s", owner, name)
	raw, err := c.doRequest(ctx, "GET", path, path, "get_repository")
	if err != nil {
		return RepositoryDetail{}, err
	}
	return parseRepositoryDetail(raw), nil
}

// GetUser fetches one user/organization profile by provider id.
func (c *Client) GetUser(ctx context.Context, providerID int64) (UserDetail, error) {
	path := fmt.Sprintf("/user/%d", providerID)
	raw, err := c.doRequest(ctx, "GET", path, path, "get_user")
	if err != nil {
		return UserDetail{}, err
	}
	return parseUserDetail(raw), nil
}

// ListRecentMergedPullRequestEvents fetches the activity feed of recently
// merged pull requests across watched repositories (§4.2, §4.5). The feed
// is not cached: it is a moving window, so a conditional GET would starve
// on its own ETag the instant anything new merges.
func (c *Client) ListRecentMergedPullRequestEvents(ctx context.Context, sinceCursor string) ([]MergedPullRequestEvent, string, error) {
	path := "/events/merged-pull-requests"
	if sinceCursor != "" {
		path += "?since=" + sinceCursor
	}
	raw, err := c.doRequest(ctx, "GET", path, "", "list_merged_pull_requests")
	if err != nil {
		return nil, sinceCursor, err
	}

	var events []MergedPullRequestEvent
	nextCursor := sinceCursor
	gjson.GetBytes(raw, "items").ForEach(func(_, item gjson.Result) bool {
		events = append(events, parseMergedPullRequestEvent(item))
		if cursor := item.Get("cursor").String(); cursor != "" {
			nextCursor = cursor
		}
		return true
	})
	return events, nextCursor, nil
}

// ListPullRequestCommits fetches the commit list for one pull request, used
// by Sync and by the enrichment pass's merge-request sub-phase.
func (c *Client) ListPullRequestCommits(ctx context.Context, owner, name string, prNumber int64) ([]CommitDetail, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits", owner, name, prNumber)
	raw, err := c.doRequest(ctx, "GET", path, path, "list_pull_request_commits")
	if err != nil {
		return nil, err
	}
	var commits []CommitDetail
	gjson.ParseBytes(raw).ForEach(func(_, item gjson.Result) bool {
		commits = append(commits, parseCommitDetail(item))
		return true
	})
	return commits, nil
}

// GetCommit fetches one commit by SHA, used by the enrichment pass's commit
// sub-phase for every commit not yet enriched.
func (c *Client) GetCommit(ctx context.Context, owner, name, sha string) (CommitDetail, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s", owner, name, sha)
	raw, err := c.doRequest(ctx, "GET", path, path, "get_commit")
	if err != nil {
		return CommitDetail{}, err
	}
	return parseCommitDetail(gjson.ParseBytes(raw)), nil
}

func parseRepositoryDetail(raw []byte) RepositoryDetail {
	j := gjson.ParseBytes(raw)
	return RepositoryDetail{
		ProviderID:      j.Get("id").Int(),
		FullName:        j.Get("full_name").String(),
		Name:            j.Get("name").String(),
		URL:             j.Get("html_url").String(),
		Stars:           j.Get("stargazers_count").Int(),
		Forks:           j.Get("forks_count").Int(),
		Watchers:        j.Get("watchers_count").Int(),
		OpenIssues:      j.Get("open_issues_count").Int(),
		SizeKB:          j.Get("size").Int(),
		PrimaryLanguage: j.Get("language").String(),
		DefaultBranch:   j.Get("default_branch").String(),
		IsFork:          j.Get("fork").Bool(),
		IsArchived:      j.Get("archived").Bool(),
		OwnerProviderID: j.Get("owner.id").Int(),
		OwnerLogin:      j.Get("owner.login").String(),
		UpdatedAt:       parseTime(j.Get("updated_at").String()),
	}
}

func parseUserDetail(raw []byte) UserDetail {
	j := gjson.ParseBytes(raw)
	return UserDetail{
		ProviderID:  j.Get("id").Int(),
		Login:       j.Get("login").String(),
		Name:        j.Get("name").String(),
		AvatarURL:   j.Get("avatar_url").String(),
		Bio:         j.Get("bio").String(),
		Company:     j.Get("company").String(),
		Blog:        j.Get("blog").String(),
		Twitter:     j.Get("twitter_username").String(),
		Location:    j.Get("location").String(),
		Followers:   j.Get("followers").Int(),
		PublicRepos: j.Get("public_repos").Int(),
	}
}

func parseMergedPullRequestEvent(j gjson.Result) MergedPullRequestEvent {
	repo := j.Get("repository")
	pr := j.Get("pull_request")

	var labels []string
	pr.Get("labels").ForEach(func(_, l gjson.Result) bool {
		labels = append(labels, l.Get("name").String())
		return true
	})

	var closedAt, mergedAt *time.Time
	if t := pr.Get("closed_at").String(); t != "" {
		v := parseTime(t)
		closedAt = &v
	}
	if t := pr.Get("merged_at").String(); t != "" {
		v := parseTime(t)
		mergedAt = &v
	}

	return MergedPullRequestEvent{
		Repository: RepositoryDetail{
			ProviderID:      repo.Get("id").Int(),
			FullName:        repo.Get("full_name").String(),
			Name:            repo.Get("name").String(),
			URL:             repo.Get("html_url").String(),
			Stars:           repo.Get("stargazers_count").Int(),
			Forks:           repo.Get("forks_count").Int(),
			Watchers:        repo.Get("watchers_count").Int(),
			OpenIssues:      repo.Get("open_issues_count").Int(),
			SizeKB:          repo.Get("size").Int(),
			PrimaryLanguage: repo.Get("language").String(),
			DefaultBranch:   repo.Get("default_branch").String(),
			IsFork:          repo.Get("fork").Bool(),
			IsArchived:      repo.Get("archived").Bool(),
			OwnerProviderID: repo.Get("owner.id").Int(),
			OwnerLogin:      repo.Get("owner.login").String(),
			UpdatedAt:       parseTime(repo.Get("updated_at").String()),
		},
		PullRequest: PullRequestDetail{
			ProviderID:   pr.Get("number").Int(),
			AuthorLogin:  pr.Get("user.login").String(),
			AuthorID:     pr.Get("user.id").Int(),
			MergedByID:   pr.Get("merged_by.id").Int(),
			State:        pr.Get("state").String(),
			IsDraft:      pr.Get("draft").Bool(),
			Title:        pr.Get("title").String(),
			Body:         pr.Get("body").String(),
			CreatedAt:    parseTime(pr.Get("created_at").String()),
			UpdatedAt:    parseTime(pr.Get("updated_at").String()),
			ClosedAt:     closedAt,
			MergedAt:     mergedAt,
			Additions:    pr.Get("additions").Int(),
			Deletions:    pr.Get("deletions").Int(),
			ChangedFiles: pr.Get("changed_files").Int(),
			ReviewCount:  pr.Get("review_comments").Int(),
			CommentCount: pr.Get("comments").Int(),
			BaseBranch:   pr.Get("base.ref").String(),
			HeadBranch:   pr.Get("head.ref").String(),
			Labels:       labels,
		},
	}
}

func parseCommitDetail(j gjson.Result) CommitDetail {
	var parents []string
	j.Get("parents").ForEach(func(_, p gjson.Result) bool {
		parents = append(parents, p.Get("sha").String())
		return true
	})
	return CommitDetail{
		SHA:           j.Get("sha").String(),
		AuthorLogin:   j.Get("author.login").String(),
		AuthorID:      j.Get("author.id").Int(),
		Message:       j.Get("commit.message").String(),
		CommittedAt:   parseTime(j.Get("commit.committer.date").String()),
		Additions:     j.Get("stats.additions").Int(),
		Deletions:     j.Get("stats.deletions").Int(),
		FilesChanged:  int64(len(j.Get("files").Array())),
		IsMergeCommit: len(parents) > 1,
		ParentSHAs:    parents,
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0)
	}
	return time.Time{}
}
