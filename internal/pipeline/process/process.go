// Package process implements the Process stage (C6): drains RawMergeRequest
// rows into the canonical entity tables, one transaction per row so a
// single malformed payload cannot poison its siblings (§4.6).
package process

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/provider"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

type payload struct {
	Repository  provider.RepositoryDetail  `json:"repository"`
	PullRequest provider.PullRequestDetail `json:"pull_request"`
	Commits     []provider.CommitDetail    `json:"commits"`
}

// sentinel author logins that denote a placeholder rather than a real
// identity, per §4.6 step c and §9's nullable-username design note.
var placeholderLogins = map[string]bool{"unknown": true, "placeholder": true}

func isPlaceholderLogin(login string) bool {
	if placeholderLogins[login] {
		return true
	}
	return strings.HasPrefix(login, "placeholder-")
}

// Stage implements scheduler.Stage for data_processing.
type Stage struct {
	store     *store.Store
	jobs      *jobstore.JobStore
	log       *logrus.Entry
	batchSize int
}

func New(st *store.Store, jobs *jobstore.JobStore, batchSize int, log *logrus.Entry) *Stage {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if batchSize <= 0 || batchSize > 1000 {
		batchSize = 100
	}
	return &Stage{store: st, jobs: jobs, log: log.WithField("component", "process"), batchSize: batchSize}
}

// Run drains up to batchSize unprocessed raw rows (or the whole backlog
// repeatedly, one batch at a time, when processAll is set) into the
// canonical entity tables.
func (s *Stage) Run(ctx context.Context, historyID int64, _ entity.TriggerKind, processAll bool) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, nil
		}

		rows, err := s.store.SelectUnprocessedRaw(ctx, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("select unprocessed raw: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for i, row := range rows {
			if ctx.Err() != nil {
				return total, nil
			}
			if err := s.processOne(ctx, row); err != nil {
				s.log.WithError(err).WithField("raw_id", row.ID).Warn("process raw merge request")
			}
			total++
			if (i+1)%10 == 0 {
				if err := s.jobs.RecordProgress(ctx, historyID, total); err != nil {
					s.log.WithError(err).Warn("record progress")
				}
			}
		}

		if err := s.jobs.RecordProgress(ctx, historyID, total); err != nil {
			s.log.WithError(err).Warn("record progress")
		}
		if !processAll {
			return total, nil
		}
	}
}

// processOne parses and extracts one raw row inside a single transaction,
// marking it processed only on success — the transactional boundary of
// §4.6 step 2. A parse failure still marks the row processed (with a
// tracked failure) rather than blocking it from selection forever.
func (s *Stage) processOne(ctx context.Context, raw entity.RawMergeRequest) error {
	var p payload
	if err := json.Unmarshal([]byte(raw.Payload), &p); err != nil {
		return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			return s.store.MarkRawProcessed(ctx, tx, []int64{raw.ID})
		})
	}

	return s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		repoUUID, err := s.store.UpsertRepository(ctx, tx, repositoryFromDetail(p.Repository))
		if err != nil {
			return fmt.Errorf("upsert repository: %w", err)
		}

		var authorUUID *string
		var authorProviderID *int64
		if p.PullRequest.AuthorID != 0 {
			contributor := contributorFromAuthor(p.PullRequest.AuthorLogin, p.PullRequest.AuthorID)
			uuid, err := s.store.UpsertContributor(ctx, tx, contributor)
			if err != nil {
				return fmt.Errorf("upsert contributor: %w", err)
			}
			authorUUID, authorProviderID = &uuid, &p.PullRequest.AuthorID
		}

		var mergedByUUID *string
		var mergedByProviderID *int64
		if p.PullRequest.MergedByID != 0 {
			contributor := contributorFromAuthor("", p.PullRequest.MergedByID)
			uuid, err := s.store.UpsertContributor(ctx, tx, contributor)
			if err != nil {
				return fmt.Errorf("upsert merged-by contributor: %w", err)
			}
			mergedByUUID, mergedByProviderID = &uuid, &p.PullRequest.MergedByID
		}

		mr := mergeRequestFromDetail(p, repoUUID, authorUUID, authorProviderID, mergedByUUID, mergedByProviderID)
		mrUUID, err := s.store.UpsertMergeRequest(ctx, tx, mr)
		if err != nil {
			return fmt.Errorf("upsert merge request: %w", err)
		}

		var linesAdded, linesRemoved, commitCount int64
		for _, c := range p.Commits {
			commitEntity := commitFromDetail(c, repoUUID, p.Repository.ProviderID, mrUUID, p.PullRequest.ProviderID)
			if _, err := s.store.UpsertCommit(ctx, tx, commitEntity); err != nil {
				s.log.WithError(err).WithField("sha", c.SHA).Warn("upsert commit")
				continue
			}
			linesAdded += c.Additions
			linesRemoved += c.Deletions
			commitCount++
		}

		if authorUUID != nil {
			delta := &entity.ContributorRepository{
				ContributorUUID:       *authorUUID,
				ContributorProviderID: *authorProviderID,
				RepositoryUUID:        repoUUID,
				RepositoryProviderID:  p.Repository.ProviderID,
				PullRequests:          1,
				CommitCount:           commitCount,
				LinesAdded:            linesAdded,
				LinesRemoved:          linesRemoved,
				FirstContributionDate: p.PullRequest.CreatedAt,
				LastContributionDate:  p.PullRequest.CreatedAt,
			}
			if err := s.store.UpsertContributorRepository(ctx, tx, delta); err != nil {
				return fmt.Errorf("upsert contributor repository: %w", err)
			}
		}

		return s.store.MarkRawProcessed(ctx, tx, []int64{raw.ID})
	})
}

func repositoryFromDetail(d provider.RepositoryDetail) *entity.Repository {
	now := time.Now().UTC()
	var ownerProviderID *int64
	if d.OwnerProviderID != 0 {
		ownerProviderID = &d.OwnerProviderID
	}
	return &entity.Repository{
		ProviderID:      d.ProviderID,
		FullName:        d.FullName,
		Name:            d.Name,
		URL:             d.URL,
		Stars:           d.Stars,
		Forks:           d.Forks,
		Watchers:        d.Watchers,
		OpenIssues:      d.OpenIssues,
		SizeKB:          d.SizeKB,
		PrimaryLanguage: d.PrimaryLanguage,
		DefaultBranch:   d.DefaultBranch,
		IsFork:          d.IsFork,
		IsArchived:      d.IsArchived,
		OwnerProviderID: ownerProviderID,
		LastUpdated:     d.UpdatedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func contributorFromAuthor(login string, providerID int64) *entity.Contributor {
	now := time.Now().UTC()
	isPlaceholder := isPlaceholderLogin(login)
	var username *string
	if login != "" && !isPlaceholder {
		username = &login
	}
	return &entity.Contributor{
		ProviderID:    providerID,
		Username:      username,
		IsPlaceholder: isPlaceholder,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func mergeRequestFromDetail(p payload, repoUUID string, authorUUID *string, authorProviderID *int64, mergedByUUID *string, mergedByProviderID *int64) *entity.MergeRequest {
	state := entity.MergeRequestState(p.PullRequest.State)
	if p.PullRequest.MergedAt != nil {
		state = entity.MergeRequestMerged
	}
	return &entity.MergeRequest{
		ProviderID:           p.PullRequest.ProviderID,
		RepositoryUUID:       repoUUID,
		RepositoryProviderID: p.Repository.ProviderID,
		AuthorUUID:           authorUUID,
		AuthorProviderID:     authorProviderID,
		MergedByUUID:         mergedByUUID,
		MergedByProviderID:   mergedByProviderID,
		State:                state,
		IsDraft:              p.PullRequest.IsDraft,
		Title:                p.PullRequest.Title,
		Body:                 p.PullRequest.Body,
		CreatedAt:            p.PullRequest.CreatedAt,
		UpdatedAt:            p.PullRequest.UpdatedAt,
		ClosedAt:             p.PullRequest.ClosedAt,
		MergedAt:             p.PullRequest.MergedAt,
		Commits:              int64(len(p.Commits)),
		Additions:            p.PullRequest.Additions,
		Deletions:            p.PullRequest.Deletions,
		ChangedFiles:         p.PullRequest.ChangedFiles,
		ReviewCount:          p.PullRequest.ReviewCount,
		CommentCount:         p.PullRequest.CommentCount,
		BaseBranch:           p.PullRequest.BaseBranch,
		HeadBranch:           p.PullRequest.HeadBranch,
		Labels:               strings.Join(p.PullRequest.Labels, ","),
	}
}

func commitFromDetail(d provider.CommitDetail, repoUUID string, repoProviderID int64, mrUUID string, prNumber int64) *entity.Commit {
	isPlaceholder := d.AuthorID == 0
	var contributorUUID *string
	var contributorProviderID *int64
	if !isPlaceholder {
		contributorProviderID = &d.AuthorID
	}
	return &entity.Commit{
		ProviderID:            d.SHA,
		RepositoryUUID:        repoUUID,
		RepositoryProviderID:  repoProviderID,
		ContributorUUID:       contributorUUID,
		ContributorProviderID: contributorProviderID,
		PullRequestUUID:       &mrUUID,
		PullRequestProviderID: &prNumber,
		Message:               d.Message,
		CommittedAt:           d.CommittedAt,
		Additions:             d.Additions,
		Deletions:             d.Deletions,
		FilesChanged:          d.FilesChanged,
		IsMergeCommit:         d.IsMergeCommit,
		IsPlaceholderAuthor:   isPlaceholder,
		ParentSHAs:            strings.Join(d.ParentSHAs, ","),
	}
}
