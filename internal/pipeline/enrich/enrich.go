// Package enrich implements the Enrich stage (C7): four sequential
// sub-phases (Repository, Contributor, MergeRequest, Commit) that select
// unenriched rows and fill in provider detail, advancing
// enrichment_attempts and is_enriched per invariant I3.
package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/metrics"
	"github.com/r3e-network/contributor-pipeline/internal/provider"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

// Stage implements scheduler.Stage for data_enrichment.
type Stage struct {
	store       *store.Store
	jobs        *jobstore.JobStore
	provider    *provider.Client
	metrics     *metrics.Metrics
	log         *logrus.Entry
	maxAttempts int
}

func New(st *store.Store, jobs *jobstore.JobStore, prov *provider.Client, maxAttempts int, m *metrics.Metrics, log *logrus.Entry) *Stage {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Stage{store: st, jobs: jobs, provider: prov, metrics: m, maxAttempts: maxAttempts, log: log.WithField("component", "enrich")}
}

// Run executes all four sub-phases in sequence, summing the total entities
// touched. processAll expands the per-phase batch size and, on a rate-limit
// hit, makes the phase await reset and retry instead of exiting early.
func (s *Stage) Run(ctx context.Context, historyID int64, _ entity.TriggerKind, processAll bool) (int64, error) {
	if n, err := s.store.MarkContributorsWithoutProviderIDEnriched(ctx); err != nil {
		s.log.WithError(err).Warn("mark unresolvable contributors")
	} else if n > 0 {
		s.log.WithField("count", n).Info("marked placeholder contributors enriched without a fetch")
	}

	limit := 5
	if processAll {
		limit = 25
	}
	ctx = provider.WithWaitOnRateLimit(ctx, processAll)

	var total int64
	phases := []func(context.Context, int) (int64, error){
		s.enrichRepositories, s.enrichContributors, s.enrichMergeRequests, s.enrichCommits,
	}
	for _, phase := range phases {
		if ctx.Err() != nil {
			break
		}
		n, err := s.runPhase(ctx, phase, limit, processAll)
		total += n
		if err != nil {
			s.log.WithError(err).Warn("enrichment sub-phase error")
		}
		if err := s.jobs.RecordProgress(ctx, historyID, total); err != nil {
			s.log.WithError(err).Warn("record progress")
		}
	}
	return total, nil
}

// runPhase repeats one sub-phase's batch until it reports zero touched (the
// backlog for that entity kind is drained) when processAll is set, or runs
// it once otherwise.
func (s *Stage) runPhase(ctx context.Context, phase func(context.Context, int) (int64, error), limit int, processAll bool) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, nil
		}
		n, err := phase(ctx, limit)
		total += n
		if err != nil || n == 0 || !processAll {
			return total, err
		}
	}
}

func (s *Stage) enrichRepositories(ctx context.Context, limit int) (int64, error) {
	uuids, err := s.store.SelectUnenrichedUUIDs(ctx, store.TableRepositories, limit, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("select unenriched repositories: %w", err)
	}
	var touched int64
	for _, id := range uuids {
		if ctx.Err() != nil {
			break
		}
		if err := s.enrichOneRepository(ctx, id); err != nil {
			s.log.WithError(err).WithField("uuid", id).Warn("enrich repository")
			continue
		}
		touched++
	}
	return touched, nil
}

func (s *Stage) enrichOneRepository(ctx context.Context, id string) error {
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		return err
	}
	parts := strings.SplitN(repo.FullName, "/", 2)
	if len(parts) != 2 {
		return s.store.MarkEnrichedWithoutAttempt(ctx, store.TableRepositories, id)
	}

	detail, err := s.provider.GetRepository(ctx, parts[0], parts[1])
	if err != nil {
		s.recordAttempt(store.TableRepositories, err)
		return s.handleFetchError(ctx, store.TableRepositories, id, err)
	}

	var ownerUUID *string
	var ownerProviderID *int64
	if detail.OwnerProviderID != 0 {
		uuid, uerr := s.store.UpsertContributor(ctx, s.store.DB(), &entity.Contributor{
			ProviderID: detail.OwnerProviderID,
			Username:   strPtr(detail.OwnerLogin),
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		})
		if uerr == nil {
			ownerUUID, ownerProviderID = &uuid, &detail.OwnerProviderID
		}
	}

	repo.Stars, repo.Forks, repo.Watchers, repo.OpenIssues = detail.Stars, detail.Forks, detail.Watchers, detail.OpenIssues
	repo.SizeKB, repo.PrimaryLanguage, repo.DefaultBranch = detail.SizeKB, detail.PrimaryLanguage, detail.DefaultBranch
	repo.IsArchived, repo.LastUpdated = detail.IsArchived, detail.UpdatedAt
	repo.OwnerUUID, repo.OwnerProviderID = ownerUUID, ownerProviderID

	err = s.store.UpdateRepositoryEnrichment(ctx, repo)
	s.recordAttempt(store.TableRepositories, err)
	return err
}

func (s *Stage) enrichContributors(ctx context.Context, limit int) (int64, error) {
	uuids, err := s.store.SelectUnenrichedUUIDs(ctx, store.TableContributors, limit, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("select unenriched contributors: %w", err)
	}
	var touched int64
	for _, id := range uuids {
		if ctx.Err() != nil {
			break
		}
		if err := s.enrichOneContributor(ctx, id); err != nil {
			s.log.WithError(err).WithField("uuid", id).Warn("enrich contributor")
			continue
		}
		touched++
	}
	return touched, nil
}

// enrichOneContributor always fetches by provider_id, never by username,
// per §4.7's requirement: usernames may be renamed, provider_id is stable.
func (s *Stage) enrichOneContributor(ctx context.Context, id string) error {
	c, err := s.store.GetContributor(ctx, id)
	if err != nil {
		return err
	}

	detail, err := s.provider.GetUser(ctx, c.ProviderID)
	if err != nil {
		s.recordAttempt(store.TableContributors, err)
		return s.handleFetchError(ctx, store.TableContributors, id, err)
	}

	c.Username = strPtr(detail.Login)
	c.Name, c.AvatarURL, c.Bio = detail.Name, detail.AvatarURL, detail.Bio
	c.Company, c.Blog, c.Twitter, c.Location = detail.Company, detail.Blog, detail.Twitter, detail.Location
	c.Followers, c.PublicRepos = detail.Followers, detail.PublicRepos
	c.IsBot = strings.HasSuffix(detail.Login, "[bot]")

	err = s.store.UpdateContributorEnrichment(ctx, c)
	s.recordAttempt(store.TableContributors, err)
	return err
}

func (s *Stage) enrichMergeRequests(ctx context.Context, limit int) (int64, error) {
	uuids, err := s.store.SelectUnenrichedUUIDs(ctx, store.TableMergeRequests, limit, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("select unenriched merge requests: %w", err)
	}
	var touched int64
	for _, id := range uuids {
		if ctx.Err() != nil {
			break
		}
		if err := s.enrichOneMergeRequest(ctx, id); err != nil {
			s.log.WithError(err).WithField("uuid", id).Warn("enrich merge request")
			continue
		}
		touched++
	}
	return touched, nil
}

func (s *Stage) enrichOneMergeRequest(ctx context.Context, id string) error {
	mr, err := s.store.GetMergeRequest(ctx, id)
	if err != nil {
		return err
	}
	repo, err := s.store.GetRepository(ctx, mr.RepositoryUUID)
	if err != nil {
		return err
	}
	parts := strings.SplitN(repo.FullName, "/", 2)
	if len(parts) != 2 {
		return s.store.MarkEnrichedWithoutAttempt(ctx, store.TableMergeRequests, id)
	}

	commits, err := s.provider.ListPullRequestCommits(ctx, parts[0], parts[1], mr.ProviderID)
	if err != nil {
		s.recordAttempt(store.TableMergeRequests, err)
		return s.handleFetchError(ctx, store.TableMergeRequests, id, err)
	}

	mr.ReviewCount = int64(len(commits)) // proxy signal until a dedicated review endpoint is wired
	mr.ComplexityScore = complexityScore(mr.Additions, mr.Deletions, mr.ChangedFiles)
	if mr.MergedAt != nil {
		mr.CycleTimeHours = mr.MergedAt.Sub(mr.CreatedAt).Hours()
	}

	err = s.store.UpdateMergeRequestEnrichment(ctx, mr)
	s.recordAttempt(store.TableMergeRequests, err)
	return err
}

func (s *Stage) enrichCommits(ctx context.Context, limit int) (int64, error) {
	uuids, err := s.store.SelectUnenrichedUUIDs(ctx, store.TableCommits, limit, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("select unenriched commits: %w", err)
	}
	var touched int64
	for _, id := range uuids {
		if ctx.Err() != nil {
			break
		}
		if err := s.enrichOneCommit(ctx, id); err != nil {
			s.log.WithError(err).WithField("uuid", id).Warn("enrich commit")
			continue
		}
		touched++
	}
	return touched, nil
}

func (s *Stage) enrichOneCommit(ctx context.Context, id string) error {
	c, err := s.store.GetCommit(ctx, id)
	if err != nil {
		return err
	}
	repo, err := s.store.GetRepository(ctx, c.RepositoryUUID)
	if err != nil {
		return err
	}
	parts := strings.SplitN(repo.FullName, "/", 2)
	if len(parts) != 2 {
		return s.store.MarkEnrichedWithoutAttempt(ctx, store.TableCommits, id)
	}

	detail, err := s.provider.GetCommit(ctx, parts[0], parts[1], c.ProviderID)
	if err != nil {
		s.recordAttempt(store.TableCommits, err)
		return s.handleFetchError(ctx, store.TableCommits, id, err)
	}

	c.Additions, c.Deletions, c.FilesChanged = detail.Additions, detail.Deletions, detail.FilesChanged
	c.IsMergeCommit = detail.IsMergeCommit
	c.ParentSHAs = strings.Join(detail.ParentSHAs, ",")

	err = s.store.UpdateCommitEnrichment(ctx, c)
	s.recordAttempt(store.TableCommits, err)
	return err
}

// handleFetchError applies the shared §4.7 policy: not-found permanently
// closes the row without counting as a retry attempt; rate-limit is
// returned without counting an attempt, and the sub-phase logs it and moves
// on to its next row (with processAll the ProviderClient instead waits for
// the quota reset before sending); any other error counts an attempt and
// leaves is_enriched false.
func (s *Stage) handleFetchError(ctx context.Context, table store.EnrichableTable, id string, err error) error {
	if err == provider.ErrNotFound {
		return s.store.MarkEnrichedWithoutAttempt(ctx, table, id)
	}
	if _, ok := provider.IsRateLimited(err); ok {
		return err
	}
	if markErr := s.store.MarkEnrichmentAttempt(ctx, table, id, false); markErr != nil {
		return markErr
	}
	return err
}

// recordAttempt classifies one enrichment fetch/update attempt into the
// outcome labels of EnrichmentAttempts, a no-op when no Metrics was supplied.
func (s *Stage) recordAttempt(table store.EnrichableTable, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
		outcome = "success"
	case err == provider.ErrNotFound:
		outcome = "not_found"
	default:
		if _, ok := provider.IsRateLimited(err); ok {
			outcome = "rate_limited"
		} else {
			outcome = "failure"
		}
	}
	s.metrics.EnrichmentAttempts.WithLabelValues(string(table), outcome).Inc()
}

func complexityScore(additions, deletions, changedFiles int64) float64 {
	score := float64(additions+deletions)/10 + float64(changedFiles)*2
	if score > 100 {
		return 100
	}
	return score
}

func strPtr(s string) *string { return &s }
