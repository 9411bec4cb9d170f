// Package sync implements the Sync stage (C5): pull recently merged pull
// requests from the provider, assemble a canonical per-PR payload including
// commit detail, and stage it in RawMergeRequest for Process to drain.
//
// Grounded on the teacher's services/indexer.Syncer batched fetch-then-
// persist loop, generalized from block-range polling to a provider cursor.
package sync

import (
	"encoding/json"
	"fmt"

	"context"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/provider"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

// payload is the canonical shape persisted into RawMergeRequest.payload;
// Process parses exactly this structure back out.
type payload struct {
	Repository  provider.RepositoryDetail  `json:"repository"`
	PullRequest provider.PullRequestDetail `json:"pull_request"`
	Commits     []provider.CommitDetail    `json:"commits"`
}

// Stage implements scheduler.Stage for github_sync.
type Stage struct {
	store    *store.Store
	jobs     *jobstore.JobStore
	provider *provider.Client
	log      *logrus.Entry
}

func New(st *store.Store, jobs *jobstore.JobStore, prov *provider.Client, log *logrus.Entry) *Stage {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stage{store: st, jobs: jobs, provider: prov, log: log.WithField("component", "sync")}
}

// Run pulls the merged-PR event feed and stages each event's payload. It
// continues past per-PR failures (missing facets, commit-fetch errors) and
// only stops early on a rate-limit hit or cancellation, per §4.5.
func (s *Stage) Run(ctx context.Context, historyID int64, trigger entity.TriggerKind, _ bool) (int64, error) {
	cursor, err := s.loadCursor(ctx)
	if err != nil {
		s.log.WithError(err).Warn("load sync cursor, starting from empty")
	}

	events, nextCursor, err := s.provider.ListRecentMergedPullRequestEvents(ctx, cursor)
	if err != nil {
		if rl, ok := provider.IsRateLimited(err); ok {
			s.log.WithField("reset_at", rl.ResetAt).Info("rate limited fetching event feed, exiting with empty batch")
			return 0, nil
		}
		return 0, fmt.Errorf("list merged pull request events: %w", err)
	}

	var processed int64
	for i, event := range events {
		if ctx.Err() != nil {
			break
		}

		commits, err := s.provider.ListPullRequestCommits(ctx, event.Repository.OwnerLogin, event.Repository.Name, event.PullRequest.ProviderID)
		if err != nil {
			if rl, ok := provider.IsRateLimited(err); ok {
				s.log.WithField("reset_at", rl.ResetAt).Info("rate limited fetching commits, flushing progress")
				break
			}
			s.log.WithError(err).WithField("pr", event.PullRequest.ProviderID).Warn("fetch pull request commits, storing payload without them")
			commits = nil
		}

		p := payload{Repository: event.Repository, PullRequest: event.PullRequest, Commits: commits}
		raw, err := json.Marshal(p)
		if err != nil {
			s.log.WithError(err).WithField("pr", event.PullRequest.ProviderID).Error("marshal payload, skipping event")
			continue
		}

		if err := s.store.UpsertRawMergeRequest(ctx, event.PullRequest.ProviderID, string(raw)); err != nil {
			s.log.WithError(err).WithField("pr", event.PullRequest.ProviderID).Error("stage raw merge request")
			continue
		}
		processed++

		if (i+1)%10 == 0 {
			if err := s.jobs.RecordProgress(ctx, historyID, processed); err != nil {
				s.log.WithError(err).Warn("record progress")
			}
		}
	}

	if err := s.jobs.RecordProgress(ctx, historyID, processed); err != nil {
		s.log.WithError(err).Warn("record final progress")
	}
	if err := s.saveCursor(ctx, nextCursor); err != nil {
		s.log.WithError(err).Warn("save sync cursor")
	}

	return processed, nil
}

// loadCursor and saveCursor persist the event feed's opaque pagination
// cursor in the provider cache table under a fixed key, so Sync resumes
// where it left off across process restarts rather than re-walking the
// whole recent-activity window every run.
func (s *Stage) loadCursor(ctx context.Context) (string, error) {
	entry, err := s.store.GetProviderCache(ctx, "sync:cursor")
	if err != nil {
		return "", err
	}
	return entry.Body, nil
}

func (s *Stage) saveCursor(ctx context.Context, cursor string) error {
	if cursor == "" {
		return nil
	}
	return s.store.PutProviderCache(ctx, "sync:cursor", "", cursor)
}
