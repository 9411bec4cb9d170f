package process

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/provider"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

func newTestStage(t *testing.T) (*Stage, *store.Store, *jobstore.JobStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	jobs := jobstore.New(st.DB())
	return New(st, jobs, 10, nil), st, jobs
}

func samplePayload() payload {
	now := time.Now().UTC()
	return payload{
		Repository: provider.RepositoryDetail{
			ProviderID: 1, FullName: "acme/widgets", Name: "widgets",
		},
		PullRequest: provider.PullRequestDetail{
			ProviderID: 10, AuthorLogin: "alice", AuthorID: 55,
			State: "closed", CreatedAt: now, UpdatedAt: now, MergedAt: &now,
		},
		Commits: []provider.CommitDetail{
			{SHA: "aaa111", AuthorLogin: "alice", AuthorID: 55, Additions: 10, Deletions: 2, CommittedAt: now},
			{SHA: "bbb222", AuthorLogin: "alice", AuthorID: 55, Additions: 5, Deletions: 1, CommittedAt: now},
		},
	}
}

func stageRaw(t *testing.T, st *store.Store, providerID int64, p payload) {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := st.UpsertRawMergeRequest(context.Background(), providerID, string(raw)); err != nil {
		t.Fatalf("stage raw: %v", err)
	}
}

func TestRunProcessesStagedPayloadIntoEntityTables(t *testing.T) {
	s, st, jobs := newTestStage(t)
	ctx := context.Background()
	stageRaw(t, st, 10, samplePayload())

	historyID, err := jobs.BeginRun(ctx, entity.PipelineDataProcessing, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}

	n, err := s.Run(ctx, historyID, entity.TriggerDirect, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row processed, got %d", n)
	}

	var repoCount, commitCount, contributorCount int
	st.DB().Get(&repoCount, "SELECT COUNT(*) FROM repositories")
	st.DB().Get(&commitCount, "SELECT COUNT(*) FROM commits")
	st.DB().Get(&contributorCount, "SELECT COUNT(*) FROM contributors")
	if repoCount != 1 {
		t.Fatalf("expected 1 repository row, got %d", repoCount)
	}
	if commitCount != 2 {
		t.Fatalf("expected 2 commit rows, got %d", commitCount)
	}
	if contributorCount != 1 {
		t.Fatalf("expected 1 contributor row, got %d", contributorCount)
	}

	var linesAdded, commits int64
	if err := st.DB().Get(&linesAdded, "SELECT lines_added FROM contributor_repositories"); err != nil {
		t.Fatalf("select lines_added: %v", err)
	}
	if err := st.DB().Get(&commits, "SELECT commit_count FROM contributor_repositories"); err != nil {
		t.Fatalf("select commit_count: %v", err)
	}
	if linesAdded != 15 {
		t.Fatalf("expected 15 lines added credited to the PR author, got %d", linesAdded)
	}
	if commits != 2 {
		t.Fatalf("expected 2 commits credited to the PR author, got %d", commits)
	}
}

func TestRunIsIdempotentAcrossReplay(t *testing.T) {
	s, st, jobs := newTestStage(t)
	ctx := context.Background()
	stageRaw(t, st, 10, samplePayload())

	historyID, err := jobs.BeginRun(ctx, entity.PipelineDataProcessing, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if _, err := s.Run(ctx, historyID, entity.TriggerDirect, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A second run with nothing newly staged must select zero rows.
	n, err := s.Run(ctx, historyID, entity.TriggerDirect, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected already-processed row to be skipped, got %d", n)
	}

	var commitCount int
	st.DB().Get(&commitCount, "SELECT COUNT(*) FROM commits")
	if commitCount != 2 {
		t.Fatalf("replay must not duplicate commit rows, got %d", commitCount)
	}
}

func TestRunMarksMalformedPayloadProcessedWithoutPanicking(t *testing.T) {
	s, st, jobs := newTestStage(t)
	ctx := context.Background()
	if err := st.UpsertRawMergeRequest(ctx, 99, "not valid json"); err != nil {
		t.Fatalf("stage malformed raw: %v", err)
	}

	historyID, err := jobs.BeginRun(ctx, entity.PipelineDataProcessing, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	n, err := s.Run(ctx, historyID, entity.TriggerDirect, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the malformed row to still count as processed, got %d", n)
	}

	var remaining int
	st.DB().Get(&remaining, "SELECT COUNT(*) FROM raw_merge_requests WHERE is_processed = 0")
	if remaining != 0 {
		t.Fatalf("expected malformed row to be marked processed, %d rows still pending", remaining)
	}
}

func TestRunLeavesPullRequestWithoutAuthorAsPlaceholder(t *testing.T) {
	s, st, jobs := newTestStage(t)
	ctx := context.Background()

	p := samplePayload()
	p.PullRequest.AuthorID = 0
	p.PullRequest.AuthorLogin = ""
	stageRaw(t, st, 10, p)

	historyID, err := jobs.BeginRun(ctx, entity.PipelineDataProcessing, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if _, err := s.Run(ctx, historyID, entity.TriggerDirect, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	var contributorRepoCount int
	st.DB().Get(&contributorRepoCount, "SELECT COUNT(*) FROM contributor_repositories")
	if contributorRepoCount != 0 {
		t.Fatalf("expected no contributor_repositories row without a real author, got %d", contributorRepoCount)
	}
}
