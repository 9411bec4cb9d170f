package rank

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/config"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw, max, want float64
	}{
		{0, 0, 0},
		{5, 0, 0},
		{50, 100, 50},
		{150, 100, 100},
		{100, 100, 100},
	}
	for _, c := range cases {
		if got := normalize(c.raw, c.max); got != c.want {
			t.Errorf("normalize(%v, %v) = %v, want %v", c.raw, c.max, got, c.want)
		}
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.db")
	st, err := store.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedContributorActivity inserts the minimal repository/contributor/
// contributor_repository rows SelectContributorActivity aggregates over.
func seedContributorActivity(t *testing.T, st *store.Store, providerID int64, lines, commits int64) string {
	t.Helper()
	ctx := context.Background()
	db := st.DB()

	repoUUID, err := st.UpsertRepository(ctx, db, &entity.Repository{
		ProviderID: providerID + 1000, FullName: fmt.Sprintf("acme/repo-%d", providerID), Name: "repo",
	})
	if err != nil {
		t.Fatalf("upsert repository: %v", err)
	}
	contribUUID, err := st.UpsertContributor(ctx, db, &entity.Contributor{
		ProviderID: providerID, Username: nil,
	})
	if err != nil {
		t.Fatalf("upsert contributor: %v", err)
	}
	now := time.Now().UTC()
	if err := st.UpsertContributorRepository(ctx, db, &entity.ContributorRepository{
		ContributorUUID: contribUUID, ContributorProviderID: providerID,
		RepositoryUUID: repoUUID, RepositoryProviderID: providerID + 1000,
		CommitCount: commits, LinesAdded: lines, PullRequests: 1,
		FirstContributionDate: now, LastContributionDate: now,
	}); err != nil {
		t.Fatalf("upsert contributor_repository: %v", err)
	}
	return contribUUID
}

func TestStageRunProducesContiguousRankPositions(t *testing.T) {
	st := newTestStore(t)
	jobs := jobstore.New(st.DB())
	ctx := context.Background()

	historyID, err := jobs.BeginRun(ctx, entity.PipelineAIAnalysis, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}

	seedContributorActivity(t, st, 1, 500, 10)
	seedContributorActivity(t, st, 2, 100, 2)
	seedContributorActivity(t, st, 3, 1000, 20)

	s := New(st, jobs, config.DefaultRankWeights(), nil)
	n, err := s.Run(ctx, historyID, entity.TriggerDirect, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 ranked contributors, got %d", n)
	}

	rows, err := st.LatestRankingSnapshot(ctx)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 snapshot rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row.RankPosition != int64(i+1) {
			t.Fatalf("expected contiguous rank positions starting at 1, got %d at index %d", row.RankPosition, i)
		}
	}
	if rows[0].ContributorProviderID != 3 {
		t.Fatalf("expected highest-activity contributor ranked first, got provider id %d", rows[0].ContributorProviderID)
	}
	if rows[0].TotalScore < rows[1].TotalScore || rows[1].TotalScore < rows[2].TotalScore {
		t.Fatal("expected descending total scores")
	}
}

func TestImpactScoreIsNormalizedAgainstCohortMaximum(t *testing.T) {
	st := newTestStore(t)
	jobs := jobstore.New(st.DB())
	ctx := context.Background()
	db := st.DB()

	repoUUID, err := st.UpsertRepository(ctx, db, &entity.Repository{ProviderID: 5001, FullName: "acme/repo", Name: "repo"})
	if err != nil {
		t.Fatalf("upsert repository: %v", err)
	}

	seedWithMergedPRs := func(providerID, mergedPRs int64) string {
		contribUUID, err := st.UpsertContributor(ctx, db, &entity.Contributor{ProviderID: providerID, PullRequestsMerged: mergedPRs})
		if err != nil {
			t.Fatalf("upsert contributor: %v", err)
		}
		now := time.Now().UTC()
		if err := st.UpsertContributorRepository(ctx, db, &entity.ContributorRepository{
			ContributorUUID: contribUUID, ContributorProviderID: providerID,
			RepositoryUUID: repoUUID, RepositoryProviderID: 5001,
			CommitCount: 1, LinesAdded: 1,
			FirstContributionDate: now, LastContributionDate: now,
		}); err != nil {
			t.Fatalf("upsert contributor_repository: %v", err)
		}
		return contribUUID
	}

	seedWithMergedPRs(1, 10)
	seedWithMergedPRs(2, 4)
	seedWithMergedPRs(3, 0)

	historyID, err := jobs.BeginRun(ctx, entity.PipelineAIAnalysis, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	s := New(st, jobs, config.DefaultRankWeights(), nil)
	if _, err := s.Run(ctx, historyID, entity.TriggerDirect, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	rows, err := st.LatestRankingSnapshot(ctx)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	scores := map[int64]float64{}
	for _, r := range rows {
		scores[r.ContributorProviderID] = r.ImpactScore
	}
	if scores[1] != 100 {
		t.Fatalf("expected the cohort maximum merged-PR contributor to score 100 impact, got %v", scores[1])
	}
	if scores[2] <= 0 || scores[2] >= 100 {
		t.Fatalf("expected a mid-range contributor to score strictly between 0 and 100, got %v", scores[2])
	}
	if scores[3] != 0 {
		t.Fatalf("expected zero merged PRs to score 0 impact, got %v", scores[3])
	}
}

func TestStageRunExcludesForkedRepositories(t *testing.T) {
	st := newTestStore(t)
	jobs := jobstore.New(st.DB())
	ctx := context.Background()

	historyID, err := jobs.BeginRun(ctx, entity.PipelineAIAnalysis, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}

	repoUUID, err := st.UpsertRepository(ctx, st.DB(), &entity.Repository{
		ProviderID: 9001, FullName: "acme/fork", Name: "fork", IsFork: true,
	})
	if err != nil {
		t.Fatalf("upsert forked repository: %v", err)
	}
	contribUUID, err := st.UpsertContributor(ctx, st.DB(), &entity.Contributor{ProviderID: 42})
	if err != nil {
		t.Fatalf("upsert contributor: %v", err)
	}
	now := time.Now().UTC()
	if err := st.UpsertContributorRepository(ctx, st.DB(), &entity.ContributorRepository{
		ContributorUUID: contribUUID, ContributorProviderID: 42,
		RepositoryUUID: repoUUID, RepositoryProviderID: 9001,
		CommitCount: 50, LinesAdded: 500,
		FirstContributionDate: now, LastContributionDate: now,
	}); err != nil {
		t.Fatalf("upsert contributor_repository: %v", err)
	}

	s := New(st, jobs, config.DefaultRankWeights(), nil)
	n, err := s.Run(ctx, historyID, entity.TriggerDirect, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected fork-only contributor to be excluded, got %d ranked rows", n)
	}
}
