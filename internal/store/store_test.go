package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestUpsertRepositoryIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := &entity.Repository{ProviderID: 100, FullName: "acme/widgets", Name: "widgets", Stars: 1}
	firstUUID, err := st.UpsertRepository(ctx, st.DB(), r)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	r.Stars = 2
	secondUUID, err := st.UpsertRepository(ctx, st.DB(), r)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if firstUUID != secondUUID {
		t.Fatalf("expected stable uuid across upserts, got %q then %q", firstUUID, secondUUID)
	}

	var count int
	if err := st.DB().GetContext(ctx, &count, "SELECT COUNT(*) FROM repositories WHERE provider_id = ?", 100); err != nil {
		t.Fatalf("count repositories: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row for provider_id 100, got %d", count)
	}

	var stars int64
	if err := st.DB().GetContext(ctx, &stars, "SELECT stars FROM repositories WHERE provider_id = ?", 100); err != nil {
		t.Fatalf("select stars: %v", err)
	}
	if stars != 2 {
		t.Fatalf("expected updated stars value 2, got %d", stars)
	}
}

func TestUpsertContributorRepositoryAccumulatesCounters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	db := st.DB()

	repoUUID, err := st.UpsertRepository(ctx, db, &entity.Repository{ProviderID: 1, FullName: "a/b", Name: "b"})
	if err != nil {
		t.Fatalf("upsert repository: %v", err)
	}
	contribUUID, err := st.UpsertContributor(ctx, db, &entity.Contributor{ProviderID: 7})
	if err != nil {
		t.Fatalf("upsert contributor: %v", err)
	}

	delta := &entity.ContributorRepository{
		ContributorUUID: contribUUID, ContributorProviderID: 7,
		RepositoryUUID: repoUUID, RepositoryProviderID: 1,
		CommitCount: 3, LinesAdded: 10, LinesRemoved: 2,
	}
	if err := st.UpsertContributorRepository(ctx, db, delta); err != nil {
		t.Fatalf("first contributor_repository upsert: %v", err)
	}
	if err := st.UpsertContributorRepository(ctx, db, delta); err != nil {
		t.Fatalf("second contributor_repository upsert: %v", err)
	}

	var commitCount, linesAdded int64
	if err := db.GetContext(ctx, &commitCount, "SELECT commit_count FROM contributor_repositories WHERE contributor_uuid = ? AND repository_uuid = ?", contribUUID, repoUUID); err != nil {
		t.Fatalf("select commit_count: %v", err)
	}
	if err := db.GetContext(ctx, &linesAdded, "SELECT lines_added FROM contributor_repositories WHERE contributor_uuid = ? AND repository_uuid = ?", contribUUID, repoUUID); err != nil {
		t.Fatalf("select lines_added: %v", err)
	}
	if commitCount != 6 {
		t.Fatalf("expected accumulated commit_count 6, got %d", commitCount)
	}
	if linesAdded != 20 {
		t.Fatalf("expected accumulated lines_added 20, got %d", linesAdded)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	sentinel := errors.New("boom")

	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := st.UpsertRepository(ctx, tx, &entity.Repository{ProviderID: 55, FullName: "x/y", Name: "y"}); err != nil {
			t.Fatalf("upsert inside tx: %v", err)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error back, got %v", err)
	}

	var count int
	if err := st.DB().GetContext(ctx, &count, "SELECT COUNT(*) FROM repositories WHERE provider_id = ?", 55); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback to discard the insert, found %d rows", count)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic to propagate out of WithTx")
		}
	}()

	_ = st.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := st.UpsertRepository(ctx, tx, &entity.Repository{ProviderID: 66, FullName: "x/z", Name: "z"}); err != nil {
			t.Fatalf("upsert inside tx: %v", err)
		}
		panic("deliberate")
	})
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := st.UpsertRepository(ctx, tx, &entity.Repository{ProviderID: 77, FullName: "x/w", Name: "w"})
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	var count int
	if err := st.DB().GetContext(ctx, &count, "SELECT COUNT(*) FROM repositories WHERE provider_id = ?", 77); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected committed insert to be visible, found %d rows", count)
	}
}

func TestRepairDanglingRunsClosesOutRunningRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	db := st.DB()

	now := time.Now().UTC()
	if _, err := db.ExecContext(ctx, `
INSERT INTO pipeline_status (pipeline_type, is_running, status, last_run) VALUES (?, 1, 'running', ?)`,
		string(entity.PipelineGithubSync), now); err != nil {
		t.Fatalf("seed pipeline_status: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
INSERT INTO pipeline_history (pipeline_type, trigger_kind, status, started_at, items_processed)
VALUES (?, 'direct', 'running', ?, 0)`, string(entity.PipelineGithubSync), now); err != nil {
		t.Fatalf("seed pipeline_history: %v", err)
	}

	n, err := st.RepairDanglingRuns(ctx)
	if err != nil {
		t.Fatalf("repair dangling runs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 repaired history row, got %d", n)
	}

	var status, historyStatus string
	if err := db.GetContext(ctx, &status, "SELECT status FROM pipeline_status WHERE pipeline_type = ?", string(entity.PipelineGithubSync)); err != nil {
		t.Fatalf("select status: %v", err)
	}
	if status != "idle" {
		t.Fatalf("expected pipeline_status to be reset to idle, got %q", status)
	}
	if err := db.GetContext(ctx, &historyStatus, "SELECT status FROM pipeline_history WHERE pipeline_type = ?", string(entity.PipelineGithubSync)); err != nil {
		t.Fatalf("select history status: %v", err)
	}
	if historyStatus != "failed" {
		t.Fatalf("expected dangling history row marked failed, got %q", historyStatus)
	}
}

func TestIsBusyRecognizesLockMessages(t *testing.T) {
	if !isBusy(errors.New("database is locked")) {
		t.Fatal("expected database is locked to be recognized as busy")
	}
	if !isBusy(errors.New("SQLITE_BUSY: retry")) {
		t.Fatal("expected SQLITE_BUSY to be recognized as busy")
	}
	if isBusy(errors.New("no such table: foo")) {
		t.Fatal("did not expect an unrelated error to be recognized as busy")
	}
	if isBusy(nil) {
		t.Fatal("nil error must not be busy")
	}
}
