package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/provider"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

func withRateLimitHeaders(w http.ResponseWriter) {
	w.Header().Set("X-RateLimit-Remaining", "5000")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
}

func newTestStage(t *testing.T, handler http.HandlerFunc) (*Stage, *store.Store, *jobstore.JobStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	jobs := jobstore.New(st.DB())

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	prov := provider.New(provider.Config{BaseURL: srv.URL, Cache: st}, nil)

	return New(st, jobs, prov, nil), st, jobs
}

const eventFeedBody = `{"items":[
	{"cursor":"c1","repository":{"id":1,"full_name":"acme/widgets","name":"widgets","owner":{"id":9,"login":"acme"}},
	 "pull_request":{"number":5,"user":{"login":"alice","id":55},"state":"closed","merged_at":"2026-01-01T00:00:00Z"}}
]}`

func TestRunStagesEventsAndPersistsCursor(t *testing.T) {
	var commitCalls int
	handler := func(w http.ResponseWriter, r *http.Request) {
		withRateLimitHeaders(w)
		if r.URL.Path == "/events/merged-pull-requests" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(eventFeedBody))
			return
		}
		commitCalls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[{"sha":"abc123","commit":{"message":"fix it"}}]`))
	}
	s, st, jobs := newTestStage(t, handler)
	ctx := context.Background()

	historyID, err := jobs.BeginRun(ctx, entity.PipelineGithubSync, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}

	n, err := s.Run(ctx, historyID, entity.TriggerDirect, false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event staged, got %d", n)
	}
	if commitCalls != 1 {
		t.Fatalf("expected one commit-list fetch, got %d", commitCalls)
	}

	var rawCount int
	st.DB().Get(&rawCount, "SELECT COUNT(*) FROM raw_merge_requests")
	if rawCount != 1 {
		t.Fatalf("expected 1 raw_merge_requests row, got %d", rawCount)
	}

	cursor, err := st.GetProviderCache(ctx, "sync:cursor")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor.Body != "c1" {
		t.Fatalf("expected persisted cursor %q, got %q", "c1", cursor.Body)
	}
}

func TestRunResumesFromPersistedCursor(t *testing.T) {
	var gotCursor string
	handler := func(w http.ResponseWriter, r *http.Request) {
		withRateLimitHeaders(w)
		if r.URL.Path == "/events/merged-pull-requests" {
			gotCursor = r.URL.Query().Get("since")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"items":[]}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	}
	s, st, jobs := newTestStage(t, handler)
	ctx := context.Background()

	if err := st.PutProviderCache(ctx, "sync:cursor", "", "previous-cursor"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	historyID, err := jobs.BeginRun(ctx, entity.PipelineGithubSync, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if _, err := s.Run(ctx, historyID, entity.TriggerDirect, false); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotCursor != "previous-cursor" {
		t.Fatalf("expected resumed cursor to be sent as since, got %q", gotCursor)
	}
}

func TestRunReturnsEmptyBatchWhenFeedIsRateLimited(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
		w.WriteHeader(http.StatusTooManyRequests)
	}
	s, _, jobs := newTestStage(t, handler)
	ctx := context.Background()

	historyID, err := jobs.BeginRun(ctx, entity.PipelineGithubSync, entity.TriggerDirect)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	n, err := s.Run(ctx, historyID, entity.TriggerDirect, false)
	if err != nil {
		t.Fatalf("expected rate-limited feed fetch to return cleanly, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected zero events processed when rate limited, got %d", n)
	}
}
