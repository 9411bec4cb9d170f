// Package rank implements the Rank stage (C8): aggregates non-fork
// contributor activity into per-dimension normalized scores and writes a
// single timestamped snapshot (I7).
package rank

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/config"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/store"
)

// Stage implements scheduler.Stage for ai_analysis, the pipeline type this
// core uses for contributor ranking recomputation.
type Stage struct {
	store   *store.Store
	jobs    *jobstore.JobStore
	weights config.RankWeights
	log     *logrus.Entry
}

func New(st *store.Store, jobs *jobstore.JobStore, weights config.RankWeights, log *logrus.Entry) *Stage {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stage{store: st, jobs: jobs, weights: weights, log: log.WithField("component", "rank")}
}

// Run recomputes the full ranking snapshot. There is no batching: the
// input is a single aggregate query and the output a single transaction,
// so processAll has no effect here.
func (s *Stage) Run(ctx context.Context, historyID int64, _ entity.TriggerKind, _ bool) (int64, error) {
	activity, err := s.store.SelectContributorActivity(ctx)
	if err != nil {
		return 0, err
	}
	if len(activity) == 0 {
		return 0, nil
	}

	maxLines, maxCommits, maxRepos, maxFollowers, maxReviews, maxPRsMerged := maxima(activity)

	rows := make([]entity.ContributorRanking, 0, len(activity))
	for _, a := range activity {
		volume := normalize(float64(a.LinesAdded+a.LinesRemoved), maxLines)
		efficiency := normalize(float64(a.Commits), maxCommits)
		impact := normalize(float64(a.PullRequestsMerged), maxPRsMerged)
		influence := normalize(float64(a.Followers), maxFollowers)
		popularity := normalize(float64(a.RepositoriesContributed), maxRepos)
		followersScore := normalize(float64(a.Followers), maxFollowers)
		completeness := normalize(float64(a.ProfileFieldsSet), 6)
		collaboration := normalize(float64(a.CodeReviews), maxReviews)

		total := volume*s.weights.Volume + efficiency*s.weights.Efficiency + impact*s.weights.Impact +
			influence*s.weights.Influence + popularity*s.weights.Popularity + followersScore*s.weights.Followers +
			completeness*s.weights.Completeness + collaboration*s.weights.Collaboration

		rows = append(rows, entity.ContributorRanking{
			ContributorUUID:         a.ContributorUUID,
			ContributorProviderID:   a.ContributorProviderID,
			TotalScore:              total,
			VolumeScore:             volume,
			EfficiencyScore:         efficiency,
			ImpactScore:             impact,
			InfluenceScore:          influence,
			PopularityScore:         popularity,
			FollowersScore:          followersScore,
			CompletenessScore:       completeness,
			CollaborationScore:      collaboration,
			RawLinesAdded:           a.LinesAdded,
			RawLinesRemoved:         a.LinesRemoved,
			RawCommits:              a.Commits,
			RepositoriesContributed: a.RepositoriesContributed,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalScore != rows[j].TotalScore {
			return rows[i].TotalScore > rows[j].TotalScore
		}
		return rows[i].ContributorProviderID < rows[j].ContributorProviderID
	})
	for i := range rows {
		rows[i].RankPosition = int64(i + 1)
	}

	timestamp := time.Now().UTC()
	if err := s.store.InsertRankingSnapshot(ctx, rows, timestamp); err != nil {
		return 0, err
	}
	if err := s.jobs.RecordProgress(ctx, historyID, int64(len(rows))); err != nil {
		s.log.WithError(err).Warn("record progress")
	}
	return int64(len(rows)), nil
}

func maxima(rows []store.ContributorActivity) (lines, commits, repos, followers, reviews, prsMerged float64) {
	for _, a := range rows {
		lines = math.Max(lines, float64(a.LinesAdded+a.LinesRemoved))
		commits = math.Max(commits, float64(a.Commits))
		repos = math.Max(repos, float64(a.RepositoriesContributed))
		followers = math.Max(followers, float64(a.Followers))
		reviews = math.Max(reviews, float64(a.CodeReviews))
		prsMerged = math.Max(prsMerged, float64(a.PullRequestsMerged))
	}
	return
}

// normalize maps raw into [0,100], monotonic in raw, per §4.8 step 2. A
// zero max (no contributor has any of this metric) maps everyone to 0
// rather than dividing by zero.
func normalize(raw, max float64) float64 {
	if max <= 0 {
		return 0
	}
	v := raw / max * 100
	if v > 100 {
		return 100
	}
	return v
}
