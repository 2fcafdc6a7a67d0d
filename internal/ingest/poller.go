package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/feed"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
)

// FeedFetcher lists the problems of a time window.
type FeedFetcher interface {
	FetchByTimeRange(ctx context.Context, rt domain.RelativeTime) (*feed.Result, error)
}

// NoveltyChecker tells whether a problem still has to be notified.
type NoveltyChecker interface {
	IsNew(problem *domain.Problem) bool
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	CycleID      string
	RelativeTime domain.RelativeTime
	Problems     int
	Monitored    map[string]int
	New          int
	Notified     int
	Skipped      int
	Failed       int
}

// Poller runs single-shot feed polls. Scheduling is left to the caller.
type Poller struct {
	feed     FeedFetcher
	store    NoveltyChecker
	pipeline ProblemHandler
}

// NewPoller creates a poller.
func NewPoller(feed FeedFetcher, store NoveltyChecker, pipeline ProblemHandler) *Poller {
	return &Poller{
		feed:     feed,
		store:    store,
		pipeline: pipeline,
	}
}

// Poll fetches the feed for rt and runs the pipeline for every new problem.
// A feed failure aborts the cycle; per-problem failures are counted and the
// cycle continues.
func (p *Poller) Poll(ctx context.Context, rt domain.RelativeTime) (*PollResult, error) {
	res := &PollResult{CycleID: uuid.NewString(), RelativeTime: rt}
	ctx, logger := ctxlog.With(ctx, "cycle_id", res.CycleID, "relative_time", string(rt))

	fr, err := p.feed.FetchByTimeRange(ctx, rt)
	if err != nil {
		recordPollCycle("fetch_failed")
		logger.Error("failed to fetch problem feed", "error", err)
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	res.Problems = len(fr.Problems)
	res.Monitored = fr.Monitored
	logger.Info("problem feed fetched",
		"problems", res.Problems,
		"applications", fr.Monitored["APPLICATION"],
		"services", fr.Monitored["SERVICE"],
		"infrastructure", fr.Monitored["INFRASTRUCTURE"],
	)

	for i := range fr.Problems {
		problem := &fr.Problems[i]
		if !p.store.IsNew(problem) {
			continue
		}
		res.New++

		result, err := p.pipeline.HandleProblemID(ctx, problem.ID)
		switch {
		case err != nil:
			res.Failed++
			recordPollProblem("failed")
			logger.Error("failed to process problem", "problem_id", problem.ID, "error", err)
		case result.Skipped:
			res.Skipped++
			recordPollProblem("skipped")
		default:
			res.Notified++
			recordPollProblem("notified")
		}
	}

	recordPollCycle("success")
	logger.Info("poll cycle finished",
		"new", res.New,
		"notified", res.Notified,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res, nil
}
