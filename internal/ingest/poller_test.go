package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/feed"
	"github.com/bissquit/problem-relay/internal/notifications"
	"github.com/bissquit/problem-relay/internal/store"
)

type fakeFeed struct {
	result *feed.Result
	err    error
	rt     domain.RelativeTime
}

func (f *fakeFeed) FetchByTimeRange(_ context.Context, rt domain.RelativeTime) (*feed.Result, error) {
	f.rt = rt
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type scriptedPipeline struct {
	ids     []string
	fail    map[string]bool
	skipped map[string]bool
}

func (s *scriptedPipeline) HandleProblemID(_ context.Context, id string) (*notifications.Result, error) {
	s.ids = append(s.ids, id)
	if s.fail[id] {
		return nil, errors.New("fetch failed")
	}
	return &notifications.Result{Skipped: s.skipped[id]}, nil
}

func problems() []domain.Problem {
	return []domain.Problem{
		{ID: "1", DisplayName: "P-1", Status: domain.ProblemStatusOpen},
		{ID: "2", DisplayName: "P-2", Status: domain.ProblemStatusOpen},
		{ID: "3", DisplayName: "P-3", Status: domain.ProblemStatusClosed},
		{ID: "4", DisplayName: "P-4", Status: domain.ProblemStatusOpen},
	}
}

func TestPoller_ProcessesOnlyNewProblems(t *testing.T) {
	ctx := context.Background()
	s := store.New(store.NewMemoryBackend())
	require.NoError(t, s.Upsert(ctx, &domain.Problem{ID: "2", DisplayName: "P-2", Status: domain.ProblemStatusOpen}))
	require.NoError(t, s.Upsert(ctx, &domain.Problem{ID: "3", DisplayName: "P-3", Status: domain.ProblemStatusOpen}))

	ff := &fakeFeed{result: &feed.Result{
		Problems:  problems(),
		Monitored: map[string]int{"APPLICATION": 2, "SERVICE": 10, "INFRASTRUCTURE": 5},
	}}
	pl := &scriptedPipeline{fail: map[string]bool{"4": true}, skipped: map[string]bool{}}

	res, err := NewPoller(ff, s, pl).Poll(ctx, domain.RelativeTimeDay)
	require.NoError(t, err)

	assert.Equal(t, domain.RelativeTimeDay, ff.rt)
	assert.Equal(t, []string{"1", "3", "4"}, pl.ids, "P-2 is unchanged, P-3 changed status")
	assert.Equal(t, 4, res.Problems)
	assert.Equal(t, 3, res.New)
	assert.Equal(t, 2, res.Notified)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 10, res.Monitored["SERVICE"])
	assert.NotEmpty(t, res.CycleID)
}

func TestPoller_FeedFailureAbortsCycle(t *testing.T) {
	s := store.New(store.NewMemoryBackend())
	pl := &scriptedPipeline{}

	res, err := NewPoller(&fakeFeed{err: &feed.RemoteError{Op: "fetch feed", Reason: "unexpected status", StatusCode: 503}}, s, pl).
		Poll(context.Background(), domain.RelativeTimeHour)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Empty(t, pl.ids)
	assert.Zero(t, s.Len())
}

func TestPoller_EmptyFeed(t *testing.T) {
	s := store.New(store.NewMemoryBackend())
	pl := &scriptedPipeline{}

	res, err := NewPoller(&fakeFeed{result: &feed.Result{Problems: []domain.Problem{}, Monitored: map[string]int{}}}, s, pl).
		Poll(context.Background(), domain.RelativeTimeHour)
	require.NoError(t, err)
	assert.Zero(t, res.Problems)
	assert.Empty(t, pl.ids)
}

func TestPoller_CountsSkipped(t *testing.T) {
	s := store.New(store.NewMemoryBackend())
	pl := &scriptedPipeline{skipped: map[string]bool{"1": true}}

	res, err := NewPoller(&fakeFeed{result: &feed.Result{Problems: problems()[:1]}}, s, pl).
		Poll(context.Background(), domain.RelativeTimeHour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Notified)
}
