package notifications

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
)

// ProblemFetcher loads the full problem for an id.
type ProblemFetcher interface {
	FetchByID(ctx context.Context, problemID string) (*domain.Problem, error)
}

// ProblemStore is the deduplication state the pipeline consults and updates.
type ProblemStore interface {
	Lock(displayName string) (unlock func())
	IsNew(problem *domain.Problem) bool
	Upsert(ctx context.Context, problem *domain.Problem) error
}

// Reporter writes the summary of a notification run back to the platform.
type Reporter interface {
	Report(ctx context.Context, problem *domain.Problem, outcomes []Outcome) error
}

// Result describes what the pipeline did with one problem.
type Result struct {
	Problem  *domain.Problem
	Outcomes []Outcome
	Skipped  bool
}

// Pipeline turns a problem id into notifications: fetch, dedup, fan-out,
// persist and report.
type Pipeline struct {
	fetcher   ProblemFetcher
	store     ProblemStore
	reporter  Reporter
	notifiers []Notifier
}

// NewPipeline creates a pipeline. Notifiers run in the given order; a nil
// reporter disables comments.
func NewPipeline(fetcher ProblemFetcher, store ProblemStore, reporter Reporter, notifiers ...Notifier) *Pipeline {
	return &Pipeline{
		fetcher:   fetcher,
		store:     store,
		reporter:  reporter,
		notifiers: notifiers,
	}
}

// Notifiers returns the names of the configured notifiers.
func (p *Pipeline) Notifiers() []string {
	names := make([]string, 0, len(p.notifiers))
	for _, n := range p.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// HandleProblemID processes one problem. Only a failed fetch is returned as an
// error; notifier, persistence and comment failures are logged and reflected
// in the result.
func (p *Pipeline) HandleProblemID(ctx context.Context, problemID string) (*Result, error) {
	ctx, logger := ctxlog.With(ctx, "problem_id", problemID)

	problem, err := p.fetcher.FetchByID(ctx, problemID)
	if err != nil {
		recordProblem(resultFetchFailed)
		logger.Error("failed to fetch problem", "error", err, "retryable", IsRetryable(err))
		return nil, fmt.Errorf("fetch problem %s: %w", problemID, err)
	}

	ctx, logger = ctxlog.With(ctx, "display_name", problem.DisplayName, "status", problem.Status)

	unlock := p.store.Lock(problem.DisplayName)
	if !p.store.IsNew(problem) {
		unlock()
		recordProblem(resultSkipped)
		logger.Info("problem already notified, delete its stored record to notify again")
		return &Result{Problem: problem, Skipped: true}, nil
	}

	outcomes := make([]Outcome, 0, len(p.notifiers))
	for _, n := range p.notifiers {
		outcomes = append(outcomes, p.runNotifier(ctx, n, problem))
	}

	if err := p.store.Upsert(ctx, problem); err != nil {
		logger.Error("failed to persist sent problem", "error", err)
	}
	unlock()

	if AllSucceeded(outcomes) {
		recordProblem(resultNotified)
		logger.Info("problem notified", "notifiers", len(outcomes), "calls", TotalCalls(outcomes))
	} else {
		recordProblem(resultFailed)
		logger.Warn("problem not processed by all notifiers", "notifiers", len(outcomes))
	}

	if p.reporter != nil {
		if err := p.reporter.Report(ctx, problem, outcomes); err != nil {
			logger.Error("failed to post problem comment", "error", err)
		}
	}

	return &Result{Problem: problem, Outcomes: outcomes}, nil
}

// runNotifier calls n and converts an error or panic into a failed outcome.
func (p *Pipeline) runNotifier(ctx context.Context, n Notifier, problem *domain.Problem) (out Outcome) {
	name := n.Name()
	logger := ctxlog.FromContext(ctx).With("notifier", name)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("notifier panicked", "panic", r, "stack", string(debug.Stack()))
			out = Outcome{Notifier: name, Detail: fmt.Sprintf("panic: %v", r)}
		}
		recordNotifierCall(name, out.Status(), time.Since(start))
	}()

	o, err := n.Notify(ctx, problem)
	o.Notifier = name
	if err != nil {
		o.Succeeded = false
		if o.Detail == "" {
			o.Detail = err.Error()
		}
		logger.Warn("notifier failed", "error", err, "retryable", IsRetryable(err))
	} else {
		logger.Debug("notifier finished", "succeeded", o.Succeeded, "calls", o.Calls)
	}
	out = o
	return out
}
