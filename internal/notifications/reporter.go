package notifications

import (
	"context"
	"fmt"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/feed"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
)

// CommentPoster posts a comment on a platform problem.
type CommentPoster interface {
	PostComment(ctx context.Context, problemID string, comment feed.Comment) error
}

// CommentReporter posts one audit comment per notification run.
type CommentReporter struct {
	poster   CommentPoster
	renderer *Renderer
	user     string
	context  string
}

// NewCommentReporter creates a reporter that signs comments with user and context.
func NewCommentReporter(poster CommentPoster, renderer *Renderer, user, commentContext string) *CommentReporter {
	return &CommentReporter{
		poster:   poster,
		renderer: renderer,
		user:     user,
		context:  commentContext,
	}
}

// Report composes the comment for outcomes and posts it. Nothing is posted
// when there are no outcomes.
func (r *CommentReporter) Report(ctx context.Context, problem *domain.Problem, outcomes []Outcome) error {
	logger := ctxlog.FromContext(ctx)

	if len(outcomes) == 0 {
		logger.Debug("no notifier outcomes, skipping comment")
		return nil
	}

	text, err := r.renderer.Comment(problem, outcomes)
	if err != nil {
		recordComment("failed")
		return fmt.Errorf("render comment: %w", err)
	}

	comment := feed.Comment{
		Comment: text,
		User:    r.user,
		Context: r.context,
	}

	if err := r.poster.PostComment(ctx, problem.ID, comment); err != nil {
		recordComment("failed")
		return fmt.Errorf("post comment on %s: %w", problem.ID, err)
	}

	recordComment("success")
	logger.Info("problem commented", "all_succeeded", AllSucceeded(outcomes))
	logger.Debug("comment content", "comment", text)
	return nil
}
