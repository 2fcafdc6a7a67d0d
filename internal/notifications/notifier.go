// Package notifications decides whether a problem has to be notified, fans it out
// to the configured notifiers and reports the outcome back to the platform.
package notifications

import (
	"context"

	"github.com/bissquit/problem-relay/internal/domain"
)

// Notifier delivers a problem to one downstream system.
//
// Notify returns the outcome of the delivery. A non-nil error marks the
// outcome as failed; when the outcome carries no detail the error text is used.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, problem *domain.Problem) (Outcome, error)
}

// Outcome is the result of one notifier for one problem.
type Outcome struct {
	Notifier  string
	Succeeded bool
	Detail    string
	Calls     int
	ExitCodes []int
}

// Status returns the metric and comment label of the outcome.
func (o Outcome) Status() string {
	if o.Succeeded {
		return "ok"
	}
	return "failed"
}

// AllSucceeded reports whether every outcome succeeded.
func AllSucceeded(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if !o.Succeeded {
			return false
		}
	}
	return true
}

// TotalCalls sums the external calls made across outcomes.
func TotalCalls(outcomes []Outcome) int {
	total := 0
	for _, o := range outcomes {
		total += o.Calls
	}
	return total
}
