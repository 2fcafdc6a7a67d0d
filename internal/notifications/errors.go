package notifications

import (
	"errors"
	"fmt"
)

// NotifierError reports a delivery the downstream system rejected or could not complete.
type NotifierError struct {
	Notifier string
	Err      error
}

func (e *NotifierError) Error() string {
	return fmt.Sprintf("notifier %s: %v", e.Notifier, e.Err)
}

func (e *NotifierError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error in the chain declares itself retryable.
// Unknown errors are not retryable.
func IsRetryable(err error) bool {
	var r interface {
		IsRetryable() bool
	}
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}
