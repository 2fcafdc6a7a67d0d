package feed

import (
	"errors"
	"fmt"
)

// ErrInvalidRelativeTime is returned when a feed window outside the supported set is requested.
var ErrInvalidRelativeTime = errors.New("invalid relative time")

// RemoteError describes a failed call to the monitoring platform.
// StatusCode is zero when the request never got a response.
type RemoteError struct {
	Op         string
	Reason     string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	msg := e.Op + ": " + e.Reason
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether repeating the call may succeed.
func (e *RemoteError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
