package sms

import (
	"fmt"
	"time"
)

// ProviderError is a failed call to the SMS provider.
// StatusCode is zero when no response was received.
type ProviderError struct {
	StatusCode   int
	ProviderCode int
	Message      string
	RetryAfter   time.Duration
	Retryable    bool
}

func (e *ProviderError) Error() string {
	msg := "sms provider"
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" error %d", e.StatusCode)
	}
	if e.ProviderCode > 0 {
		msg += fmt.Sprintf(" (code %d)", e.ProviderCode)
	}
	return msg + ": " + e.Message
}

// IsRetryable reports whether sending again may succeed.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }
