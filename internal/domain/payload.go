package domain

import "strings"

// TestProblemMarker marks deliveries sent by the platform's "send test notification" button.
const TestProblemMarker = "999"

// WebhookPayload is the body the monitoring platform posts to the webhook.
// ProblemID is the display id quoted to humans, PID is the id used for the feed lookup.
type WebhookPayload struct {
	ProblemID      string `json:"ProblemID" validate:"required"`
	PID            string `json:"PID"`
	State          string `json:"State" validate:"required"`
	ProblemTitle   string `json:"ProblemTitle,omitempty"`
	ImpactedEntity string `json:"ImpactedEntity,omitempty"`
	Tags           string `json:"Tags,omitempty"`
	ProblemURL     string `json:"ProblemURL,omitempty"`
}

// IsTest reports whether the payload is a platform test delivery.
func (p WebhookPayload) IsTest() bool {
	return strings.Contains(p.ProblemID, TestProblemMarker)
}
