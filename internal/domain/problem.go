// Package domain contains the problem model shared by all components.
package domain

import "encoding/json"

// ProblemStatus is the platform state of a problem.
type ProblemStatus string

// Problem statuses.
const (
	ProblemStatusOpen   ProblemStatus = "OPEN"
	ProblemStatusClosed ProblemStatus = "CLOSED"
)

// ImpactedEntity is one affected entity referenced by a problem.
type ImpactedEntity struct {
	EntityName    string `json:"entityName"`
	SeverityLevel string `json:"severityLevel"`
	ImpactLevel   string `json:"impactLevel"`
	EventType     string `json:"eventType"`
}

// Problem is one monitored incident as returned by the feed API.
// DisplayName is the deduplication key; ID may change between feed calls.
type Problem struct {
	ID                     string           `json:"id"`
	DisplayName            string           `json:"displayName"`
	Status                 ProblemStatus    `json:"status"`
	SeverityLevel          string           `json:"severityLevel"`
	ImpactLevel            string           `json:"impactLevel"`
	TagsOfAffectedEntities []string         `json:"tagsOfAffectedEntities"`
	ImpactedEntities       []ImpactedEntity `json:"impactedEntities"`
	StartTime              int64            `json:"startTime,omitempty"`
	EndTime                int64            `json:"endTime,omitempty"`
}

type problemAlias Problem

// UnmarshalJSON accepts both API shapes: details responses carry the affected
// entities in rankedImpacts, feed responses in rankedEvents. Persisted records
// use impactedEntities.
func (p *Problem) UnmarshalJSON(data []byte) error {
	var raw struct {
		problemAlias
		RankedImpacts []ImpactedEntity `json:"rankedImpacts"`
		RankedEvents  []ImpactedEntity `json:"rankedEvents"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = Problem(raw.problemAlias)

	switch {
	case raw.RankedImpacts != nil:
		p.ImpactedEntities = raw.RankedImpacts
	case raw.RankedEvents != nil:
		p.ImpactedEntities = raw.RankedEvents
	}

	if p.ImpactedEntities == nil {
		p.ImpactedEntities = []ImpactedEntity{}
	}
	if p.TagsOfAffectedEntities == nil {
		p.TagsOfAffectedEntities = []string{}
	}

	return nil
}

// IsOpen reports whether the problem is still open on the platform.
func (p *Problem) IsOpen() bool {
	return p.Status == ProblemStatusOpen
}
