package domain

import "fmt"

// RelativeTime is the time window accepted by the problem feed.
type RelativeTime string

// Relative time windows.
const (
	RelativeTimeHour   RelativeTime = "hour"
	RelativeTime2Hours RelativeTime = "2hours"
	RelativeTime6Hours RelativeTime = "6hours"
	RelativeTimeDay    RelativeTime = "day"
	RelativeTimeWeek   RelativeTime = "week"
	RelativeTimeMonth  RelativeTime = "month"
)

// DefaultRelativeTime is used when no window is given.
const DefaultRelativeTime = RelativeTimeHour

// RelativeTimes lists every window in ascending order.
var RelativeTimes = []RelativeTime{
	RelativeTimeHour,
	RelativeTime2Hours,
	RelativeTime6Hours,
	RelativeTimeDay,
	RelativeTimeWeek,
	RelativeTimeMonth,
}

// Valid reports whether rt is one of the supported windows.
func (rt RelativeTime) Valid() bool {
	for _, v := range RelativeTimes {
		if v == rt {
			return true
		}
	}
	return false
}

// ParseRelativeTime converts s to a RelativeTime. Empty input yields the default window.
func ParseRelativeTime(s string) (RelativeTime, error) {
	if s == "" {
		return DefaultRelativeTime, nil
	}
	rt := RelativeTime(s)
	if !rt.Valid() {
		return "", fmt.Errorf("invalid relative time %q: must be one of %v", s, RelativeTimes)
	}
	return rt, nil
}
