package schema

import "time"

// UsageWindow is one calendar-hour API usage counter.
//
// At most one row exists per hour. CallsUsed only ever increases within a
// window; expired windows are removed whole by the daily cleanup.
type UsageWindow struct {
	WindowStart time.Time `json:"window_start"`
	CallsUsed   int       `json:"calls_used"`
	CallsLimit  int       `json:"calls_limit"`
}

// UsageStats is a read-only snapshot of the current window.
type UsageStats struct {
	Used        int     `json:"used"`
	Limit       int     `json:"limit"`
	Remaining   int     `json:"remaining"`
	PercentUsed float64 `json:"percent_used"`
}

// WindowStart truncates t to its containing hour window.
func WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
