package fullsync

import (
	"fmt"
	"time"
)

// Symbolic time horizons accepted by the manual sync trigger.
const (
	HorizonThreeMonths = "3-months"
	HorizonOneYear     = "1-year"
	HorizonAllTime     = "all-time"
)

// ParseHorizon resolves a symbolic horizon to the starting point of a
// fresh run. All-time returns nil (no lower bound).
func ParseHorizon(horizon string, now time.Time) (*time.Time, error) {
	switch horizon {
	case HorizonThreeMonths:
		t := now.AddDate(0, -3, 0).UTC()
		return &t, nil
	case HorizonOneYear:
		t := now.AddDate(-1, 0, 0).UTC()
		return &t, nil
	case HorizonAllTime, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown horizon %q (want %s, %s or %s)",
			horizon, HorizonThreeMonths, HorizonOneYear, HorizonAllTime)
	}
}
