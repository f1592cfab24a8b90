package dht

import "time"

// nowMinus returns the time d before now, used to build freshness cutoffs
// for peer storage lookups.
func nowMinus(d time.Duration) time.Time {
	return time.Now().Add(-d)
}
