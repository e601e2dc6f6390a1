package discovery

import (
	"math"
	"time"
)

// PredictGrowth estimates how many identifiers were assigned during elapsed
// using the all-time average rate (sum of session averages over sessions, in
// IDs per minute). The result is only a starting hint for the locator.
func PredictGrowth(sum float64, sessions int64, elapsed time.Duration) int64 {
	if sessions <= 0 || elapsed <= 0 || sum <= 0 {
		return 0
	}
	est := math.Floor(elapsed.Minutes() * sum / float64(sessions))
	if est >= math.MaxInt64/2 {
		return math.MaxInt64 / 2
	}
	return int64(est)
}
