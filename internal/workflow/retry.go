package workflow

import (
	"math"
	"time"
)

const maxBackoff = 30 * time.Second

// backoffDuration implements spec §4.7's run-level retry delay:
// min(1000 * 2^(retryCount-1), 30000) milliseconds.
func backoffDuration(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	ms := 1000 * math.Pow(2, float64(retryCount-1))
	d := time.Duration(ms) * time.Millisecond
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
