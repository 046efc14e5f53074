package retry

import (
	"math"
	"time"
)

// Delay returns round(base * factor^attempt) rounded to whole milliseconds.
// Negative attempts are treated as zero.
func Delay(base time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	baseMS := float64(base) / float64(time.Millisecond)
	ms := math.Round(baseMS * math.Pow(factor, float64(attempt)))
	if math.IsNaN(ms) || ms < 0 {
		return 0
	}
	if ms >= float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}
