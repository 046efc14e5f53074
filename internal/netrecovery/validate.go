package netrecovery

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"genrelay/internal/messages"
)

// ErrInvalidInput marks rejected ids, timestamps, durations, and text.
var ErrInvalidInput = errors.New("invalid input")

const (
	maxFutureSkew   = 5 * time.Minute
	maxDuration     = 24 * time.Hour
	maxErrorMessage = 500
	maxBatchSize    = 50
)

var minTimestamp = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:`),
	regexp.MustCompile(`(?i)vbscript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
}

// ValidateJobID returns the trimmed id or an error wrapping
// ErrInvalidInput.
func ValidateJobID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty job id", ErrInvalidInput)
	}
	if !messages.ValidJobID(trimmed) {
		return "", fmt.Errorf("%w: job id %q", ErrInvalidInput, trimmed)
	}
	return trimmed, nil
}

// ValidateTimestamp checks an epoch millisecond timestamp against
// 2020-01-01 and five minutes past now.
func ValidateTimestamp(ms int64, now time.Time) (int64, error) {
	at := time.UnixMilli(ms)
	if at.Before(minTimestamp) {
		return 0, fmt.Errorf("%w: timestamp %d too far in the past", ErrInvalidInput, ms)
	}
	if at.After(now.Add(maxFutureSkew)) {
		return 0, fmt.Errorf("%w: timestamp %d too far in the future", ErrInvalidInput, ms)
	}
	return ms, nil
}

// ValidateDuration accepts durations between zero and 24 hours.
func ValidateDuration(d time.Duration) error {
	if d < 0 || d > maxDuration {
		return fmt.Errorf("%w: duration %s out of range", ErrInvalidInput, d)
	}
	return nil
}

// CheckText rejects free text carrying script or handler injection.
func CheckText(s string) error {
	for _, p := range forbiddenPatterns {
		if p.MatchString(s) {
			return fmt.Errorf("%w: forbidden pattern %s", ErrInvalidInput, p.String())
		}
	}
	return nil
}

// TruncateError bounds an error message for logs and notices.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorMessage {
		return msg
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
