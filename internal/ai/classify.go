package ai

import (
	"errors"
	"math"
	"strings"
	"time"
)

var (
	timeoutMarkers   = []string{"timeout", "timed out"}
	rateLimitMarkers = []string{"429", "rate limit", "quota", "resource exhausted"}
	networkMarkers   = []string{"network", "connection", "unavailable", "502", "503"}
)

// Classify sorts a remote-call failure by its message. When several markers
// match, timeout wins over rate limiting, which wins over network.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, errAttemptTimeout) {
		return ClassTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, timeoutMarkers):
		return ClassTimeout
	case containsAny(msg, rateLimitMarkers):
		return ClassRateLimited
	case containsAny(msg, networkMarkers):
		return ClassNetwork
	default:
		return ClassOther
	}
}

// isRateLimited reports whether err carries any rate-limit marker, whatever
// its final class. It picks the backoff schedule.
func isRateLimited(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), rateLimitMarkers)
}

// Backoff is the delay before the retry that follows attempt (counted from 1).
// Rate limiting waits min(60*2^(attempt-1), 300)s; everything else min(2^attempt, 10)s.
func Backoff(rateLimited bool, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var secs float64
	if rateLimited {
		secs = math.Min(60*math.Pow(2, float64(attempt-1)), 300)
	} else {
		secs = math.Min(math.Pow(2, float64(attempt)), 10)
	}
	return time.Duration(secs) * time.Second
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
