package cache

import "fmt"

// WindowKey addresses one rate-limit window of one principal,
// e.g. ratelimit:ip_hourly:10.0.0.1.
func WindowKey(scope, window, principal string) string {
	return fmt.Sprintf("ratelimit:%s_%s:%s", scope, window, principal)
}

func TaskStateKey(token string) string {
	return fmt.Sprintf("task:%s", token)
}
