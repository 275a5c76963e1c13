package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/tryonhub/internal/ratelimit"
)

// Principal resolves who an admission is charged to under the configured
// policy: the client IP or reported device for windows, the user for quotas.
type Principal struct {
	policy string
	source string
}

func NewPrincipal(policy, source string) *Principal {
	return &Principal{policy: policy, source: source}
}

// Resolve returns the rate-limit principal for r. An empty result means the
// client cannot be identified.
func (p *Principal) Resolve(r *http.Request, userID int64, deviceID string) string {
	switch {
	case p.policy == "quota":
		if userID <= 0 {
			return ""
		}
		return strconv.FormatInt(userID, 10)
	case p.source == "device":
		return strings.TrimSpace(deviceID)
	default:
		return ClientIP(r)
	}
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then
// the connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SetRateLimitHeaders reports the remaining allowance of d. Unlimited
// counters are left out.
func SetRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	if d == nil {
		return
	}
	for _, u := range d.Usages {
		if u.Unlimited {
			continue
		}
		suffix := ""
		if d.Policy == "window" {
			suffix = "-" + headerCase(u.Name)
		}
		w.Header().Set("X-RateLimit-Limit"+suffix, strconv.Itoa(u.Limit))
		w.Header().Set("X-RateLimit-Remaining"+suffix, strconv.Itoa(u.Remaining))
	}
}

func headerCase(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
