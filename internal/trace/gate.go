package trace

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"agora/api/internal/store"
)

// PublishGate validates that a trace is ready to leave draft. All rules are
// checked and every violation is reported together.
func PublishGate(body string, citations []store.Citation, minBodyLen int) error {
	var violations []string

	if len(strings.TrimSpace(body)) < minBodyLen {
		violations = append(violations,
			fmt.Sprintf("body must be at least %d characters, has %d", minBodyLen, len(strings.TrimSpace(body))))
	}
	if len(citations) == 0 {
		violations = append(violations, "at least one citation is required")
	}
	for _, c := range citations {
		if strings.TrimSpace(c.URL) == "" && strings.TrimSpace(c.Publisher) == "" {
			violations = append(violations,
				fmt.Sprintf("citation %d needs either a URL or a publisher", c.Order))
			continue
		}
		if strings.TrimSpace(c.URL) == "" {
			continue
		}
		if reason := checkCitationURL(c.URL); reason != "" {
			violations = append(violations, fmt.Sprintf("citation %d: %s", c.Order, reason))
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// checkCitationURL restricts citation links to public http(s) endpoints.
// Returns an empty string when the URL passes.
func checkCitationURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("invalid URL %q", raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Sprintf("URL scheme %q is not allowed, use http or https", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Sprintf("URL %q has no hostname", raw)
	}
	if isPrivateHost(host) {
		return fmt.Sprintf("URL host %q is private or loopback", host)
	}
	return ""
}

func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
