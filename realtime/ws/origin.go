package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates r.Header["Origin"] against an allow-list.
//
// Allow-list entries:
//   - Full Origin values with scheme ("https://example.com",
//     "http://127.0.0.1:5173") — compared exactly.
//   - "host:port" — compared against the Origin's host, ignoring case.
//   - Bare hostnames ("example.com", "::1") — compared against the Origin's
//     hostname, ignoring case and port.
//   - Wildcards ("*.example.com") — match subdomains only, not the base
//     hostname, ignoring case.
//   - Any other literal ("null") — compared exactly against the raw Origin.
//
// allowNoOrigin controls requests that carry no Origin header at all.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	var host, hostname string
	if parsed, err := url.Parse(origin); err == nil {
		host = parsed.Host
		hostname = parsed.Hostname()
	}
	for _, entry := range allowed {
		if entryAllows(strings.TrimSpace(entry), origin, host, hostname) {
			return true
		}
	}
	return false
}

func entryAllows(entry, origin, host, hostname string) bool {
	if entry == "" {
		return false
	}
	if strings.Contains(entry, "://") {
		return origin == entry
	}
	if rest, ok := strings.CutPrefix(entry, "*."); ok {
		// Subdomains only: "a.example.com" matches "*.example.com",
		// "example.com" itself does not.
		return rest != "" && hostname != "" &&
			strings.HasSuffix(strings.ToLower(hostname), "."+strings.ToLower(rest))
	}
	if host != "" {
		if _, _, err := net.SplitHostPort(entry); err == nil {
			return strings.EqualFold(host, entry)
		}
	}
	if hostname != "" && strings.EqualFold(hostname, entry) {
		return true
	}
	return origin == entry
}

// NewOriginChecker adapts the allow-list to a websocket upgrader's
// CheckOrigin hook.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
