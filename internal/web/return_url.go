package web

import (
	"net/url"
	"strings"
)

// SanitizeReturnURL keeps a post-login destination only when it is a local path
// other than the login page itself; anything else becomes fallback.
func SanitizeReturnURL(raw string, loginPath string, fallback string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" || !strings.HasPrefix(candidate, "/") {
		return fallback
	}
	if strings.HasPrefix(candidate, "//") || strings.HasPrefix(candidate, "/\\") {
		return fallback
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" || parsed.User != nil {
		return fallback
	}
	if strings.TrimRight(parsed.Path, "/") == strings.TrimRight(loginPath, "/") {
		return fallback
	}
	return parsed.RequestURI()
}
