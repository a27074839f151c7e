package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams lists query parameter name fragments that must never reach
// the logs. Matched case-insensitively as substrings, so "api_key",
// "Api-Key", and "session_token" are all caught. The list covers the secret
// surfaces a relay request can carry: service credentials, session tokens,
// CSRF tokens, and webhook signatures or secrets passed in query form.
var sensitiveParams = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
	"signature",
	"csrf",
	"session",
	"sig",
}

// sanitizeURL renders a URL for logging with sensitive query values
// replaced by a redaction marker. The input URL is not modified.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	q := u.Query()
	for param := range q {
		if isSensitiveParam(param) {
			q.Set(param, "[REDACTED]")
		}
	}

	safe := *u
	safe.RawQuery = q.Encode()
	return safe.String()
}

// isSensitiveParam reports whether a query parameter name contains any of
// the sensitive fragments, ignoring case.
func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, sensitive := range sensitiveParams {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
