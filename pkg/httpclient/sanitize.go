package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams lists query parameter names that must never reach the
// logs. Matched case-insensitively, as substrings.
var sensitiveParams = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
}

// sanitizeURL replaces credential-bearing query parameter values with a
// redaction marker before the URL is logged. The prices API carries its
// key in the query string, so every logged URL goes through here.
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

// isSensitiveParam matches case-insensitively so API_KEY and Api_Key
// variants are caught too.
func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, sensitive := range sensitiveParams {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
