// Package redact strips sensitive values (completion API keys, Matrix access
// tokens, Feishu app secrets) from strings before they reach a log line or a
// chat room.
//
// Redaction is best-effort and string based. It does not replace keeping
// secrets away from log call-sites.
package redact

import (
	"net/url"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// URL returns raw with the userinfo password and any credential-looking query
// parameters replaced by [REDACTED]. Unparseable input is returned as an
// opaque placeholder.
func URL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return placeholder
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), placeholder)
		}
	}
	q := u.Query()
	changed := false
	for k := range q {
		if isSensitiveKey(k) {
			q.Set(k, placeholder)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	// url.URL.String escapes the brackets of the placeholder.
	out := u.String()
	out = strings.ReplaceAll(out, url.QueryEscape(placeholder), placeholder)
	out = strings.ReplaceAll(out, url.PathEscape(placeholder), placeholder)
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
