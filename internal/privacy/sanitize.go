// SPDX-License-Identifier: MIT

// Package privacy implements PII redaction and the tracking suppression
// chain. Sanitization runs on every string field of a payload, recursively
// through nested maps and slices, before any transport is attempted.
package privacy

import (
	"regexp"
	"strings"

	"github.com/toolary/telemetry/internal/metrics"
)

// Redaction markers. Fixed strings so downstream consumers can count
// redactions without seeing the original value.
const (
	MarkerEmail = "[redacted-email]"
	MarkerIP    = "[redacted-ip]"
	MarkerCard  = "[redacted-card]"
	MarkerToken = "[redacted-token]"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	ipv4Re  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	// At least three hex groups so clock times ("12:30") survive.
	ipv6Re = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){2,7}[0-9A-Fa-f]{1,4}\b`)
	// 13-19 digits, optionally separated by single spaces or dashes.
	cardRe = regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`)
	// Long opaque identifier; must carry a digit to spare ordinary words.
	tokenRe = regexp.MustCompile(`[A-Za-z0-9_\-]{32,}`)
)

// SanitizeString replaces embedded PII in s with redaction markers.
func SanitizeString(s string) string {
	if s == "" {
		return s
	}
	if emailRe.MatchString(s) {
		s = emailRe.ReplaceAllString(s, MarkerEmail)
		metrics.IncRedaction("email")
	}
	if ipv4Re.MatchString(s) {
		s = ipv4Re.ReplaceAllString(s, MarkerIP)
		metrics.IncRedaction("ipv4")
	}
	if ipv6Re.MatchString(s) {
		s = ipv6Re.ReplaceAllString(s, MarkerIP)
		metrics.IncRedaction("ipv6")
	}
	if cardRe.MatchString(s) {
		s = cardRe.ReplaceAllString(s, MarkerCard)
		metrics.IncRedaction("card")
	}
	s = tokenRe.ReplaceAllStringFunc(s, func(m string) string {
		if !strings.ContainsAny(m, "0123456789") {
			return m
		}
		metrics.IncRedaction("token")
		return MarkerToken
	})
	return s
}

// Sanitize walks v and returns a copy with every string field sanitized.
// Maps and slices are rebuilt; other values pass through untouched.
func Sanitize(v any) any {
	switch t := v.(type) {
	case string:
		return SanitizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Sanitize(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = SanitizeString(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Sanitize(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = SanitizeString(val)
		}
		return out
	default:
		return v
	}
}

// SanitizeMap is Sanitize specialised to the flat property maps events carry.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Sanitize(m).(map[string]any)
}
