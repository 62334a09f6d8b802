// SPDX-License-Identifier: MIT

// Package normalize canonicalizes URLs into locale-independent page
// identifiers and enriches raw events with ambient context. The identifiers
// (`tool:<id>`, `category:<id>`, `page:<name>`) are the stable outward
// vocabulary; locale-prefixed and bare paths must normalize identically.
package normalize

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/language"
)

// supported mirrors the locales the site is published in. The matcher below
// is what decides whether a leading path segment is a locale prefix.
var supported = []language.Tag{
	language.English,
	language.Italian,
	language.Spanish,
	language.French,
	language.German,
	language.BrazilianPortuguese,
	language.Japanese,
	language.SimplifiedChinese,
}

var localeMatcher = language.NewMatcher(supported)

// staticPages are the known non-tool routes.
var staticPages = map[string]string{
	"about":      "about",
	"privacy":    "privacy",
	"terms":      "terms",
	"contact":    "contact",
	"blog":       "blog",
	"favorites":  "favorites",
	"categories": "categories",
	"tools":      "tools",
}

// isLocale reports whether a path segment is a supported locale prefix.
// Segments must look like a BCP 47 tag ("it", "pt-br") and match one of the
// published locales with reasonable confidence.
func isLocale(segment string) bool {
	if len(segment) < 2 || len(segment) > 5 {
		return false
	}
	tag, err := language.Parse(segment)
	if err != nil {
		return false
	}
	_, _, conf := localeMatcher.Match(tag)
	return conf >= language.High
}

// StripLocale removes a leading locale segment from a path, if present.
func StripLocale(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}
	first, rest, _ := strings.Cut(trimmed, "/")
	if !isLocale(first) {
		return path
	}
	if rest == "" {
		return "/"
	}
	return "/" + rest
}

// PageID maps a URL path to its canonical page identifier.
func PageID(path string) string {
	path = StripLocale(path)
	path = strings.Trim(path, "/")
	if path == "" {
		return "page:home"
	}

	segments := strings.Split(path, "/")
	switch {
	case len(segments) >= 2 && segments[0] == "tools":
		return "tool:" + strings.Join(segments[1:], "/")
	case len(segments) >= 2 && segments[0] == "categories":
		return "category:" + strings.Join(segments[1:], "/")
	case len(segments) == 1:
		if name, ok := staticPages[segments[0]]; ok {
			return "page:" + name
		}
	}
	return "page:" + path
}

// ToolID extracts the tool id from a canonical identifier, or "" when the
// identifier does not name a tool.
func ToolID(pageID string) string {
	if id, ok := strings.CutPrefix(pageID, "tool:"); ok {
		return id
	}
	return ""
}

// CategoryID extracts the category id from a canonical identifier, or ""
// when the identifier does not name a category.
func CategoryID(pageID string) string {
	if id, ok := strings.CutPrefix(pageID, "category:"); ok {
		return id
	}
	return ""
}

// Locale returns the locale prefix of a path, or "" when the path has none.
func Locale(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	first, _, _ := strings.Cut(trimmed, "/")
	if isLocale(first) {
		return strings.ToLower(first)
	}
	return ""
}

// Truncate bounds s to max runes, appending an ellipsis when it was cut.
// Used to cap error messages before they enter event payloads.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}

// ByteSize returns the UTF-8 encoded size of s in bytes. Kept as a named
// helper because payload accounting must count bytes, not runes; the two
// diverge as soon as a tool name or error message carries non-ASCII text.
func ByteSize(s string) int {
	if !utf8.ValidString(s) {
		// Invalid sequences are re-encoded as U+FFFD (3 bytes each) when the
		// payload is serialized, so account for them the same way.
		n := 0
		for _, r := range s {
			n += utf8.RuneLen(r)
		}
		return n
	}
	return len(s)
}
