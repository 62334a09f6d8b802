// SPDX-License-Identifier: MIT

// Package botdetect classifies the current agent as automated or genuine.
// Classification runs once per page load; the cached verdict gates every
// subsequent track call, so a positive verdict makes tracking a no-op for the
// tab's lifetime.
package botdetect

import (
	"strings"
)

// Verdict is the cached classification result.
type Verdict struct {
	Bot        bool
	Reason     string
	Confidence float64
}

// Capabilities are the secondary browser-environment signals. A genuine
// browser has persistent storage and a history API; their absence alone is
// only a weak indicator.
type Capabilities struct {
	HasStorage    bool
	HasHistoryAPI bool
}

// Signature lists, lowercase. Headless and automation tooling gets the
// highest confidence; generic crawlers and HTTP libraries slightly less.
var (
	headlessSignatures = []string{
		"headlesschrome", "phantomjs", "slimerjs", "electron",
		"puppeteer", "playwright", "selenium", "webdriver", "cypress",
	}
	crawlerSignatures = []string{
		"googlebot", "bingbot", "yandexbot", "duckduckbot", "baiduspider",
		"slurp", "applebot", "semrushbot", "ahrefsbot", "mj12bot",
		"facebookexternalhit", "twitterbot", "linkedinbot", "petalbot",
		"bot/", "bot;", "spider", "crawler",
	}
	httpClientSignatures = []string{
		"curl/", "wget/", "python-requests", "python-urllib", "go-http-client",
		"okhttp", "java/", "libwww-perl", "httpclient", "axios/", "node-fetch",
	}
	localPatterns = []string{
		"localhost", "127.0.0.1", "0.0.0.0", ".local", ".test", ".example",
	}
)

// Classify inspects the user agent, referrer and URL once and returns a
// verdict.
func Classify(userAgent, referrer, rawURL string, caps Capabilities) Verdict {
	ua := strings.ToLower(strings.TrimSpace(userAgent))

	if ua == "" {
		return Verdict{Bot: true, Reason: "empty user agent", Confidence: 0.8}
	}
	for _, sig := range headlessSignatures {
		if strings.Contains(ua, sig) {
			return Verdict{Bot: true, Reason: "headless signature: " + sig, Confidence: 0.95}
		}
	}
	for _, sig := range crawlerSignatures {
		if strings.Contains(ua, sig) {
			return Verdict{Bot: true, Reason: "crawler signature: " + sig, Confidence: 0.9}
		}
	}
	for _, sig := range httpClientSignatures {
		if strings.Contains(ua, sig) {
			return Verdict{Bot: true, Reason: "http client signature: " + sig, Confidence: 0.9}
		}
	}

	if !caps.HasStorage && !caps.HasHistoryAPI {
		return Verdict{Bot: true, Reason: "missing browser capabilities", Confidence: 0.7}
	}

	if reason := suspiciousOrigin(referrer, rawURL); reason != "" {
		return Verdict{Bot: true, Reason: reason, Confidence: 0.6}
	}

	return Verdict{}
}

// suspiciousOrigin flags local or test hosts appearing in the referrer. The
// current URL itself being local is handled by the delivery short-circuits,
// not here, so development against localhost still exercises the pipeline.
func suspiciousOrigin(referrer, rawURL string) string {
	ref := strings.ToLower(referrer)
	for _, p := range localPatterns {
		if ref != "" && strings.Contains(ref, p) && !strings.Contains(strings.ToLower(rawURL), p) {
			return "local referrer: " + p
		}
	}
	return ""
}
