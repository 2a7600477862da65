package service

import (
	"strings"

	"github.com/mssola/useragent"
)

// platforms maps substrings of the parsed OS name to display names, first match wins.
var platforms = []struct{ match, label string }{
	{"iPhone", "iOS"},
	{"iPad", "iOS"},
	{"Android", "Android"},
	{"Mac OS X", "macOS"},
	{"Windows", "Windows"},
	{"CrOS", "ChromeOS"},
	{"Linux", "Linux"},
}

// describeUserAgent turns a User-Agent header into a short label such as "Chrome on macOS".
// Agents the parser cannot name fall back to the first product token; empty input yields "".
func describeUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	if browser == "" {
		product, _, _ := strings.Cut(raw, " ")
		browser, _, _ = strings.Cut(product, "/")
	}
	platform := platformLabel(ua.OSInfo().Name)
	if platform == "" {
		platform = platformLabel(ua.OS())
	}
	if platform == "" {
		return browser
	}
	return browser + " on " + platform
}

func platformLabel(os string) string {
	for _, p := range platforms {
		if strings.Contains(os, p.match) {
			return p.label
		}
	}
	return ""
}
