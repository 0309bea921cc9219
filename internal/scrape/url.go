package scrape

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var profileIDPattern = regexp.MustCompile(`/profile/([^/]+)/`)

// ExtractProfileID returns the company id embedded in a profile URL such as
// https://my.pitchbook.com/profile/123456/company/profile.
func ExtractProfileID(rawURL string) (string, bool) {
	m := profileIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// IsProfileURL reports whether rawURL points at a pitchbook profile page.
func IsProfileURL(rawURL string) bool {
	return strings.Contains(rawURL, "pitchbook.com") && strings.Contains(rawURL, "/profile/")
}

// TransformURL rewrites a profile URL into the public company overview URL
// that the fetch service scrapes.
func TransformURL(sourceURL string) (string, bool) {
	id, ok := ExtractProfileID(sourceURL)
	if !ok {
		return "", false
	}
	return "https://pitchbook.com/profiles/company/" + id + "#overview", true
}

// ValidateTargetURL ensures rawURL is an absolute http(s) URL.
func ValidateTargetURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("target url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}
