package leadstate

import (
	"net/url"
	"regexp"
	"strings"
)

var usernameRe = regexp.MustCompile(`(?i)linkedin\.com/in/([^/?]+)`)

// excluded path markers that look like profile links but are not.
var excludePatterns = []string{
	"/company/",
	"/school/",
	"/groups/",
	"/events/",
	"/jobs/",
	"/posts/",
	"urn:li:fs_miniProfile:",
}

// ExtractUsername pulls the lowercased profile handle out of any absolute
// LinkedIn URL containing /in/<name>. Returns "" when no handle is present.
func ExtractUsername(rawURL string) string {
	m := usernameRe.FindStringSubmatch(rawURL)
	if len(m) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

// IsProfileURL reports whether the URL plausibly points at a person profile.
func IsProfileURL(rawURL string) bool {
	if !strings.Contains(rawURL, "/in/") {
		return false
	}
	for _, pattern := range excludePatterns {
		if strings.Contains(rawURL, pattern) {
			return false
		}
	}
	return true
}

// NormalizeProfileURL canonicalizes a profile URL to
// https://www.linkedin.com/in/<lowercased-username>, dropping query strings,
// fragments and trailing path segments. Relative /in/ links are absolutized.
// Returns "" for anything that is not a profile URL.
func NormalizeProfileURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	if strings.HasPrefix(rawURL, "/in/") {
		rawURL = "https://www.linkedin.com" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if !strings.Contains(parsed.Host, "linkedin.com") {
		return ""
	}

	path := strings.TrimSuffix(parsed.Path, "/")
	i := strings.Index(path, "/in/")
	if i < 0 {
		return ""
	}

	id := path[i+len("/in/"):]
	if j := strings.Index(id, "/"); j >= 0 {
		id = id[:j]
	}
	if id == "" {
		return ""
	}

	return "https://www.linkedin.com/in/" + strings.ToLower(id)
}
