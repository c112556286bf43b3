package x

import "regexp"

// statusURLRe accepts x.com/twitter.com status URLs: an optional handle
// segment (or i/web), a numeric id, an optional /photo/N suffix and
// optional query or fragment.
var statusURLRe = regexp.MustCompile(
	`^https?://(?:www\.)?(?:x\.com|twitter\.com)/(?:(?:i/web|[A-Za-z0-9_]{1,15})/)?status/(\d+)(?:/photo/\d+)?/?(?:[?#].*)?$`)

// ExtractTweetID returns the numeric status id embedded in a post URL,
// or "" when the URL is not a recognizable status URL.
func ExtractTweetID(url string) string {
	m := statusURLRe.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}

// IsValidStatusURL reports whether a reply/quote target URL can be
// resolved to a tweet id.
func IsValidStatusURL(url string) bool {
	return ExtractTweetID(url) != ""
}
