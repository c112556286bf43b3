package x

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTweetID(t *testing.T) {
	const id = "1901234567890123456"

	valid := []string{
		"https://x.com/someuser/status/" + id,
		"https://twitter.com/someuser/status/" + id,
		"https://x.com/i/web/status/" + id,
		"https://x.com/someuser/status/" + id + "/photo/1",
		"https://twitter.com/someuser/status/" + id + "?s=20",
		"https://www.x.com/someuser/status/" + id,
		"https://x.com/status/" + id,
	}
	for _, url := range valid {
		assert.Equal(t, id, ExtractTweetID(url), url)
	}

	invalid := []string{
		"",
		"https://example.com/not-a-status-url",
		"https://x.com/someuser",
		"https://x.com/someuser/status/not-numeric",
		"https://x.org/someuser/status/" + id,
		"ftp://x.com/someuser/status/" + id,
	}
	for _, url := range invalid {
		assert.Empty(t, ExtractTweetID(url), url)
		assert.False(t, IsValidStatusURL(url), url)
	}
}
