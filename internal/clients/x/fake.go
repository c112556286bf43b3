package x

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"xpilot/internal/models"
)

// FakeReader serves deterministic observation data so the daily
// routine is reproducible without platform credentials.
type FakeReader struct{}

func NewFakeReader() *FakeReader { return &FakeReader{} }

func (f *FakeReader) ResolveUserID(ctx context.Context) (string, error) {
	return "fake-user", nil
}

func (f *FakeReader) ListPosts(ctx context.Context, agentID int64, targetDate time.Time) ([]ExternalPost, error) {
	day := models.DateOnly(targetDate)
	base := time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, time.UTC)
	prefix := fmt.Sprintf("%d-%s", agentID, day.Format("2006-01-02"))
	return []ExternalPost{
		{
			ExternalID: prefix + "-001",
			PostedAt:   base,
			Text:       "Daily update alpha",
			Type:       models.PostTypeTweet,
		},
		{
			ExternalID: prefix + "-002",
			PostedAt:   base.Add(2 * time.Hour),
			Text:       "Daily update beta",
			Type:       models.PostTypeThread,
			MediaURLs:  []string{"https://example.com/image1.png"},
		},
		{
			ExternalID: prefix + "-003",
			PostedAt:   base.Add(4 * time.Hour),
			Text:       "Daily update gamma",
			Type:       models.PostTypeQuoteRT,
		},
	}, nil
}

// GetPostMetrics derives counts from the external id so re-runs see the
// same numbers.
func (f *FakeReader) GetPostMetrics(ctx context.Context, post ExternalPost) (ExternalPostMetrics, error) {
	seed := 0
	for _, c := range post.ExternalID {
		seed += int(c)
	}
	likes := 10 + seed%50
	replies := 2 + seed%8
	retweets := 3 + seed%12
	clicks := 15 + seed%60
	return ExternalPostMetrics{
		ExternalID:  post.ExternalID,
		Impressions: likes*20 + replies*30 + retweets*25 + clicks*10,
		Likes:       likes,
		Replies:     replies,
		Retweets:    retweets,
		Clicks:      clicks,
	}, nil
}

func (f *FakeReader) GetDailyUsage(ctx context.Context, date time.Time) (Usage, error) {
	return Usage{Date: models.DateOnly(date), Units: 0, Raw: []byte(`{}`)}, nil
}

// FakePoster counts publishes and hands out sequential external ids.
type FakePoster struct {
	mu    sync.Mutex
	count int
}

func NewFakePoster() *FakePoster { return &FakePoster{} }

func (f *FakePoster) next(agentID int64, postType string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return fmt.Sprintf("ext-%s-%d-%d", postType, agentID, f.count)
}

// Posted reports how many publishes the fake has served.
func (f *FakePoster) Posted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *FakePoster) PostText(ctx context.Context, agentID int64, text string) (string, error) {
	return f.next(agentID, "tweet"), nil
}

func (f *FakePoster) PostThread(ctx context.Context, agentID int64, parts []string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("thread_parts_required")
	}
	return f.next(agentID, "thread"), nil
}

func (f *FakePoster) PostReply(ctx context.Context, agentID int64, targetPostURL, text string) (string, error) {
	return f.next(agentID, "reply"), nil
}

func (f *FakePoster) PostQuoteRT(ctx context.Context, agentID int64, targetPostURL, text string) (string, error) {
	return f.next(agentID, "quote"), nil
}

// FakeTargetSource yields two synthetic posts per watched handle.
type FakeTargetSource struct{}

func NewFakeTargetSource() *FakeTargetSource { return &FakeTargetSource{} }

func (f *FakeTargetSource) ListTargetPosts(ctx context.Context, agentID int64, handles []string, limit int) ([]TargetPost, error) {
	if limit < 0 {
		limit = 0
	}
	var posts []TargetPost
	for _, handle := range handles {
		normalized := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(handle, "@")))
		if normalized == "" {
			continue
		}
		seed := 0
		for _, c := range normalized {
			seed += int(c)
		}
		for i := 1; i <= 2; i++ {
			// Numeric ids so the URLs pass status-URL validation.
			externalID := fmt.Sprintf("19%010d%03d", seed, i)
			posts = append(posts, TargetPost{
				ExternalID:   externalID,
				URL:          fmt.Sprintf("https://x.com/%s/status/%s", normalized, externalID),
				AuthorHandle: normalized,
				Text:         fmt.Sprintf("Recent post %d from %s", i, normalized),
				CreatedAt:    time.Now().UTC(),
			})
			if len(posts) >= limit {
				return posts, nil
			}
		}
	}
	return posts, nil
}
