package x

import (
	"context"
	"errors"
	"time"

	"xpilot/internal/models"
)

// ErrMissingUserID means the platform user id could not be resolved;
// the daily routine treats it as a non-fatal skip.
var ErrMissingUserID = errors.New("missing_user_id")

// ExternalPost is a post as the platform reports it.
type ExternalPost struct {
	ExternalID string
	PostedAt   time.Time
	Text       string
	Type       models.PostType
	MediaURLs  []string
}

// ExternalPostMetrics are platform-authoritative counts for one post.
type ExternalPostMetrics struct {
	ExternalID             string
	Impressions            int
	Likes                  int
	Replies                int
	Retweets               int
	Clicks                 int
	ImpressionsUnavailable bool
}

// Engagements is the derived total persisted alongside the raw counts.
func (m ExternalPostMetrics) Engagements() int {
	return m.Likes + m.Replies + m.Retweets + m.Clicks
}

// TargetPost is a harvested post from a watched handle.
type TargetPost struct {
	ExternalID   string
	URL          string
	AuthorHandle string
	Text         string
	CreatedAt    time.Time
}

// Usage is one day of measured API consumption.
type Usage struct {
	Date  time.Time
	Units int64
	Raw   []byte
}

// Reader is the observation side of the platform adapter.
type Reader interface {
	ResolveUserID(ctx context.Context) (string, error)
	ListPosts(ctx context.Context, agentID int64, targetDate time.Time) ([]ExternalPost, error)
	GetPostMetrics(ctx context.Context, post ExternalPost) (ExternalPostMetrics, error)
	GetDailyUsage(ctx context.Context, date time.Time) (Usage, error)
}

// Poster is the publishing side. Thread publishing returns the root
// external id.
type Poster interface {
	PostText(ctx context.Context, agentID int64, text string) (string, error)
	PostThread(ctx context.Context, agentID int64, parts []string) (string, error)
	PostReply(ctx context.Context, agentID int64, targetPostURL, text string) (string, error)
	PostQuoteRT(ctx context.Context, agentID int64, targetPostURL, text string) (string, error)
}

// TargetSource lists recent posts from watched handles.
type TargetSource interface {
	ListTargetPosts(ctx context.Context, agentID int64, handles []string, limit int) ([]TargetPost, error)
}
