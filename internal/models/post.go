package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Post struct {
	BaseModel
	AgentID int64 `gorm:"index;not null;uniqueIndex:idx_posts_agent_external;uniqueIndex:idx_posts_agent_hash_bucket" json:"agent_id"`

	// ExternalID is the platform-side id, set after publication or on
	// ingest of externally observed posts. Unique per agent when present.
	ExternalID *string `gorm:"uniqueIndex:idx_posts_agent_external" json:"external_id,omitempty"`

	Content     string         `gorm:"not null" json:"content"`
	Type        PostType       `gorm:"type:varchar(20);not null" json:"type"`
	MediaURLs   datatypes.JSON `json:"media_urls,omitempty"`
	ThreadParts datatypes.JSON `json:"thread_parts,omitempty"`

	ScheduledAt *time.Time `gorm:"index" json:"scheduled_at,omitempty"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`

	TargetPostURL *string `json:"target_post_url,omitempty"`
	AllowURL      bool    `gorm:"not null;default:false" json:"allow_url"`

	ContentHash       *string    `gorm:"size:64;uniqueIndex:idx_posts_agent_hash_bucket" json:"content_hash,omitempty"`
	ContentBucketDate *time.Time `gorm:"type:date;uniqueIndex:idx_posts_agent_hash_bucket" json:"content_bucket_date,omitempty"`
}

type PostType string

const (
	PostTypeTweet   PostType = "tweet"
	PostTypeThread  PostType = "thread"
	PostTypeReply   PostType = "reply"
	PostTypeQuoteRT PostType = "quote_rt"
	PostTypePoll    PostType = "poll"
)

// IsEngagement reports whether publishing this type consumes the daily
// reply/quote engagement budget.
func (t PostType) IsEngagement() bool {
	return t == PostTypeReply || t == PostTypeQuoteRT
}

// ContentHashFor returns the dedupe hash of a draft: SHA-256 over the
// lowercased, whitespace-collapsed concatenation of the thread parts if
// any, else the content.
func ContentHashFor(content string, threadParts []string) string {
	text := content
	if len(threadParts) > 0 {
		text = strings.Join(threadParts, " ")
	}
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

type PostMetrics struct {
	BaseModel
	PostID         int64                 `gorm:"not null;uniqueIndex:idx_metrics_post_type_at" json:"post_id"`
	CollectionType MetricsCollectionType `gorm:"type:varchar(20);not null;uniqueIndex:idx_metrics_post_type_at" json:"collection_type"`
	CollectedAt    time.Time             `gorm:"not null;uniqueIndex:idx_metrics_post_type_at" json:"collected_at"`

	Impressions int `gorm:"not null;default:0" json:"impressions"`
	Likes       int `gorm:"not null;default:0" json:"likes"`
	Replies     int `gorm:"not null;default:0" json:"replies"`
	Retweets    int `gorm:"not null;default:0" json:"retweets"`
	Clicks      int `gorm:"not null;default:0" json:"clicks"`
	Engagements int `gorm:"not null;default:0" json:"engagements"`
}

type MetricsCollectionType string

const (
	MetricsSnapshot  MetricsCollectionType = "snapshot"
	MetricsConfirmed MetricsCollectionType = "confirmed"
)
