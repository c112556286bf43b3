package x

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xpilot/internal/models"
)

const defaultBaseURL = "https://api.x.com/2"

// APIError is a failed platform round-trip; StatusCode is zero for
// transport-level failures.
type APIError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("x api request failed: %s status=%d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("x api request failed: %s: %v", e.Path, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// RealClient reads the platform API with an app bearer token. It
// implements Reader and TargetSource.
type RealClient struct {
	bearerToken string
	userID      string
	baseURL     string
	http        *http.Client
}

type RealClientOption func(*RealClient)

func WithBaseURL(u string) RealClientOption {
	return func(c *RealClient) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) RealClientOption {
	return func(c *RealClient) { c.http = h }
}

func NewRealClient(bearerToken, userID string, opts ...RealClientOption) (*RealClient, error) {
	if bearerToken == "" {
		return nil, fmt.Errorf("X_BEARER_TOKEN is required when USE_REAL_X=1")
	}
	c := &RealClient{
		bearerToken: bearerToken,
		userID:      userID,
		baseURL:     defaultBaseURL,
		http:        &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RealClient) getJSON(ctx context.Context, path string, params url.Values, dest any) error {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &APIError{Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Path: path, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Path: path, Err: err}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &APIError{Path: path, Err: err}
	}
	return nil
}

// ResolveUserID returns the configured user id, or looks it up via
// /users/me. A 401/403 maps to ErrMissingUserID so callers can skip.
func (c *RealClient) ResolveUserID(ctx context.Context) (string, error) {
	if c.userID != "" {
		return c.userID, nil
	}

	var payload struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := c.getJSON(ctx, "users/me", nil, &payload)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return "", ErrMissingUserID
		}
		return "", err
	}
	if payload.Data.ID == "" {
		return "", ErrMissingUserID
	}
	c.userID = payload.Data.ID
	return c.userID, nil
}

type tweetItem struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	CreatedAt   string `json:"created_at"`
	Attachments struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

func (c *RealClient) ListPosts(ctx context.Context, agentID int64, targetDate time.Time) ([]ExternalPost, error) {
	userID, err := c.ResolveUserID(ctx)
	if err != nil {
		return nil, err
	}

	day := models.DateOnly(targetDate)
	start := day
	end := day.Add(24 * time.Hour)

	params := url.Values{
		"max_results":  {"100"},
		"tweet.fields": {"created_at,attachments"},
		"expansions":   {"attachments.media_keys"},
		"media.fields": {"url,preview_image_url"},
		"start_time":   {start.Format(time.RFC3339)},
		"end_time":     {end.Format(time.RFC3339)},
	}

	var payload struct {
		Data     []tweetItem `json:"data"`
		Includes struct {
			Media []struct {
				MediaKey        string `json:"media_key"`
				URL             string `json:"url"`
				PreviewImageURL string `json:"preview_image_url"`
			} `json:"media"`
		} `json:"includes"`
	}
	if err := c.getJSON(ctx, "users/"+userID+"/tweets", params, &payload); err != nil {
		return nil, err
	}

	mediaByKey := make(map[string]string, len(payload.Includes.Media))
	for _, m := range payload.Includes.Media {
		u := m.URL
		if u == "" {
			u = m.PreviewImageURL
		}
		if m.MediaKey != "" && u != "" {
			mediaByKey[m.MediaKey] = u
		}
	}

	var posts []ExternalPost
	for _, item := range payload.Data {
		if item.ID == "" || item.CreatedAt == "" {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339, item.CreatedAt)
		if err != nil {
			continue
		}
		if createdAt.Before(start) || !createdAt.Before(end) {
			continue
		}
		var media []string
		for _, key := range item.Attachments.MediaKeys {
			if u, ok := mediaByKey[key]; ok {
				media = append(media, u)
			}
		}
		posts = append(posts, ExternalPost{
			ExternalID: item.ID,
			PostedAt:   createdAt.UTC(),
			Text:       item.Text,
			Type:       models.PostTypeTweet,
			MediaURLs:  media,
		})
	}
	return posts, nil
}

func (c *RealClient) GetPostMetrics(ctx context.Context, post ExternalPost) (ExternalPostMetrics, error) {
	params := url.Values{
		"ids":          {post.ExternalID},
		"tweet.fields": {"public_metrics,organic_metrics,non_public_metrics"},
	}
	var payload struct {
		Data []struct {
			PublicMetrics struct {
				LikeCount    int `json:"like_count"`
				ReplyCount   int `json:"reply_count"`
				RetweetCount int `json:"retweet_count"`
			} `json:"public_metrics"`
			OrganicMetrics struct {
				ImpressionCount int `json:"impression_count"`
				URLLinkClicks   int `json:"url_link_clicks"`
			} `json:"organic_metrics"`
			NonPublicMetrics struct {
				ImpressionCount int `json:"impression_count"`
				URLLinkClicks   int `json:"url_link_clicks"`
			} `json:"non_public_metrics"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "tweets", params, &payload); err != nil {
		return ExternalPostMetrics{}, err
	}
	if len(payload.Data) == 0 {
		return ExternalPostMetrics{ExternalID: post.ExternalID}, nil
	}

	tweet := payload.Data[0]
	impressions := tweet.OrganicMetrics.ImpressionCount
	if impressions == 0 {
		impressions = tweet.NonPublicMetrics.ImpressionCount
	}
	clicks := tweet.OrganicMetrics.URLLinkClicks
	if clicks == 0 {
		clicks = tweet.NonPublicMetrics.URLLinkClicks
	}
	return ExternalPostMetrics{
		ExternalID:             post.ExternalID,
		Impressions:            impressions,
		Likes:                  tweet.PublicMetrics.LikeCount,
		Replies:                tweet.PublicMetrics.ReplyCount,
		Retweets:               tweet.PublicMetrics.RetweetCount,
		Clicks:                 clicks,
		ImpressionsUnavailable: impressions == 0,
	}, nil
}

func (c *RealClient) GetDailyUsage(ctx context.Context, date time.Time) (Usage, error) {
	day := models.DateOnly(date)
	params := url.Values{
		"start_time": {day.Format(time.RFC3339)},
		"end_time":   {day.Add(24 * time.Hour).Format(time.RFC3339)},
	}

	var payload json.RawMessage
	if err := c.getJSON(ctx, "usage/tweets", params, &payload); err != nil {
		return Usage{}, err
	}

	return Usage{Date: day, Units: extractUsageUnits(payload), Raw: payload}, nil
}

// extractUsageUnits tolerates the usage endpoint's shape variants: a
// list of {usage}, a single {usage}, or {totals: {usage}}.
func extractUsageUnits(raw json.RawMessage) int64 {
	var asList struct {
		Data []struct {
			Usage json.Number `json:"usage"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &asList); err == nil && len(asList.Data) > 0 {
		var total int64
		for _, item := range asList.Data {
			n, _ := item.Usage.Int64()
			total += n
		}
		return total
	}

	var asObject struct {
		Data struct {
			Usage  json.Number `json:"usage"`
			Totals struct {
				Usage json.Number `json:"usage"`
			} `json:"totals"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		if n, err := asObject.Data.Usage.Int64(); err == nil && n != 0 {
			return n
		}
		if n, err := asObject.Data.Totals.Usage.Int64(); err == nil {
			return n
		}
	}
	return 0
}

// ListTargetPosts harvests recent posts from watched handles, bounded
// by limit and perHandle.
func (c *RealClient) ListTargetPosts(ctx context.Context, agentID int64, handles []string, limit int) ([]TargetPost, error) {
	if limit <= 0 {
		return nil, nil
	}
	const perHandle = 5

	var posts []TargetPost
	for _, handle := range handles {
		normalized := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(handle, "@")))
		if normalized == "" {
			continue
		}

		var user struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := c.getJSON(ctx, "users/by/username/"+normalized, nil, &user); err != nil || user.Data.ID == "" {
			continue
		}

		var tweets struct {
			Data []tweetItem `json:"data"`
		}
		params := url.Values{
			"max_results":  {strconv.Itoa(perHandle)},
			"tweet.fields": {"created_at"},
		}
		if err := c.getJSON(ctx, "users/"+user.Data.ID+"/tweets", params, &tweets); err != nil {
			continue
		}

		for _, item := range tweets.Data {
			if item.ID == "" {
				continue
			}
			createdAt, err := time.Parse(time.RFC3339, item.CreatedAt)
			if err != nil {
				createdAt = time.Now().UTC()
			}
			posts = append(posts, TargetPost{
				ExternalID:   item.ID,
				URL:          fmt.Sprintf("https://x.com/%s/status/%s", normalized, item.ID),
				AuthorHandle: normalized,
				Text:         item.Text,
				CreatedAt:    createdAt.UTC(),
			})
			if len(posts) >= limit {
				return posts, nil
			}
		}
	}
	return posts, nil
}

// TokenProvider yields a fresh user access token for an agent; the
// posting worker backs it with the OAuth token manager.
type TokenProvider interface {
	AccessTokenForAgent(ctx context.Context, agentID int64) (string, error)
}

// RealPoster publishes with per-agent OAuth user tokens.
type RealPoster struct {
	tokens  TokenProvider
	baseURL string
	http    *http.Client
}

type RealPosterOption func(*RealPoster)

func WithPosterBaseURL(u string) RealPosterOption {
	return func(p *RealPoster) { p.baseURL = strings.TrimRight(u, "/") }
}

func WithPosterHTTPClient(h *http.Client) RealPosterOption {
	return func(p *RealPoster) { p.http = h }
}

func NewRealPoster(tokens TokenProvider, opts ...RealPosterOption) *RealPoster {
	p := &RealPoster{
		tokens:  tokens,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type createTweetRequest struct {
	Text  string `json:"text"`
	Reply *struct {
		InReplyToTweetID string `json:"in_reply_to_tweet_id"`
	} `json:"reply,omitempty"`
	QuoteTweetID string `json:"quote_tweet_id,omitempty"`
}

func (p *RealPoster) createTweet(ctx context.Context, agentID int64, body createTweetRequest) (string, error) {
	token, err := p.tokens.AccessTokenForAgent(ctx, agentID)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/tweets", bytes.NewReader(payload))
	if err != nil {
		return "", &APIError{Path: "tweets", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", &APIError{Path: "tweets", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{Path: "tweets", StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &APIError{Path: "tweets", Err: err}
	}
	if parsed.Data.ID == "" {
		return "", &APIError{Path: "tweets", Err: fmt.Errorf("post response missing tweet id")}
	}
	return parsed.Data.ID, nil
}

func (p *RealPoster) PostText(ctx context.Context, agentID int64, text string) (string, error) {
	return p.createTweet(ctx, agentID, createTweetRequest{Text: text})
}

// PostThread publishes parts as a reply chain and returns the root id.
func (p *RealPoster) PostThread(ctx context.Context, agentID int64, parts []string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("thread_parts_required")
	}

	rootID, err := p.createTweet(ctx, agentID, createTweetRequest{Text: parts[0]})
	if err != nil {
		return "", err
	}
	previousID := rootID
	for _, part := range parts[1:] {
		req := createTweetRequest{Text: part}
		req.Reply = &struct {
			InReplyToTweetID string `json:"in_reply_to_tweet_id"`
		}{InReplyToTweetID: previousID}
		id, err := p.createTweet(ctx, agentID, req)
		if err != nil {
			return "", err
		}
		previousID = id
	}
	return rootID, nil
}

func (p *RealPoster) PostReply(ctx context.Context, agentID int64, targetPostURL, text string) (string, error) {
	tweetID := ExtractTweetID(targetPostURL)
	if tweetID == "" {
		return "", fmt.Errorf("invalid_target_url")
	}
	req := createTweetRequest{Text: text}
	req.Reply = &struct {
		InReplyToTweetID string `json:"in_reply_to_tweet_id"`
	}{InReplyToTweetID: tweetID}
	return p.createTweet(ctx, agentID, req)
}

func (p *RealPoster) PostQuoteRT(ctx context.Context, agentID int64, targetPostURL, text string) (string, error) {
	tweetID := ExtractTweetID(targetPostURL)
	if tweetID == "" {
		return "", fmt.Errorf("invalid_target_url")
	}
	return p.createTweet(ctx, agentID, createTweetRequest{Text: text, QuoteTweetID: tweetID})
}
