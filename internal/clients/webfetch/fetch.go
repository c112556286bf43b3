package webfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"xpilot/internal/config"
)

// Result mirrors the FetchLog shape: one attempt with either extracted
// text or a failure reason.
type Result struct {
	URL           string
	Status        string
	HTTPStatus    *int
	ContentType   *string
	ContentLength *int
	ExtractedText string
	FailureReason string
}

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Fetcher is the page-fetch capability consumed by the daily routine.
type Fetcher interface {
	Fetch(ctx context.Context, url string) Result
}

// Client fetches pages with redirect, size and content-type limits and
// strips markup down to plain text.
type Client struct {
	timeout      time.Duration
	maxRedirects int
	maxBytes     int
	maxChars     int
	transport    http.RoundTripper
}

type Option func(*Client)

// WithTransport swaps the HTTP transport; used by tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

func NewClient(cfg config.FetchConfig, opts ...Option) *Client {
	c := &Client{
		timeout:      cfg.Timeout,
		maxRedirects: cfg.MaxRedirects,
		maxBytes:     cfg.MaxBytes,
		maxChars:     cfg.MaxChars,
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = 5
	}
	if c.maxBytes <= 0 {
		c.maxBytes = 1024 * 1024
	}
	if c.maxChars <= 0 {
		c.maxChars = 20000
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) httpClient() *http.Client {
	return &http.Client{
		Timeout:   c.timeout,
		Transport: c.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= c.maxRedirects {
				return fmt.Errorf("stopped after %d redirects", c.maxRedirects)
			}
			return nil
		},
	}
}

func (c *Client) Fetch(ctx context.Context, url string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{URL: url, Status: StatusFailed, FailureReason: err.Error()}
	}
	req.Header.Set("Accept", "text/html,text/plain")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Result{URL: url, Status: StatusFailed, FailureReason: err.Error()}
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	httpStatus := resp.StatusCode

	contentType := strings.ToLower(strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0]))
	var contentTypePtr *string
	if contentType != "" {
		contentTypePtr = &contentType
	}

	// One byte past the cap distinguishes "at the limit" from "over".
	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.maxBytes)+1))
	if err != nil {
		return Result{URL: finalURL, Status: StatusFailed, HTTPStatus: &httpStatus,
			ContentType: contentTypePtr, FailureReason: err.Error()}
	}
	contentLength := len(raw)

	if contentType != "" && contentType != "text/html" && contentType != "text/plain" {
		return Result{
			URL: finalURL, Status: StatusFailed, HTTPStatus: &httpStatus,
			ContentType: contentTypePtr, ContentLength: &contentLength,
			FailureReason: "unsupported_content_type",
		}
	}

	if contentLength > c.maxBytes {
		return Result{
			URL: finalURL, Status: StatusFailed, HTTPStatus: &httpStatus,
			ContentType: contentTypePtr, ContentLength: &contentLength,
			FailureReason: "max_bytes_exceeded",
		}
	}

	extracted := c.extractText(string(raw), contentType)
	return Result{
		URL: finalURL, Status: StatusSucceeded, HTTPStatus: &httpStatus,
		ContentType: contentTypePtr, ContentLength: &contentLength,
		ExtractedText: extracted,
	}
}

var (
	scriptRe     = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

func (c *Client) extractText(text, contentType string) string {
	normalized := text
	if contentType == "text/html" || (contentType == "" && strings.Contains(strings.ToLower(text), "<html")) {
		normalized = scriptRe.ReplaceAllString(normalized, " ")
		normalized = styleRe.ReplaceAllString(normalized, " ")
		normalized = tagRe.ReplaceAllString(normalized, " ")
	}
	normalized = strings.TrimSpace(whitespaceRe.ReplaceAllString(normalized, " "))
	if len(normalized) > c.maxChars {
		normalized = normalized[:c.maxChars]
	}
	return normalized
}
