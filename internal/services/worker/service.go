package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"xpilot/internal/clients/gemini"
	"xpilot/internal/clients/webfetch"
	"xpilot/internal/clients/x"
	"xpilot/internal/config"
	"xpilot/internal/services/guard"
	"xpilot/internal/services/oauth"
)

// Searcher is the per-source search capability. The web source is
// backed by Gemini grounding, the x source by the platform's recent
// search; both normalize to the same payload.
type Searcher interface {
	Search(ctx context.Context, query string, k int) (gemini.SearchPayload, error)
}

// Service runs the daily routine, the posting worker and usage
// reconciliation against one database.
type Service struct {
	db    *gorm.DB
	cfg   *config.Config
	guard *guard.Manager

	reader  x.Reader
	poster  x.Poster
	targets x.TargetSource

	// tokens is nil in fake mode; the posting worker then publishes
	// without per-agent OAuth acquisition.
	tokens *oauth.Manager

	xSearch    Searcher
	webSearch  Searcher
	summarizer gemini.Summarizer
	fetcher    webfetch.Fetcher
}

type Option func(*Service)

func WithTokenManager(m *oauth.Manager) Option {
	return func(s *Service) { s.tokens = m }
}

func WithSearchers(xSearch, webSearch Searcher) Option {
	return func(s *Service) {
		s.xSearch = xSearch
		s.webSearch = webSearch
	}
}

func WithSummarizer(sum gemini.Summarizer) Option {
	return func(s *Service) { s.summarizer = sum }
}

func WithFetcher(f webfetch.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

func NewService(db *gorm.DB, cfg *config.Config, reader x.Reader, poster x.Poster, targets x.TargetSource, opts ...Option) *Service {
	s := &Service{
		db:      db,
		cfg:     cfg,
		guard:   guard.NewManager(db),
		reader:  reader,
		poster:  poster,
		targets: targets,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FakeSearcher returns one deterministic result per query so the
// research and planning steps are reproducible without API keys.
type FakeSearcher struct {
	Source string
}

func (f FakeSearcher) Search(ctx context.Context, query string, k int) (gemini.SearchPayload, error) {
	return gemini.SearchPayload{
		Results: []gemini.SearchResult{{
			Title:   fmt.Sprintf("%s result for %s", f.Source, query),
			Snippet: fmt.Sprintf("Key finding from %s search: %s has one practical takeaway worth posting about today.", f.Source, query),
			URL:     fmt.Sprintf("https://example.com/%s/%d", f.Source, hashString(query)),
		}},
		Notes: gemini.SearchNotes{Grounded: false},
	}, nil
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// researchQueries derives the day's search queries from the agent topic
// and target date. Deterministic so re-runs hit the same SearchLog
// dedupe path.
func (s *Service) researchQueries(targetDate time.Time) []string {
	topic := s.cfg.Worker.ResearchTopic
	return []string{
		fmt.Sprintf("%s %s", topic, targetDate.Format("2006-01-02")),
		fmt.Sprintf("%s 比較 方法", topic),
	}
}
