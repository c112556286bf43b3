package worker

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"xpilot/internal/clients/gemini"
	"xpilot/internal/clients/webfetch"
	"xpilot/internal/logger"
	"xpilot/internal/models"
	"xpilot/internal/services/budget"
	"xpilot/internal/services/ratelimit"
)

// Search skip reasons recorded on SearchLog rows.
const (
	skipSearchFailed         = "gemini_search_failed"
	skipSearchBudgetExceeded = "search_budget_exceeded"
	skipSearchRateLimited    = "search_rate_limited"
)

// Fetch skip reasons recorded on FetchLog rows.
const (
	skipFetchRateLimited    = "fetch_rate_limited"
	skipFetchBudgetExceeded = "fetch_budget_exceeded"
)

// harvestTargets pulls recent posts from the watched handles into
// TargetPostCandidate rows, bounded by one cost reservation. Duplicate
// URLs for the day are left untouched.
func (s *Service) harvestTargets(ctx context.Context, tx *gorm.DB, agentID int64, targetDate time.Time, ledger *budget.Ledger) (int, error) {
	handles := splitHandles(s.cfg.Worker.TargetHandles)
	if len(handles) == 0 || s.targets == nil {
		return 0, nil
	}

	if err := ledger.Reserve(ctx, s.cfg.Budget.TargetPostFetchCost, 0); err != nil {
		return 0, err
	}

	posts, err := s.targets.ListTargetPosts(ctx, agentID, handles, 10)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, post := range posts {
		var existing int64
		if err := tx.Model(&models.TargetPostCandidate{}).
			Where("agent_id = ? AND date = ? AND url = ?", agentID, targetDate, post.URL).
			Count(&existing).Error; err != nil {
			return created, err
		}
		if existing > 0 {
			continue
		}
		candidate := models.TargetPostCandidate{
			AgentID:       agentID,
			Date:          targetDate,
			URL:           post.URL,
			Text:          post.Text,
			PostCreatedAt: post.CreatedAt,
		}
		if err := tx.Create(&candidate).Error; err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func splitHandles(raw string) []string {
	var handles []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			handles = append(handles, trimmed)
		}
	}
	return handles
}

type searchAttempt struct {
	source  models.SearchSource
	querier Searcher
	xCost   float64
	llmCost float64
}

// runResearch executes the per-query, per-source search attempts. Every
// attempt leaves a SearchLog row; failures record a skip reason instead
// of results.
func (s *Service) runResearch(ctx context.Context, tx *gorm.DB, agentID int64, targetDate time.Time, ledger *budget.Ledger) (int, error) {
	attempts := []searchAttempt{
		{source: models.SearchSourceX, querier: s.xSearch, xCost: s.cfg.Budget.XSearchCost},
		{source: models.SearchSourceWeb, querier: s.webSearch, llmCost: s.cfg.Budget.WebSearchCost},
	}
	limiter := ratelimit.NewSearchLimiter(tx, agentID, targetDate, s.cfg.Limits.XSearchMax, s.cfg.Limits.WebSearchMax)

	logged := 0
	for _, query := range s.researchQueries(targetDate) {
		for _, attempt := range attempts {
			if attempt.querier == nil {
				continue
			}

			row := models.SearchLog{
				AgentID: agentID,
				Date:    targetDate,
				Source:  attempt.source,
				Query:   query,
			}

			limited, err := limiter.IsLimited(ctx, attempt.source, 1)
			if err != nil {
				return logged, err
			}

			switch {
			case limited:
				row.Results = skipPayload(skipSearchRateLimited)
			case ledger.Reserve(ctx, attempt.xCost, attempt.llmCost) != nil:
				row.Results = skipPayload(skipSearchBudgetExceeded)
			default:
				row.CostEstimate = models.Round2(attempt.xCost + attempt.llmCost)
				payload, err := attempt.querier.Search(ctx, query, s.cfg.Limits.SearchTopK)
				if err != nil {
					logger.Warn("search attempt failed",
						zap.Int64("agent_id", agentID),
						zap.String("source", string(attempt.source)),
						zap.Error(err))
					row.Results = skipPayload(skipSearchFailed)
				} else {
					data, err := json.Marshal(payload)
					if err != nil {
						return logged, err
					}
					row.Results = data
				}
			}

			if err := tx.Create(&row).Error; err != nil {
				return logged, err
			}
			logged++
		}
	}
	return logged, nil
}

func skipPayload(reason string) []byte {
	data, _ := json.Marshal(map[string]string{"status": "skipped", "reason": reason})
	return data
}

// fetchKeywords is the deterministic "this query demands a page"
// heuristic.
var fetchKeywords = []string{"方法", "手順", "比較", "料金", "変更"}

func needsFetch(query, snippet string) bool {
	for _, keyword := range fetchKeywords {
		if strings.Contains(query, keyword) {
			return true
		}
	}
	if utf8.RuneCountInString(snippet) < 60 {
		return true
	}
	return strings.Contains(snippet, "...") || strings.Contains(snippet, "詳細")
}

// runFetches walks the day's web search rows and fetches at most one
// URL per row when the query or snippet suggests the page is needed.
func (s *Service) runFetches(ctx context.Context, tx *gorm.DB, agentID int64, targetDate time.Time, ledger *budget.Ledger) (int, error) {
	if s.fetcher == nil {
		return 0, nil
	}

	var searchLogs []models.SearchLog
	if err := tx.Where("agent_id = ? AND date = ? AND source = ?", agentID, targetDate, models.SearchSourceWeb).
		Order("id ASC").Find(&searchLogs).Error; err != nil {
		return 0, err
	}

	limiter := ratelimit.NewFetchLimiter(tx, agentID, targetDate, s.cfg.Limits.WebFetchMax)
	processed := 0

	for _, log := range searchLogs {
		if len(log.Results) == 0 {
			continue
		}
		var payload gemini.SearchPayload
		if err := json.Unmarshal(log.Results, &payload); err != nil || len(payload.Results) == 0 {
			continue
		}

		first := payload.Results[0]
		if !needsFetch(log.Query, first.Snippet) {
			continue
		}

		row := models.FetchLog{AgentID: agentID, Date: targetDate, URL: first.URL}

		limited, err := limiter.IsLimited(ctx, 1)
		if err != nil {
			return processed, err
		}

		switch {
		case limited:
			row.Status = models.FetchSkipped
			reason := skipFetchRateLimited
			row.FailureReason = &reason
		case ledger.Reserve(ctx, 0, s.cfg.Budget.WebFetchLLMCost) != nil:
			row.Status = models.FetchSkipped
			reason := skipFetchBudgetExceeded
			row.FailureReason = &reason
		default:
			row.CostEstimate = models.Round2(s.cfg.Budget.WebFetchLLMCost)
			result := s.fetcher.Fetch(ctx, first.URL)
			row.URL = result.URL
			row.Status = models.FetchStatus(result.Status)
			row.HTTPStatus = result.HTTPStatus
			row.ContentType = result.ContentType
			row.ContentLength = result.ContentLength
			row.ExtractedText = result.ExtractedText
			if result.FailureReason != "" {
				reason := result.FailureReason
				row.FailureReason = &reason
			}

			if result.Status == webfetch.StatusSucceeded && s.summarizer != nil {
				if err := ledger.Reserve(ctx, 0, s.cfg.Budget.WebSummarizeLLMCost); err == nil {
					row.CostEstimate = models.Round2(row.CostEstimate + s.cfg.Budget.WebSummarizeLLMCost)
					summary, err := s.summarizer.Summarize(ctx, result.ExtractedText)
					if err != nil {
						logger.Warn("summarize failed",
							zap.Int64("agent_id", agentID), zap.Error(err))
					} else if data, err := json.Marshal(summary); err == nil {
						row.Summary = data
					}
				}
			}
		}

		if err := tx.Create(&row).Error; err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}
