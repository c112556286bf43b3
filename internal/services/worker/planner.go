package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"xpilot/internal/clients/gemini"
	"xpilot/internal/models"
	"xpilot/internal/services/budget"
)

var urlRe = regexp.MustCompile(`https?://\S+`)

// PostDraft is one planned post before persistence.
type PostDraft struct {
	Type          models.PostType
	Text          string
	ThreadParts   []string
	TargetPostURL string
	AllowURL      bool
}

// PlanMix is the per-type split of a day's plan.
type PlanMix struct {
	Tweet  int
	Thread int
	Reply  int
	Quote  int
}

// ComputePlanMix splits n posts across types by the configured ratios.
// Reply and quote need target URLs; without any they fold into thread.
// A hard cap of 3 engagement posts protects the daily engagement
// budget, shaved from quote first.
func ComputePlanMix(n int, threadRatio, replyRatio, quoteRatio float64, haveTargets bool) PlanMix {
	if n <= 0 {
		return PlanMix{}
	}
	clamp := func(r float64) float64 {
		if r < 0 {
			return 0
		}
		return r
	}

	thread := min(n, int(float64(n)*clamp(threadRatio)))
	reply := min(n-thread, int(float64(n)*clamp(replyRatio)))
	quote := min(n-thread-reply, int(float64(n)*clamp(quoteRatio)))

	if !haveTargets {
		thread = min(n, thread+reply+quote)
		reply = 0
		quote = 0
	}

	if overflow := reply + quote - 3; overflow > 0 {
		shaved := min(overflow, quote)
		quote -= shaved
		overflow -= shaved
		reply -= min(overflow, reply)
	}

	tweet := n - thread - reply - quote
	if tweet < 0 {
		tweet = 0
	}
	return PlanMix{Tweet: tweet, Thread: thread, Reply: reply, Quote: quote}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func cleanText(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if len(collapsed) > 240 {
		collapsed = collapsed[:240]
	}
	return collapsed
}

func stripURLs(text string) string {
	return strings.TrimSpace(urlRe.ReplaceAllString(text, ""))
}

func appendOptionalURL(text, targetURL string, allowURL bool) string {
	clean := stripURLs(text)
	if allowURL && targetURL != "" {
		return strings.TrimSpace(clean + " " + targetURL)
	}
	return clean
}

// extractFacts pulls postable material out of the day's search snippets
// and fetch summaries, URLs stripped.
func extractFacts(searchLogs []models.SearchLog, fetchLogs []models.FetchLog) []string {
	var facts []string
	for _, log := range searchLogs {
		if len(log.Results) == 0 {
			continue
		}
		var payload gemini.SearchPayload
		if err := json.Unmarshal(log.Results, &payload); err != nil {
			continue
		}
		for _, item := range payload.Results {
			if snippet := stripURLs(cleanText(item.Snippet)); snippet != "" {
				facts = append(facts, snippet)
			}
		}
	}

	for _, log := range fetchLogs {
		if len(log.Summary) > 0 {
			var summary gemini.Summary
			if err := json.Unmarshal(log.Summary, &summary); err == nil {
				if text := stripURLs(cleanText(summary.Summary)); text != "" {
					facts = append(facts, text)
					continue
				}
			}
		}
		if log.ExtractedText != "" {
			if text := stripURLs(cleanText(log.ExtractedText)); text != "" {
				facts = append(facts, text)
			}
		}
	}
	return facts
}

func fallbackFacts(agentID int64, targetDate time.Time) []string {
	return []string{
		fmt.Sprintf("Agent %d focus for %s", agentID, targetDate.Format("2006-01-02")),
		"One useful lesson from recent work and a practical next step",
		"A short observation plus a concrete action for tomorrow",
	}
}

// buildPostDrafts assembles the next day's drafts from research
// material. Reserves the fixed plan cost before reading anything.
func (s *Service) buildPostDrafts(ctx context.Context, tx *gorm.DB, agentID int64, targetDate time.Time, postsPerDay int, ledger *budget.Ledger) ([]PostDraft, []models.TargetPostCandidate, error) {
	if postsPerDay <= 0 {
		return nil, nil, nil
	}

	if err := ledger.Reserve(ctx, 0, s.cfg.Budget.PlanLLMCost); err != nil {
		return nil, nil, err
	}

	var searchLogs []models.SearchLog
	if err := tx.Where("agent_id = ? AND date = ?", agentID, targetDate).
		Order("id ASC").Find(&searchLogs).Error; err != nil {
		return nil, nil, err
	}
	var fetchLogs []models.FetchLog
	if err := tx.Where("agent_id = ? AND date = ?", agentID, targetDate).
		Order("id ASC").Find(&fetchLogs).Error; err != nil {
		return nil, nil, err
	}
	var candidates []models.TargetPostCandidate
	if err := tx.Where("agent_id = ? AND date = ? AND used = ?", agentID, targetDate, false).
		Order("post_created_at ASC, id ASC").Find(&candidates).Error; err != nil {
		return nil, nil, err
	}

	facts := extractFacts(searchLogs, fetchLogs)
	if len(facts) == 0 {
		facts = fallbackFacts(agentID, targetDate)
	}
	targets := make([]string, len(candidates))
	for i, c := range candidates {
		targets[i] = c.URL
	}

	mix := ComputePlanMix(postsPerDay,
		s.cfg.Plan.ThreadRatio, s.cfg.Plan.ReplyRatio, s.cfg.Plan.QuoteRatio,
		len(targets) > 0)
	allowURL := s.cfg.Plan.AllowURLForValidation

	var drafts []PostDraft
	usedTargets := make(map[string]bool)

	for i := 0; i < mix.Tweet; i++ {
		text := appendOptionalURL("Insight: "+facts[i%len(facts)], "", false)
		drafts = append(drafts, PostDraft{Type: models.PostTypeTweet, Text: text})
	}

	for i := 0; i < mix.Thread; i++ {
		base := facts[(mix.Tweet+i)%len(facts)]
		parts := []string{
			stripURLs(fmt.Sprintf("Thread %d/2: %s", i+1, base)),
			stripURLs(fmt.Sprintf("Thread %d/2 action: verify impact and report observations.", i+1)),
		}
		drafts = append(drafts, PostDraft{Type: models.PostTypeThread, Text: parts[0], ThreadParts: parts})
	}

	for i := 0; i < mix.Reply; i++ {
		target := targets[i%len(targets)]
		usedTargets[target] = true
		drafts = append(drafts, PostDraft{
			Type:          models.PostTypeReply,
			Text:          appendOptionalURL("Thanks for the perspective. One practical point is to test assumptions.", target, allowURL),
			TargetPostURL: target,
			AllowURL:      allowURL,
		})
	}

	for i := 0; i < mix.Quote; i++ {
		target := targets[(mix.Reply+i)%len(targets)]
		usedTargets[target] = true
		drafts = append(drafts, PostDraft{
			Type:          models.PostTypeQuoteRT,
			Text:          appendOptionalURL("Useful context. We should compare with recent outcomes before scaling.", target, allowURL),
			TargetPostURL: target,
			AllowURL:      allowURL,
		})
	}

	var consumed []models.TargetPostCandidate
	for _, c := range candidates {
		if usedTargets[c.URL] {
			consumed = append(consumed, c)
		}
	}
	return drafts, consumed, nil
}

// persistDrafts writes planned posts for the day after target_date,
// deduplicating on (agent, content_hash, bucket date) and staggering
// schedule times in 5-minute steps after any already-planned posts.
func (s *Service) persistDrafts(ctx context.Context, tx *gorm.DB, agentID int64, targetDate time.Time, drafts []PostDraft, consumed []models.TargetPostCandidate) (int, error) {
	if len(drafts) == 0 {
		return 0, nil
	}

	loc := s.cfg.Worker.Location()
	scheduleDate := targetDate.AddDate(0, 0, 1)
	bucketDate := models.DateOnly(scheduleDate)
	baseTime := time.Date(
		scheduleDate.Year(), scheduleDate.Month(), scheduleDate.Day(),
		s.cfg.Worker.PostHour, s.cfg.Worker.PostMinute, 0, 0, loc)

	var existing int64
	if err := tx.Model(&models.Post{}).
		Where("agent_id = ? AND content_bucket_date = ?", agentID, bucketDate).
		Count(&existing).Error; err != nil {
		return 0, err
	}

	created := 0
	for _, draft := range drafts {
		hash := models.ContentHashFor(draft.Text, draft.ThreadParts)

		var duplicates int64
		if err := tx.Model(&models.Post{}).
			Where("agent_id = ? AND content_hash = ? AND content_bucket_date = ?", agentID, hash, bucketDate).
			Count(&duplicates).Error; err != nil {
			return created, err
		}
		if duplicates > 0 {
			continue
		}

		scheduledAt := baseTime.Add(time.Duration(existing+int64(created)) * 5 * time.Minute).UTC()
		post := models.Post{
			AgentID:           agentID,
			Content:           draft.Text,
			Type:              draft.Type,
			ScheduledAt:       &scheduledAt,
			AllowURL:          draft.AllowURL,
			ContentHash:       &hash,
			ContentBucketDate: &bucketDate,
		}
		if len(draft.ThreadParts) > 0 {
			parts, err := json.Marshal(draft.ThreadParts)
			if err != nil {
				return created, err
			}
			post.ThreadParts = parts
		}
		if draft.TargetPostURL != "" {
			url := draft.TargetPostURL
			post.TargetPostURL = &url
		}
		if err := tx.Create(&post).Error; err != nil {
			return created, err
		}
		created++
	}

	for _, c := range consumed {
		if err := tx.Model(&models.TargetPostCandidate{}).
			Where("id = ?", c.ID).Update("used", true).Error; err != nil {
			return created, err
		}
	}
	return created, nil
}
