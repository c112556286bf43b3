package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"xpilot/internal/logger"
	"xpilot/internal/models"
	"xpilot/internal/services/cache"
	"xpilot/internal/services/ratelimit"
)

const dashboardTTL = 60 * time.Second

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			logger.Error("response encode failed", zap.Error(err))
		}
	}
}

func respondError(w http.ResponseWriter, status int, code string) {
	respondJSON(w, status, map[string]string{"error": code})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func agentIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "agentID"), 10, 64)
}

// appWideUsage is the latest measured platform usage row (agent 0).
type appWideUsage struct {
	Date           string   `json:"date"`
	XUsageUnits    *int64   `json:"x_usage_units,omitempty"`
	XAPICostActual *float64 `json:"x_api_cost_actual,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var agents []models.Agent
	if err := s.db.WithContext(r.Context()).Order("id ASC").Find(&agents).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	payload := map[string]any{
		"date":   models.DateOnly(time.Now().UTC()).Format("2006-01-02"),
		"agents": agents,
	}

	var usage models.CostLog
	err := s.db.WithContext(r.Context()).
		Where("agent_id = ? AND x_usage_units IS NOT NULL", 0).
		Order("date DESC").First(&usage).Error
	if err == nil {
		payload["app_wide_usage"] = appWideUsage{
			Date:           usage.Date.Format("2006-01-02"),
			XUsageUnits:    usage.XUsageUnits,
			XAPICostActual: usage.XAPICostActual,
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	respondJSON(w, http.StatusOK, payload)
}

type agentDetail struct {
	Agent      models.Agent               `json:"agent"`
	PDCAs      []models.DailyPDCA         `json:"pdcas"`
	Engagement ratelimit.EngagementStatus `json:"engagement"`
	Costs      []models.CostLog           `json:"costs"`
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_agent_id")
		return
	}

	now := time.Now().UTC()
	cacheKey := cache.DashboardKey(agentID, now)

	var cached agentDetail
	if err := s.cache.Get(r.Context(), cacheKey, &cached); err == nil {
		respondJSON(w, http.StatusOK, cached)
		return
	}

	var agent models.Agent
	err = s.db.WithContext(r.Context()).First(&agent, "id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	var pdcas []models.DailyPDCA
	if err := s.db.WithContext(r.Context()).
		Where("agent_id = ?", agentID).
		Order("date DESC").Limit(7).
		Find(&pdcas).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	limiter := ratelimit.NewEngagementLimiter(s.db, agentID, now, 0)
	engagement, err := limiter.Status(r.Context(), models.ActionReply)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	var costs []models.CostLog
	if err := s.db.WithContext(r.Context()).
		Where("agent_id = ? AND date >= ?", agentID, models.DateOnly(now).AddDate(0, 0, -7)).
		Order("date DESC").
		Find(&costs).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	detail := agentDetail{Agent: agent, PDCAs: pdcas, Engagement: engagement, Costs: costs}
	if err := s.cache.Set(r.Context(), cacheKey, detail, dashboardTTL); err != nil {
		logger.Warn("dashboard cache write failed", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, detail)
}

type agentPatch struct {
	DailyBudget    *float64           `json:"daily_budget"`
	BudgetSplitX   *float64           `json:"budget_split_x"`
	BudgetSplitLLM *float64           `json:"budget_split_llm"`
	FeatureToggles *datatypes.JSONMap `json:"feature_toggles"`
}

func (p agentPatch) empty() bool {
	return p.DailyBudget == nil && p.BudgetSplitX == nil &&
		p.BudgetSplitLLM == nil && p.FeatureToggles == nil
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_agent_id")
		return
	}

	var patch agentPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if patch.empty() {
		respondError(w, http.StatusBadRequest, "empty_patch")
		return
	}
	if patch.DailyBudget != nil && *patch.DailyBudget < 0 {
		respondError(w, http.StatusBadRequest, "daily_budget_invalid")
		return
	}
	if (patch.BudgetSplitX != nil && *patch.BudgetSplitX < 0) ||
		(patch.BudgetSplitLLM != nil && *patch.BudgetSplitLLM < 0) {
		respondError(w, http.StatusBadRequest, "daily_budget_invalid")
		return
	}

	var agent models.Agent
	err = s.db.WithContext(r.Context()).First(&agent, "id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	diff := map[string]any{}
	if patch.DailyBudget != nil && *patch.DailyBudget != agent.DailyBudget {
		diff["daily_budget"] = map[string]float64{"from": agent.DailyBudget, "to": *patch.DailyBudget}
		agent.DailyBudget = *patch.DailyBudget
	}
	if patch.BudgetSplitX != nil && *patch.BudgetSplitX != agent.BudgetSplitX {
		diff["budget_split_x"] = map[string]float64{"from": agent.BudgetSplitX, "to": *patch.BudgetSplitX}
		agent.BudgetSplitX = *patch.BudgetSplitX
	}
	if patch.BudgetSplitLLM != nil && *patch.BudgetSplitLLM != agent.BudgetSplitLLM {
		diff["budget_split_llm"] = map[string]float64{"from": agent.BudgetSplitLLM, "to": *patch.BudgetSplitLLM}
		agent.BudgetSplitLLM = *patch.BudgetSplitLLM
	}
	if patch.FeatureToggles != nil {
		diff["feature_toggles"] = map[string]any{"to": *patch.FeatureToggles}
		agent.FeatureToggles = *patch.FeatureToggles
	}

	if err := s.db.WithContext(r.Context()).Save(&agent).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	if len(diff) > 0 {
		payload, _ := json.Marshal(diff)
		if err := s.guard.RecordAudit(r.Context(), agentID, time.Now().UTC(),
			models.AuditSourceDashboard, models.AuditEventAgentUpdate,
			models.AuditSuccess, nil, payload); err != nil {
			logger.Error("agent update audit failed", zap.Error(err))
		}
	}

	s.invalidateDashboard(r, agentID)
	respondJSON(w, http.StatusOK, agent)
}

type stopRequest struct {
	Reason    string     `json:"reason"`
	StopUntil *time.Time `json:"stop_until"`
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_agent_id")
		return
	}

	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, "reason_required")
		return
	}

	err = s.guard.Stop(r.Context(), agentID, time.Now().UTC(), req.Reason, req.StopUntil)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	s.invalidateDashboard(r, agentID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_agent_id")
		return
	}

	err = s.guard.Resume(r.Context(), agentID, time.Now().UTC())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "agent_not_found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	s.invalidateDashboard(r, agentID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	agentID, err := agentIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_agent_id")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			respondError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}

	var logs []models.AuditLog
	if err := s.db.WithContext(r.Context()).
		Where("agent_id = ?", agentID).
		Order("id DESC").Limit(limit).
		Find(&logs).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (s *Server) handleConfigDefaults(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"posts_per_day":          s.cfg.Worker.PostsPerDay,
		"posting_poll_seconds":   s.cfg.Worker.PostingPollSeconds,
		"x_search_max":           s.cfg.Limits.XSearchMax,
		"web_search_max":         s.cfg.Limits.WebSearchMax,
		"web_fetch_max":          s.cfg.Limits.WebFetchMax,
		"reply_quote_daily_max":  ratelimit.DefaultEngagementLimit,
		"plan_llm_cost":          s.cfg.Budget.PlanLLMCost,
		"x_search_cost":          s.cfg.Budget.XSearchCost,
		"web_search_cost":        s.cfg.Budget.WebSearchCost,
		"web_fetch_llm_cost":     s.cfg.Budget.WebFetchLLMCost,
		"web_summarize_llm_cost": s.cfg.Budget.WebSummarizeLLMCost,
		"target_post_fetch_cost": s.cfg.Budget.TargetPostFetchCost,
	})
}

func (s *Server) invalidateDashboard(r *http.Request, agentID int64) {
	key := cache.DashboardKey(agentID, time.Now().UTC())
	if err := s.cache.Invalidate(r.Context(), key); err != nil {
		logger.Warn("dashboard cache invalidation failed",
			zap.Int64("agent_id", agentID), zap.Error(err))
	}
}
