package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"xpilot/internal/logger"
	"xpilot/internal/models"
	"xpilot/internal/services/metrics"
	"xpilot/internal/services/oauth"
)

func accountIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
}

// handleOAuthStart redirects the operator to the provider authorize URL
// after persisting the handshake state.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		respondError(w, http.StatusServiceUnavailable, "oauth_not_configured")
		return
	}
	accountID, err := accountIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_account_id")
		return
	}

	url, err := s.oauth.StartAuthorize(r.Context(), accountID, time.Now().UTC())
	if errors.Is(err, oauth.ErrAccountNotFound) {
		respondError(w, http.StatusNotFound, "account_not_found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "oauth_start_failed")
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// handleOAuthCallback consumes the provider redirect. The state row is
// single-use; a replay gets oauth_state_invalid.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		respondError(w, http.StatusServiceUnavailable, "oauth_not_configured")
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		respondError(w, http.StatusBadRequest, "oauth_state_invalid")
		return
	}

	accountID, err := s.oauth.HandleCallback(r.Context(), state, code, time.Now().UTC())
	if errors.Is(err, oauth.ErrStateInvalid) {
		respondError(w, http.StatusBadRequest, "oauth_state_invalid")
		return
	}
	var tokenErr *oauth.TokenRequestError
	if errors.As(err, &tokenErr) {
		respondError(w, http.StatusBadGateway, tokenErr.Code())
		return
	}
	if errors.Is(err, oauth.ErrTokenInvalid) {
		respondError(w, http.StatusBadGateway, "x_oauth_token_invalid")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "oauth_callback_failed")
		return
	}

	http.Redirect(w, r, fmt.Sprintf("/accounts/%d/auth/x?connected=1", accountID), http.StatusFound)
}

func (s *Server) handleOAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		respondError(w, http.StatusServiceUnavailable, "oauth_not_configured")
		return
	}

	accountID, err := accountIDParam(r)
	if err != nil || accountID == 0 {
		respondError(w, http.StatusBadRequest, "invalid_account_id")
		return
	}

	err = s.oauth.Refresh(r.Context(), accountID)
	if errors.Is(err, oauth.ErrTokenNotFound) {
		respondError(w, http.StatusNotFound, "x_auth_token_not_found")
		return
	}
	var tokenErr *oauth.TokenRequestError
	if errors.As(err, &tokenErr) {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		s.auditRefresh(r, accountID, models.AuditFailed, tokenErr.Code())
		respondError(w, http.StatusBadGateway, tokenErr.Code())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "oauth_refresh_failed")
		return
	}

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	s.auditRefresh(r, accountID, models.AuditSuccess, "")
	respondJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleOAuthStatus(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		respondError(w, http.StatusServiceUnavailable, "oauth_not_configured")
		return
	}
	accountID, err := accountIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_account_id")
		return
	}

	token, err := s.oauth.TokenStatus(r.Context(), accountID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database_error")
		return
	}
	if token == nil {
		respondJSON(w, http.StatusOK, map[string]any{"connected": false})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"connected":  true,
		"expires_at": token.ExpiresAt,
		"scope":      token.Scope,
		"token_type": token.TokenType,
	})
}

// auditRefresh records manual refresh outcomes so they count toward the
// same failure streak the posting worker watches.
func (s *Server) auditRefresh(r *http.Request, accountID int64, status models.AuditStatus, reason string) {
	var agent models.Agent
	if err := s.db.WithContext(r.Context()).
		Where("account_id = ?", accountID).
		Order("id ASC").First(&agent).Error; err != nil {
		return
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if err := s.guard.RecordAudit(r.Context(), agent.ID, time.Now().UTC(),
		models.AuditSourceOAuth, models.AuditEventRefresh, status, reasonPtr, nil); err != nil {
		logger.Error("refresh audit failed", zap.Error(err))
	}
}
