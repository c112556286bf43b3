package oauth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"xpilot/internal/logger"
	"xpilot/internal/models"
)

// SkewMargin absorbs clock skew against the provider: a token expiring
// within this window counts as stale.
const SkewMargin = 2 * time.Minute

// StateTTL bounds how long a started handshake may wait for the
// callback.
const StateTTL = 10 * time.Minute

var (
	ErrAccountNotFound = errors.New("account_not_found")
	ErrStateInvalid    = errors.New("oauth_state_invalid")
	ErrTokenNotFound   = errors.New("x_auth_token_not_found")
	ErrTokenInvalid    = errors.New("x_oauth_token_invalid")
)

// TokenExchanger is the provider surface the manager needs; *Client
// satisfies it and tests substitute a fake.
type TokenExchanger interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Manager owns the PKCE handshake state and the per-account token rows.
type Manager struct {
	db       *gorm.DB
	provider TokenExchanger
}

func NewManager(db *gorm.DB, provider TokenExchanger) *Manager {
	return &Manager{db: db, provider: provider}
}

// StartAuthorize begins the handshake for an account: persists a fresh
// (state, verifier) pair, prunes expired ones, and returns the provider
// authorize URL to redirect the user to.
func (m *Manager) StartAuthorize(ctx context.Context, accountID int64, now time.Time) (string, error) {
	var account models.Account
	err := m.db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", err
	}

	state, err := GenerateState()
	if err != nil {
		return "", err
	}
	verifier, err := GenerateVerifier()
	if err != nil {
		return "", err
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at < ?", now).Delete(&models.OAuthState{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.OAuthState{
			AccountID:    accountID,
			State:        state,
			CodeVerifier: verifier,
			ExpiresAt:    now.Add(StateTTL),
		}).Error
	})
	if err != nil {
		return "", err
	}

	return m.provider.AuthCodeURL(state, verifier), nil
}

// HandleCallback consumes a state row and redeems the code. The state
// row is deleted before the token request so it can never be replayed.
func (m *Manager) HandleCallback(ctx context.Context, state, code string, now time.Time) (int64, error) {
	var saved models.OAuthState
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("state = ?", state).First(&saved).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrStateInvalid
		}
		if err != nil {
			return err
		}
		if saved.Expired(now) {
			return ErrStateInvalid
		}

		res := tx.Where("id = ?", saved.ID).Delete(&models.OAuthState{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateInvalid
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	tok, err := m.provider.Exchange(ctx, code, saved.CodeVerifier)
	if err != nil {
		return 0, err
	}

	if err := m.saveToken(ctx, saved.AccountID, tok); err != nil {
		return 0, err
	}
	return saved.AccountID, nil
}

// Refresh performs a refresh_token grant for the account and overwrites
// its token row.
func (m *Manager) Refresh(ctx context.Context, accountID int64) error {
	var token models.XAuthToken
	err := m.db.WithContext(ctx).Where("account_id = ?", accountID).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}

	tok, err := m.provider.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return err
	}
	return m.saveToken(ctx, accountID, tok)
}

// EnsureFreshToken returns a usable access token for the account,
// refreshing first when the stored one is stale within SkewMargin.
func (m *Manager) EnsureFreshToken(ctx context.Context, accountID int64, now time.Time) (string, error) {
	var token models.XAuthToken
	err := m.db.WithContext(ctx).Where("account_id = ?", accountID).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}

	if !token.StaleWithin(now, SkewMargin) {
		return token.AccessToken, nil
	}

	logger.Info("refreshing stale access token",
		zap.Int64("account_id", accountID),
		zap.Time("expires_at", token.ExpiresAt))

	tok, err := m.provider.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := m.saveToken(ctx, accountID, tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// TokenStatus reports the stored token for the dashboard; nil means the
// account is not connected.
func (m *Manager) TokenStatus(ctx context.Context, accountID int64) (*models.XAuthToken, error) {
	var token models.XAuthToken
	err := m.db.WithContext(ctx).Where("account_id = ?", accountID).First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (m *Manager) saveToken(ctx context.Context, accountID int64, tok *oauth2.Token) error {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return ErrTokenInvalid
	}

	scope, _ := tok.Extra("scope").(string)
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.XAuthToken
		err := tx.Where("account_id = ?", accountID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.XAuthToken{
				AccountID:    accountID,
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				ExpiresAt:    tok.Expiry,
				Scope:        scope,
				TokenType:    tokenType,
			}).Error
		}
		if err != nil {
			return err
		}

		existing.AccessToken = tok.AccessToken
		existing.RefreshToken = tok.RefreshToken
		existing.ExpiresAt = tok.Expiry
		existing.Scope = scope
		existing.TokenType = tokenType
		return tx.Save(&existing).Error
	})
}
