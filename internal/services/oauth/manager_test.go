package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"xpilot/internal/models"
	"xpilot/internal/testutil"
)

type fakeProvider struct {
	exchangeErr error
	refreshErr  error
	refreshes   int
	token       *oauth2.Token
}

func (f *fakeProvider) AuthCodeURL(state, verifier string) string {
	return "https://x.com/i/oauth2/authorize?state=" + state
}

func (f *fakeProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.token, nil
}

func (f *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.token, nil
}

func newOAuthFixture(t *testing.T) (*gorm.DB, *fakeProvider, *Manager, int64) {
	t.Helper()
	db := testutil.NewTestDB(t)

	account := models.Account{Name: "acme", Type: models.AccountTypeBusiness}
	require.NoError(t, db.Create(&account).Error)

	provider := &fakeProvider{token: &oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		Expiry:       time.Now().UTC().Add(2 * time.Hour),
	}}
	return db, provider, NewManager(db, provider), account.ID
}

func TestStartAuthorizePersistsState(t *testing.T) {
	db, _, m, accountID := newOAuthFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// An expired row from an abandoned handshake gets pruned.
	require.NoError(t, db.Create(&models.OAuthState{
		AccountID: accountID, State: "old", CodeVerifier: "v",
		ExpiresAt: now.Add(-time.Minute),
	}).Error)

	url, err := m.StartAuthorize(ctx, accountID, now)
	require.NoError(t, err)
	assert.Contains(t, url, "state=")

	var states []models.OAuthState
	require.NoError(t, db.Find(&states).Error)
	require.Len(t, states, 1)
	assert.NotEqual(t, "old", states[0].State)
	assert.WithinDuration(t, now.Add(StateTTL), states[0].ExpiresAt, time.Second)
}

func TestStartAuthorizeUnknownAccount(t *testing.T) {
	_, _, m, _ := newOAuthFixture(t)

	_, err := m.StartAuthorize(context.Background(), 999, time.Now().UTC())
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestHandleCallbackExchangesAndStores(t *testing.T) {
	db, _, m, accountID := newOAuthFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.Create(&models.OAuthState{
		AccountID: accountID, State: "s1", CodeVerifier: "v1",
		ExpiresAt: now.Add(StateTTL),
	}).Error)

	gotAccount, err := m.HandleCallback(ctx, "s1", "code-1", now)
	require.NoError(t, err)
	assert.Equal(t, accountID, gotAccount)

	var token models.XAuthToken
	require.NoError(t, db.Where("account_id = ?", accountID).First(&token).Error)
	assert.Equal(t, "access-1", token.AccessToken)
	assert.Equal(t, "refresh-1", token.RefreshToken)

	// The state row is single-use.
	_, err = m.HandleCallback(ctx, "s1", "code-1", now)
	require.ErrorIs(t, err, ErrStateInvalid)
}

func TestHandleCallbackExpiredState(t *testing.T) {
	db, _, m, accountID := newOAuthFixture(t)
	now := time.Now().UTC()

	require.NoError(t, db.Create(&models.OAuthState{
		AccountID: accountID, State: "s2", CodeVerifier: "v2",
		ExpiresAt: now.Add(-time.Second),
	}).Error)

	_, err := m.HandleCallback(context.Background(), "s2", "code", now)
	require.ErrorIs(t, err, ErrStateInvalid)
}

func TestHandleCallbackRejectsPartialToken(t *testing.T) {
	db, provider, m, accountID := newOAuthFixture(t)
	now := time.Now().UTC()
	provider.token = &oauth2.Token{AccessToken: "only-access"}

	require.NoError(t, db.Create(&models.OAuthState{
		AccountID: accountID, State: "s3", CodeVerifier: "v3",
		ExpiresAt: now.Add(StateTTL),
	}).Error)

	_, err := m.HandleCallback(context.Background(), "s3", "code", now)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefreshOverwritesRow(t *testing.T) {
	db, provider, m, accountID := newOAuthFixture(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.XAuthToken{
		AccountID: accountID, AccessToken: "stale", RefreshToken: "refresh-0",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}).Error)

	provider.token = &oauth2.Token{
		AccessToken: "access-2", RefreshToken: "refresh-2",
		Expiry: time.Now().UTC().Add(2 * time.Hour),
	}
	require.NoError(t, m.Refresh(ctx, accountID))

	var token models.XAuthToken
	require.NoError(t, db.Where("account_id = ?", accountID).First(&token).Error)
	assert.Equal(t, "access-2", token.AccessToken)
	assert.Equal(t, "refresh-2", token.RefreshToken)

	var rows int64
	require.NoError(t, db.Model(&models.XAuthToken{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
}

func TestRefreshWithoutToken(t *testing.T) {
	_, _, m, _ := newOAuthFixture(t)
	err := m.Refresh(context.Background(), 42)
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestEnsureFreshToken(t *testing.T) {
	db, provider, m, accountID := newOAuthFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.Create(&models.XAuthToken{
		AccountID: accountID, AccessToken: "fresh", RefreshToken: "refresh-0",
		ExpiresAt: now.Add(time.Hour),
	}).Error)

	// Well inside its lifetime: no provider round-trip.
	access, err := m.EnsureFreshToken(ctx, accountID, now)
	require.NoError(t, err)
	assert.Equal(t, "fresh", access)
	assert.Zero(t, provider.refreshes)

	// Inside the two-minute skew margin: refreshed.
	access, err = m.EnsureFreshToken(ctx, accountID, now.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)
	assert.Equal(t, 1, provider.refreshes)
}

func TestEnsureFreshTokenRefreshFailure(t *testing.T) {
	db, provider, m, accountID := newOAuthFixture(t)
	now := time.Now().UTC()

	require.NoError(t, db.Create(&models.XAuthToken{
		AccountID: accountID, AccessToken: "stale", RefreshToken: "refresh-0",
		ExpiresAt: now,
	}).Error)
	provider.refreshErr = &TokenRequestError{StatusCode: 401}

	_, err := m.EnsureFreshToken(context.Background(), accountID, now)
	var reqErr *TokenRequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, 401, reqErr.StatusCode)
}
