package models

import "time"

// XAuthToken holds the OAuth token pair for one account. One row per
// account, overwritten on every exchange or refresh.
type XAuthToken struct {
	BaseModel
	AccountID    int64     `gorm:"not null;uniqueIndex" json:"account_id"`
	AccessToken  string    `gorm:"not null" json:"-"`
	RefreshToken string    `gorm:"not null" json:"-"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
	Scope        string    `json:"scope"`
	TokenType    string    `json:"token_type"`
}

// StaleWithin reports whether the access token expires within margin of
// now. The caller's margin absorbs clock skew between us and the
// provider.
func (t *XAuthToken) StaleWithin(now time.Time, margin time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(margin))
}

// OAuthState is a short-lived PKCE handshake row, deleted on use or
// expiry.
type OAuthState struct {
	BaseModel
	AccountID    int64     `gorm:"not null" json:"account_id"`
	State        string    `gorm:"not null;uniqueIndex" json:"-"`
	CodeVerifier string    `gorm:"not null" json:"-"`
	ExpiresAt    time.Time `gorm:"not null" json:"expires_at"`
}

func (s *OAuthState) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}
