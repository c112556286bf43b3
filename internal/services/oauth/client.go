package oauth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"xpilot/internal/config"
)

const (
	AuthorizeURL = "https://x.com/i/oauth2/authorize"
	TokenURL     = "https://api.x.com/2/oauth2/token"
)

// DefaultScopes covers posting, reading own posts and refresh grants.
var DefaultScopes = []string{"tweet.write", "users.read", "offline.access", "tweet.read"}

// TokenRequestError is a failed round-trip to the token endpoint. Code
// is surfaced verbatim as the API error detail.
type TokenRequestError struct {
	StatusCode int
	Err        error
}

func (e *TokenRequestError) Error() string { return e.Code() }

func (e *TokenRequestError) Unwrap() error { return e.Err }

func (e *TokenRequestError) Code() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("x_oauth_token_request_failed:%d", e.StatusCode)
	}
	return "x_oauth_token_request_network_error"
}

// Client wraps the provider's OAuth endpoints. With a client secret
// configured the token endpoint is called with basic auth, without one
// the client_id travels in the form body (public client).
type Client struct {
	conf *oauth2.Config
}

func NewClient(cfg config.OAuthConfig) *Client {
	authStyle := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}
	return &Client{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       DefaultScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   AuthorizeURL,
				TokenURL:  TokenURL,
				AuthStyle: authStyle,
			},
		},
	}
}

// AuthCodeURL builds the provider authorize URL for a state and PKCE
// verifier pair.
func (c *Client) AuthCodeURL(state, verifier string) string {
	return c.conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", ChallengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems an authorization code.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	tok, err := c.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, wrapTokenError(err)
	}
	return tok, nil
}

// Refresh performs a refresh_token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, wrapTokenError(err)
	}
	return tok, nil
}

func wrapTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &TokenRequestError{StatusCode: retrieveErr.Response.StatusCode, Err: err}
	}
	return &TokenRequestError{Err: err}
}
