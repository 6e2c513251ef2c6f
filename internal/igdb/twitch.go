package igdb

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
)

// DefaultTokenURL is the Twitch OAuth endpoint for the client-credentials grant.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// expiryMargin renews a token slightly before Twitch would reject it.
const expiryMargin = time.Minute

// TokenSource supplies bearer tokens for IGDB requests.
type TokenSource interface {
	// Token returns a cached token, fetching one when none is valid.
	Token(ctx context.Context) (string, error)
	// Refresh discards the cached token and fetches a new one.
	Refresh(ctx context.Context) (string, error)
}

// TwitchTokenSource obtains app access tokens from Twitch.
type TwitchTokenSource struct {
	clientID     string
	clientSecret string
	tokenURL     string
	client       *resty.Client
	now          func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

type twitchTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewTwitchTokenSource creates a token source. An empty tokenURL selects DefaultTokenURL.
func NewTwitchTokenSource(clientID, clientSecret, tokenURL string, timeout time.Duration) *TwitchTokenSource {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	client := resty.New()
	client.SetTimeout(timeout)

	return &TwitchTokenSource{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		client:       client,
		now:          time.Now,
	}
}

// ClientID returns the Twitch application id, which IGDB also expects as a header.
func (s *TwitchTokenSource) ClientID() string {
	return s.clientID
}

// Token implements TokenSource.
func (s *TwitchTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiry) {
		return s.token, nil
	}
	return s.fetch(ctx)
}

// Refresh implements TokenSource.
func (s *TwitchTokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = ""
	return s.fetch(ctx)
}

// fetch requests a new token. Callers hold s.mu.
func (s *TwitchTokenSource) fetch(ctx context.Context) (string, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"client_id":     s.clientID,
			"client_secret": s.clientSecret,
			"grant_type":    "client_credentials",
		}).
		Post(s.tokenURL)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrConnectivity, "twitch token request failed", err)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return "", apperrors.RateLimited("twitch token endpoint is rate limiting", retryAfter(resp.Header()))
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		return "", apperrors.Newf(apperrors.ErrInvalid, "twitch rejected the client credentials (status %d)", resp.StatusCode())
	case resp.StatusCode() != http.StatusOK:
		return "", apperrors.Newf(apperrors.ErrConnectivity, "twitch token request returned status %d", resp.StatusCode())
	}

	var body twitchTokenResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", apperrors.Wrap(apperrors.ErrConnectivity, "unreadable twitch token response", err)
	}
	if body.AccessToken == "" {
		return "", apperrors.New(apperrors.ErrConnectivity, "twitch token response has no access_token")
	}

	s.token = body.AccessToken
	lifetime := time.Duration(body.ExpiresIn) * time.Second
	if lifetime > expiryMargin {
		lifetime -= expiryMargin
	}
	s.expiry = s.now().Add(lifetime)

	logging.Debug("obtained twitch token", map[string]interface{}{
		"expires_at": s.expiry.UTC().Format(time.RFC3339),
	})
	return s.token, nil
}
