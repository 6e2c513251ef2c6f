// Package steam talks to the Steam storefront: the Web API for the owned
// game list and the local client for install state and install actions.
package steam

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
)

// DefaultAPIURL is the Steam Web API root.
const DefaultAPIURL = "https://api.steampowered.com"

// OwnedGame is one entry of IPlayerService/GetOwnedGames.
type OwnedGame struct {
	AppID           uint64 `json:"appid"`
	Name            string `json:"name"`
	PlaytimeForever uint64 `json:"playtime_forever"`
	Playtime2Weeks  uint64 `json:"playtime_2weeks"`
	ImgIconURL      string `json:"img_icon_url"`
}

type ownedGamesResponse struct {
	Response struct {
		GameCount int         `json:"game_count"`
		Games     []OwnedGame `json:"games"`
	} `json:"response"`
}

// APIClient reads a profile's library from the Steam Web API.
type APIClient struct {
	apiKey    string
	profileID string
	baseURL   string
	client    *resty.Client
}

// NewAPIClient creates a Web API client. An empty baseURL selects DefaultAPIURL.
func NewAPIClient(apiKey, profileID, baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	client := resty.New()
	client.SetTimeout(timeout)

	return &APIClient{
		apiKey:    apiKey,
		profileID: profileID,
		baseURL:   baseURL,
		client:    client,
	}
}

// OwnedGames returns every game owned by the configured profile.
// A private profile yields an empty list rather than an error.
func (c *APIClient) OwnedGames(ctx context.Context) ([]OwnedGame, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"key":             c.apiKey,
			"steamid":         c.profileID,
			"include_appinfo": "1",
			"format":          "json",
		}).
		Get(c.baseURL + "/IPlayerService/GetOwnedGames/v0001/")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, "steam owned games request failed", err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header().Get("Retry-After"))
		return nil, apperrors.RateLimited("steam web api rate limit exceeded", time.Duration(secs)*time.Second)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "steam rejected the api key (status %d)", status)
	case status != http.StatusOK:
		return nil, apperrors.Newf(apperrors.ErrConnectivity, "steam owned games returned status %d", status)
	}

	var body ownedGamesResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedRecord, "unreadable steam owned games response", err)
	}

	logging.Debug("fetched steam library", map[string]interface{}{
		"profile": c.profileID,
		"games":   len(body.Response.Games),
	})
	return body.Response.Games, nil
}

// OwnedGameIDs returns the app ids of the owned games, without repeats.
func (c *APIClient) OwnedGameIDs(ctx context.Context) ([]uint64, error) {
	games, err := c.OwnedGames(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool, len(games))
	ids := make([]uint64, 0, len(games))
	for _, g := range games {
		if g.AppID == 0 || seen[g.AppID] {
			continue
		}
		seen[g.AppID] = true
		ids = append(ids, g.AppID)
	}
	return ids, nil
}
