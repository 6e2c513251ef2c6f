// Package igdb fetches game metadata from the IGDB API for storefront app ids.
package igdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	apperrors "github.com/kimhsiao/rocade/internal/errors"
	"github.com/kimhsiao/rocade/internal/logging"
	"github.com/kimhsiao/rocade/internal/models"
)

const (
	// DefaultBaseURL is the IGDB v4 API root.
	DefaultBaseURL = "https://api.igdb.com/v4"

	// MaxBatchSize is the most ids IGDB accepts in one query.
	MaxBatchSize = 500

	// steamSource is IGDB's external_game_source id for Steam.
	steamSource = 1

	gameFields = "name,summary,storyline,first_release_date,cover.image_id,artworks.image_id," +
		"genres.name,involved_companies.developer,involved_companies.publisher," +
		"involved_companies.company.name"
)

// Client queries IGDB. It is safe for sequential use by one sync at a time.
type Client struct {
	http     *resty.Client
	tokens   TokenSource
	clientID string
	baseURL  string
	limiter  *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root (tests use httptest).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithRateLimit paces requests to rps per second; zero or less disables pacing.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// NewClient creates an IGDB client authenticating with tokens.
func NewClient(clientID string, tokens TokenSource, opts ...Option) *Client {
	client := resty.New()
	client.SetTimeout(30 * time.Second)

	c := &Client{
		http:     client,
		tokens:   tokens,
		clientID: clientID,
		baseURL:  DefaultBaseURL,
		limiter:  rate.NewLimiter(rate.Limit(4), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BatchFunc receives the records decoded from one /games response. total is
// the number of IGDB games matched for the whole request. A non-nil error
// stops the fetch and is returned as is.
type BatchFunc func(records []models.MetadataRecord, total int) error

// EachBatch resolves storefront app ids to complete metadata records and
// hands them to fn one batch at a time.
//
// Ids are deduplicated and requested in sequential batches of at most
// MaxBatchSize. A record that fails to decode is reported in the returned
// FetchReport and the rest of its batch is kept. Transport failures,
// rate limiting and unexpected statuses abort the fetch; batches already
// handed to fn stay delivered. The report is returned in every case.
func (c *Client) EachBatch(ctx context.Context, storeIDs []uint64, fn BatchFunc) (*FetchReport, error) {
	report := &FetchReport{}
	ids := dedupe(storeIDs)
	if len(ids) == 0 {
		return report, nil
	}

	// Step 1: storefront uid -> IGDB game id.
	storeByGame := make(map[int64]string)
	var gameIDs []int64
	matched := make(map[string]bool)
	for _, batch := range chunk(ids, MaxBatchSize) {
		query := fmt.Sprintf("fields game,uid; where external_game_source = %d & uid = %s; limit %d;",
			steamSource, quoteUIDs(batch), MaxBatchSize)
		raws, err := c.post(ctx, "/external_games", query, report)
		if err != nil {
			return report, err
		}
		for _, raw := range raws {
			var eg externalGame
			if err := json.Unmarshal(raw, &eg); err != nil || eg.Game <= 0 || eg.UID == "" {
				logging.Warn("skipping malformed external game", map[string]interface{}{"raw": string(raw)})
				continue
			}
			matched[eg.UID] = true
			if _, seen := storeByGame[eg.Game]; seen {
				continue
			}
			storeByGame[eg.Game] = eg.UID
			gameIDs = append(gameIDs, eg.Game)
		}
	}
	for _, id := range ids {
		if !matched[strconv.FormatUint(id, 10)] {
			report.Unmatched = append(report.Unmatched, id)
		}
	}

	// Step 2: full game records, delivered per batch.
	delivered := 0
	for _, batch := range chunk(gameIDs, MaxBatchSize) {
		query := fmt.Sprintf("fields %s; where id = %s; limit %d;", gameFields, joinIDs(batch), MaxBatchSize)
		raws, err := c.post(ctx, "/games", query, report)
		if err != nil {
			logging.Warn("igdb metadata fetch stopped early", map[string]interface{}{
				"delivered": delivered,
				"matched":   len(gameIDs),
				"error":     err.Error(),
			})
			return report, err
		}
		records := make([]models.MetadataRecord, 0, len(raws))
		for _, raw := range raws {
			rec, skipped := decodeGame(raw, storeByGame)
			if skipped != nil {
				report.Skipped = append(report.Skipped, *skipped)
				logging.Warn("skipping malformed game record", map[string]interface{}{
					"igdb_id": skipped.ExternalID,
					"error":   skipped.Err.Error(),
				})
				continue
			}
			records = append(records, rec)
		}
		if len(records) > 0 {
			if err := fn(records, len(gameIDs)); err != nil {
				return report, err
			}
			delivered += len(records)
		}
	}

	logging.Info("fetched igdb metadata", map[string]interface{}{
		"requested": len(ids),
		"records":   delivered,
		"skipped":   len(report.Skipped),
		"unmatched": len(report.Unmatched),
		"requests":  report.Requests,
	})
	return report, nil
}

// FetchMetadata collects every batch of EachBatch into one slice. On error
// the records of the batches fetched before the failure are still returned.
func (c *Client) FetchMetadata(ctx context.Context, storeIDs []uint64) ([]models.MetadataRecord, *FetchReport, error) {
	var records []models.MetadataRecord
	report, err := c.EachBatch(ctx, storeIDs, func(batch []models.MetadataRecord, _ int) error {
		records = append(records, batch...)
		return nil
	})
	return records, report, err
}

// FetchGame returns the metadata of a single storefront title.
func (c *Client) FetchGame(ctx context.Context, storeID uint64) (*models.MetadataRecord, error) {
	records, report, err := c.FetchMetadata(ctx, []uint64{storeID})
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return &records[0], nil
	}
	if len(report.Skipped) > 0 {
		return nil, report.Skipped[0].Err
	}
	return nil, apperrors.Newf(apperrors.ErrNotFound, "no igdb game for store id %d", storeID)
}

// decodeGame decodes one record on its own so a bad record never poisons its batch.
func decodeGame(raw json.RawMessage, storeByGame map[int64]string) (models.MetadataRecord, *SkippedRecord) {
	var info gameInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		// Salvage the id for the report when only other fields are bad.
		var probe struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(raw, &probe)
		return models.MetadataRecord{}, &SkippedRecord{
			ExternalID: probe.ID,
			StoreID:    storeByGame[probe.ID],
			Err:        apperrors.Wrap(apperrors.ErrMalformedRecord, "undecodable game record", err),
		}
	}

	rec, err := info.toRecord(storeByGame[info.ID])
	if err != nil {
		return models.MetadataRecord{}, &SkippedRecord{ExternalID: info.ID, StoreID: storeByGame[info.ID], Err: err}
	}
	return rec, nil
}

// post sends one Apicalypse query and splits the JSON array response into
// raw records. A 401 refreshes the token and retries once.
func (c *Client) post(ctx context.Context, endpoint, query string, report *FetchReport) ([]json.RawMessage, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, endpoint, query, token, report)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		logging.Info("igdb rejected token, refreshing", map[string]interface{}{"endpoint": endpoint})
		if token, err = c.tokens.Refresh(ctx); err != nil {
			return nil, err
		}
		if resp, err = c.send(ctx, endpoint, query, token, report); err != nil {
			return nil, err
		}
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests:
		return nil, apperrors.RateLimited("igdb rate limit exceeded", retryAfter(resp.Header()))
	case status < 200 || status >= 300:
		return nil, apperrors.Newf(apperrors.ErrConnectivity, "igdb %s returned status %d", endpoint, status)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &raws); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedRecord, "igdb "+endpoint+" response is not a JSON array", err)
	}
	return raws, nil
}

func (c *Client) send(ctx context.Context, endpoint, query, token string, report *FetchReport) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, "igdb request not sent", err)
	}
	report.Requests++

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Client-ID", c.clientID).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "text/plain").
		SetAuthToken(token).
		SetBody(query).
		Post(c.baseURL + endpoint)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, "igdb request failed", err)
	}
	return resp, nil
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// dedupe drops zero and repeated ids, keeping first-seen order.
func dedupe(ids []uint64) []uint64 {
	seen := make(map[uint64]bool, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func chunk[T any](items []T, size int) [][]T {
	var batches [][]T
	for len(items) > size {
		batches = append(batches, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		batches = append(batches, items)
	}
	return batches
}
