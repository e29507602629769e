// Package nightscout provides a client for interacting with the Nightscout API
package nightscout

import (
	"context"
	"crypto/sha1" //nolint:gosec // Required for Nightscout API secret hashing (legacy API requirement)
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
	"golang.org/x/sync/errgroup"
)

// pageSize is the number of documents requested per call; longer ranges are paged
const pageSize = 10000

// Client handles communication with the Nightscout API
type Client struct {
	baseURL    string
	apiSecret  string
	apiToken   string
	useToken   bool
	pageSize   int
	httpClient *http.Client
}

// NewClient creates a new Nightscout client
func NewClient(baseURL, apiSecret, apiToken string, useToken bool) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiSecret: apiSecret,
		apiToken:  apiToken,
		useToken:  useToken,
		pageSize:  pageSize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientFromSettings creates a client for the configured Nightscout site
func NewClientFromSettings(s *models.Settings) *Client {
	c := s.Clone()
	return NewClient(c.NightscoutURL, c.APISecret, c.APIToken, c.UseToken)
}

// hashSecret generates SHA1 hash of the API secret
// Note: SHA1 is required for Nightscout API compatibility
func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec // Required for Nightscout API
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// buildRequest creates an HTTP request with proper authentication
func (c *Client) buildRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Request, error) {
	fullURL := c.baseURL + endpoint
	if params != nil {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	// Add authentication
	if c.useToken && c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	} else if c.apiSecret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.apiSecret))
	}

	return req, nil
}

// doRequest executes an HTTP request and returns the response body
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := c.buildRequest(ctx, http.MethodGet, endpoint, params)
	if err != nil {
		return err
	}

	body, err := c.doRequest(req)
	if err != nil {
		return err
	}

	return json.Unmarshal(body, out)
}

// GetStatus retrieves the Nightscout server status
func (c *Client) GetStatus(ctx context.Context) (*models.ServerStatus, error) {
	var status models.ServerStatus
	if err := c.get(ctx, "/api/v1/status", nil, &status); err != nil {
		return nil, fmt.Errorf("fetching status: %w", err)
	}
	return &status, nil
}

// TestConnection tests if the connection to Nightscout works
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetStatus(ctx)
	return err
}

// GetEntries retrieves the glucose entries of [from, to], newest first.
// The range is fetched in pages walking backwards from to.
func (c *Client) GetEntries(ctx context.Context, from, to time.Time) ([]models.GlucoseEntry, error) {
	var all []models.GlucoseEntry
	upper := to

	for {
		params := url.Values{}
		params.Set("count", strconv.Itoa(c.pageSize))
		if !from.IsZero() {
			params.Set("find[date][$gte]", strconv.FormatInt(from.UnixMilli(), 10))
		}
		if !upper.IsZero() {
			params.Set("find[date][$lte]", strconv.FormatInt(upper.UnixMilli(), 10))
		}

		var page []models.GlucoseEntry
		if err := c.get(ctx, "/api/v1/entries/sgv.json", params, &page); err != nil {
			return nil, fmt.Errorf("fetching entries: %w", err)
		}
		all = append(all, page...)

		if len(page) < c.pageSize {
			return all, nil
		}
		oldest := page[len(page)-1].Date
		upper = time.UnixMilli(oldest - 1)
	}
}

// GetTreatments retrieves the treatments of [from, to], newest first.
// Pages overlap on the timestamp of the oldest row so treatments sharing that
// second are not lost; the overlap is removed by _id. A page that does not
// move the bound steps one second past it.
func (c *Client) GetTreatments(ctx context.Context, from, to time.Time) ([]models.Treatment, error) {
	var all []models.Treatment
	seen := make(map[string]bool)
	upper := to

	for {
		params := url.Values{}
		params.Set("count", strconv.Itoa(c.pageSize))
		if !from.IsZero() {
			params.Set("find[created_at][$gte]", from.UTC().Format(time.RFC3339))
		}
		if !upper.IsZero() {
			params.Set("find[created_at][$lte]", upper.UTC().Format(time.RFC3339))
		}

		var page []models.Treatment
		if err := c.get(ctx, "/api/v1/treatments.json", params, &page); err != nil {
			return nil, fmt.Errorf("fetching treatments: %w", err)
		}

		for _, t := range page {
			if t.ID != "" {
				if seen[t.ID] {
					continue
				}
				seen[t.ID] = true
			}
			all = append(all, t)
		}

		if len(page) < c.pageSize {
			return all, nil
		}
		oldest := page[len(page)-1].Time()
		if oldest.IsZero() {
			return all, nil
		}
		if upper.IsZero() || oldest.Before(upper) {
			upper = oldest
		} else {
			upper = oldest.Add(-time.Second)
		}
	}
}

// Events fetches entries and treatments of [from, to) and converts them
// into the engine's event collections.
func (c *Client) Events(ctx context.Context, from, to time.Time) (*models.EventSet, error) {
	var (
		entries    []models.GlucoseEntry
		treatments []models.Treatment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entries, err = c.GetEntries(gctx, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		treatments, err = c.GetTreatments(gctx, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return ToEvents(entries, treatments).Window(from.Unix(), to.Unix()), nil
}

// ToEvents converts Nightscout documents into a sorted event set. Doses are
// cleaned of priming shots and meals are classified against them.
func ToEvents(entries []models.GlucoseEntry, treatments []models.Treatment) *models.EventSet {
	set := &models.EventSet{
		Glucose: make([]models.GlucoseReading, 0, len(entries)),
	}

	for i := range entries {
		if entries[i].Type != "" && entries[i].Type != "sgv" {
			continue
		}
		set.Glucose = append(set.Glucose, entries[i].Reading())
	}

	for i := range treatments {
		meals, doses := treatments[i].Events()
		set.Meals = append(set.Meals, meals...)
		set.Doses = append(set.Doses, doses...)
	}

	set.Sort()
	set.Doses = models.DedupeDoses(set.Doses)
	for i := range set.Meals {
		set.Meals[i].Classification = models.ClassifyMeal(set.Meals[i], set.Doses)
	}

	return set
}
