// Package source talks to the external clinical records system the
// incidents are pulled from. The transport is polled and may fail
// transiently; a fetch that exhausts its retries surfaces as an error
// and the caller retries the same window next cycle.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Record is one raw incident row as the source reports it. Fields may
// be missing or malformed; normalization happens at ingest.
type Record struct {
	ExternalID  string `json:"external_id"`
	ResidentID  string `json:"resident_id"`
	Type        string `json:"incident_type"`
	SubType     string `json:"sub_type,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Status      string `json:"status,omitempty"`
	OccurredAt  string `json:"occurred_at"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	ModifiedAt  string `json:"modified_at"`
}

// Client fetches incident records modified since a cursor, ordered by
// modification time ascending.
type Client interface {
	FetchSince(ctx context.Context, cursor string, limit int) ([]Record, error)
}

// HTTPClient is the production Client over the source's REST endpoint.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTP       *http.Client
	MaxElapsed time.Duration
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTP:       &http.Client{Timeout: timeout},
		MaxElapsed: 2 * time.Minute,
	}
}

type fetchResponse struct {
	Records []Record `json:"records"`
}

// FetchSince polls /incidents?modified_since=<cursor> with exponential
// backoff inside the current cycle. Client errors (4xx) are permanent;
// everything else is retried until MaxElapsed.
func (c *HTTPClient) FetchSince(ctx context.Context, cursor string, limit int) ([]Record, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("source base_url not configured")
	}
	endpoint, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("source base_url: %w", err)
	}
	endpoint = endpoint.JoinPath("incidents")
	q := endpoint.Query()
	if cursor != "" {
		q.Set("modified_since", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint.RawQuery = q.Encode()

	var records []Record
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("source returned %d: %s", resp.StatusCode, truncate(body, 200)))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("source returned %d", resp.StatusCode)
		}
		var parsed fetchResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode source response: %w", err))
		}
		records = parsed.Records
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.MaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("fetch incidents since %q: %w", cursor, err)
	}
	return records, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
