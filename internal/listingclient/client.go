package listingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"realtyhub/pkg/domain"
)

// APIError carries the listing backend's own status code and error body so
// the workflow can propagate them verbatim to the caller.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("listing backend returned status %d: %s", e.Status, e.Body)
}

// Client calls the external listing backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a listing backend client. A zero timeout defaults
// to 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Create submits the draft whole in one blocking call; there is no partial
// or streaming create. A backend rejection surfaces as *APIError; transport
// failures surface as plain errors (mapped to 500 upstream).
func (c *Client) Create(ctx context.Context, token string, draft domain.ListingDraft) (domain.Listing, error) {
	payload, err := json.Marshal(draft)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("encode listing draft: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/listings/", bytes.NewReader(payload))
	if err != nil {
		return domain.Listing{}, fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return domain.Listing{}, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var listing domain.Listing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return domain.Listing{}, fmt.Errorf("decode created listing: %w", err)
	}
	return listing, nil
}
