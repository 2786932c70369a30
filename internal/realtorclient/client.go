package realtorclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"realtyhub/pkg/domain"
)

// ErrNotFound is returned when the directory holds no realtor record for the
// caller. It maps to a client error upstream.
var ErrNotFound = errors.New("realtor profile not found")

// Client queries the realtor directory over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a realtor directory client. A zero timeout defaults
// to 5s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ResolveByUser looks up the realtor record bound to a caller's user id. The
// directory responds with either a bare array or a paginated
// {"results": [...]} envelope; both are accepted. An empty result set is
// ErrNotFound; more than one match resolves to the first entry.
func (c *Client) ResolveByUser(ctx context.Context, token string, userID int64) (domain.Realtor, error) {
	url := fmt.Sprintf("%s/api/realtors/?user=%d", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Realtor{}, fmt.Errorf("build realtor request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Realtor{}, fmt.Errorf("realtor directory unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Realtor{}, fmt.Errorf("realtor directory returned status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.Realtor{}, fmt.Errorf("decode realtor response: %w", err)
	}
	records, err := decodeRecords(raw)
	if err != nil {
		return domain.Realtor{}, err
	}
	if len(records) == 0 {
		return domain.Realtor{}, ErrNotFound
	}
	if len(records) > 1 {
		// Ambiguous directory state; the first record wins, matching the
		// historical behavior of the listing frontend.
		slog.WarnContext(ctx, "multiple realtor records for user", "user_id", userID, "count", len(records))
	}
	return records[0], nil
}

// decodeRecords accepts a bare array or a {"results": [...]} envelope. Any
// other shape is a resolution failure, not an empty result.
func decodeRecords(raw json.RawMessage) ([]domain.Realtor, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var records []domain.Realtor
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("decode realtor array: %w", err)
		}
		return records, nil
	}
	var envelope struct {
		Results *[]domain.Realtor `json:"results"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Results == nil {
		return nil, fmt.Errorf("unrecognized realtor directory response shape")
	}
	return *envelope.Results, nil
}
