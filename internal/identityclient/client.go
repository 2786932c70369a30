package identityclient

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

// ErrUnauthorized is returned for any credential the identity service does
// not vouch for: missing, malformed, expired, or rejected. Network failures
// collapse into it as well; this is a single-attempt check and a transient
// blip fails the request.
var ErrUnauthorized = errors.New("unauthorized")

// Client calls the external identity service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs an identity service client. A zero timeout defaults
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

// Verify forwards the bearer token to the identity service and returns the
// caller it resolves to. The token is opaque to this client; it is never
// parsed or trusted locally.
func (c *Client) Verify(ctx context.Context, token string) (domain.CallerIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/users/me/", nil)
	if err != nil {
		return domain.CallerIdentity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.WarnContext(ctx, "identity service unreachable", "err", err)
		return domain.CallerIdentity{}, ErrUnauthorized
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.DebugContext(ctx, "identity service rejected credential", "status", resp.StatusCode)
		return domain.CallerIdentity{}, ErrUnauthorized
	}

	var identity domain.CallerIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		slog.WarnContext(ctx, "identity response malformed", "err", err)
		return domain.CallerIdentity{}, ErrUnauthorized
	}
	if identity.ID == 0 {
		return domain.CallerIdentity{}, ErrUnauthorized
	}
	return identity, nil
}
