// Package walletcheck probes the external wallet-has-username endpoint used
// by the privileged unlock path.
package walletcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client calls the upstream username check.
type Client struct {
	base   string
	client *http.Client
}

// New creates a checker for the given upstream base URL.
func New(base string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 8 * time.Second},
	}
}

// HasUsername reports whether the wallet has a username registered upstream.
// Transport and decode errors are returned as-is so the caller can map them
// to CHECK_WALLET_ERROR.
func (c *Client) HasUsername(ctx context.Context, wallet string) (bool, error) {
	url := fmt.Sprintf("%s/api/username/%s", c.base, wallet)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("username check returned %d", resp.StatusCode)
	}

	var out struct {
		HasUsername bool `json:"hasUsername"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode username check: %w", err)
	}
	return out.HasUsername, nil
}
