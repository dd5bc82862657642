package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/bridge"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Client talks to a host's approval API.
type Client struct {
	BaseURL string
	Secret  string
	HTTP    *retryablehttp.Client
}

// NewClient creates a Client with a retrying HTTP client.
func NewClient(baseURL, secret string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.Logger = nil
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Secret: secret, HTTP: c}
}

// List returns pending approvals, or every stored approval when all is set.
func (c *Client) List(ctx context.Context, all bool) ([]approval.Record, error) {
	path := bridge.PathApprovals
	if all {
		path += "?status=all"
	}
	var out []approval.Record
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the status of one approval.
func (c *Client) Status(ctx context.Context, id string) (approval.Status, error) {
	var out bridge.StatusResponse
	if err := c.do(ctx, http.MethodGet, bridge.PathApprovals+"/"+url.PathEscape(id), &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Resolve approves or denies a parked call.
func (c *Client) Resolve(ctx context.Context, id string, decision approval.Decision) error {
	verb := "deny"
	if decision == approval.DecisionApproved {
		verb = "approve"
	}
	return c.do(ctx, http.MethodPost, bridge.PathApprovals+"/"+url.PathEscape(id)+"/"+verb, nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.Secret)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
