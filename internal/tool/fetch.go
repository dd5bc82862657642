package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/google/jsonschema-go/jsonschema"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

type fetcher struct {
	client  *retryablehttp.Client
	maxRead int
}

func newFetcher(cfg Config) *fetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.HTTPClient.Timeout = cfg.FetchTimeout
	c.Logger = nil
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &fetcher{client: c, maxRead: cfg.MaxReadBytes}
}

func (f *fetcher) register(ns *catalog.Tree) {
	ns.Add("fetch", catalog.Definition{
		Description: "Fetches a URL with GET and returns the status and body as text.",
		Approval:    ScopeNetwork.Mode(),
		Args: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"url": {Type: "string", Description: "An http or https URL."},
			},
			Required: []string{"url"},
		},
		Returns: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{
			"status":      {Type: "integer"},
			"contentType": {Type: "string"},
			"body":        {Type: "string"},
			"truncated":   {Type: "boolean"},
		}},
		Run: f.fetch,
		FormatApproval: func(input any) approval.Preview {
			u := stringArg(input, "url")
			return approval.Preview{Title: "Fetch " + u, ResourceIDs: []string{u}}
		},
	})
}

func (f *fetcher) fetch(ctx context.Context, input any) (any, error) {
	raw := stringArg(input, "url")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrFetchScheme, raw)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxRead)+1))
	if err != nil {
		return nil, err
	}
	truncated := len(body) > f.maxRead
	if truncated {
		body = body[:f.maxRead]
	}
	return map[string]any{
		"status":      resp.StatusCode,
		"contentType": resp.Header.Get("Content-Type"),
		"body":        string(body),
		"truncated":   truncated,
	}, nil
}
