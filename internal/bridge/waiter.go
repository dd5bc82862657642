package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/flemzord/codeclaw/internal/approval"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Waiter blocks until an approval leaves pending. It returns approved,
// denied or missing, or ctx's error when ctx ends first.
type Waiter interface {
	Wait(ctx context.Context, approvalID string) (approval.Status, error)
}

// Poller queries the host's approval status at a fixed interval.
type Poller struct {
	BaseURL  string
	Secret   string
	Interval time.Duration
	Client   *retryablehttp.Client
}

// Wait implements Waiter.
func (p *Poller) Wait(ctx context.Context, approvalID string) (approval.Status, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := p.Status(ctx, approvalID)
		if err != nil {
			return "", err
		}
		if status != approval.StatusPending {
			return status, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Status performs a single status query.
func (p *Poller) Status(ctx context.Context, approvalID string) (approval.Status, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+PathApprovals+"/"+url.PathEscape(approvalID), nil)
	if err != nil {
		return "", err
	}
	setAuth(req.Header, p.Secret)

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: approval status: %w", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: approval status: %s: %s", ErrTransport, resp.Status, strings.TrimSpace(string(b)))
	}

	var out StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: approval status: %w", ErrTransport, err)
	}
	return out.Status, nil
}

// Subscriber watches an approval over the host's websocket stream and
// falls back to Fallback when the stream cannot be opened or breaks.
type Subscriber struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client
	Fallback   Waiter
	Logger     *slog.Logger
}

// Wait implements Waiter.
func (s *Subscriber) Wait(ctx context.Context, approvalID string) (approval.Status, error) {
	status, err := s.watch(ctx, approvalID)
	if err == nil {
		return status, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if s.Fallback == nil {
		return "", err
	}
	if s.Logger != nil {
		s.Logger.Warn("approval watch failed, polling instead", "approval_id", approvalID, "error", err)
	}
	return s.Fallback.Wait(ctx, approvalID)
}

func (s *Subscriber) watch(ctx context.Context, approvalID string) (approval.Status, error) {
	header := http.Header{}
	setAuth(header, s.Secret)
	conn, _, err := websocket.Dial(ctx, wsURL(s.BaseURL)+PathApprovals+"/"+url.PathEscape(approvalID)+"/watch", &websocket.DialOptions{
		HTTPClient: s.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return "", fmt.Errorf("%w: watch approval: %w", ErrTransport, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: watch approval: %w", ErrTransport, err)
		}
		var msg StatusResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", fmt.Errorf("%w: watch approval: %w", ErrTransport, err)
		}
		if msg.Status != approval.StatusPending {
			return msg.Status, nil
		}
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func setAuth(h http.Header, secret string) {
	if secret != "" {
		h.Set("Authorization", "Bearer "+secret)
	}
}
