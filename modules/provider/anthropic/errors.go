package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/flemzord/codeclaw/internal/provider"
)

// mapError converts an SDK error into the provider sentinel it stands for.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *sdkanthropic.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", provider.ErrProviderDown, err)
	}

	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", provider.ErrRateLimit, errorMessage(apiErr))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", provider.ErrAuthentication, errorMessage(apiErr))
	case code == http.StatusBadRequest && isContextLength(apiErr):
		return fmt.Errorf("%w: %s", provider.ErrContextLength, errorMessage(apiErr))
	case code == 529 || code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", provider.ErrProviderDown, errorMessage(apiErr))
	default:
		return fmt.Errorf("anthropic: HTTP %d: %s", code, errorMessage(apiErr))
	}
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseError(apiErr *sdkanthropic.Error) (errorBody, bool) {
	var body errorBody
	err := json.Unmarshal([]byte(apiErr.RawJSON()), &body)
	return body, err == nil && body.Error.Type != ""
}

func errorMessage(apiErr *sdkanthropic.Error) string {
	if body, ok := parseError(apiErr); ok && body.Error.Message != "" {
		return body.Error.Message
	}
	return http.StatusText(apiErr.StatusCode)
}

func isContextLength(apiErr *sdkanthropic.Error) bool {
	msg := apiErr.RawJSON()
	if body, ok := parseError(apiErr); ok {
		if body.Error.Type != "invalid_request_error" {
			return false
		}
		msg = body.Error.Message
	}
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "too many tokens")
}
