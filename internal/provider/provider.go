// Package provider defines the model contract used by the agent loop and a
// failover wrapper that spreads requests over several models.
package provider

import "context"

// Provider generates the next assistant message for a conversation.
// Concrete implementations live under modules/provider.
type Provider interface {
	// Complete sends the conversation and returns the full response.
	Complete(ctx context.Context, req Request) (Response, error)

	// ModelName returns the identifier of the underlying model.
	ModelName() string
}
