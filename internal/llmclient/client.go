// Package llmclient abstracts the LLM provider behind a narrow text
// generation interface so the reasoning adapter and the parameter detector
// never depend on a concrete vendor SDK.
package llmclient

import (
	"context"
)

// GenerationOptions controls a single generation call.
type GenerationOptions struct {
	// Temperature controls creativity; lower is more deterministic.
	Temperature float32
	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
	// ForceJSONFormat asks the provider to enforce JSON output mode.
	ForceJSONFormat bool
}

// GenerationRequest encapsulates all inputs for one LLM call.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Options      GenerationOptions
}

// GenerationResult is the text content plus the token spend of the call.
type GenerationResult struct {
	Content    string
	TokensUsed int
}

// Client is the interface the rest of the application programs against.
type Client interface {
	GenerateResponse(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}
