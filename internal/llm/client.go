// Package llm wraps the natural-language completion service behind a narrow
// interface. The engine consumes it as a function from prompt to text; intent
// extraction and code synthesis prompts live with their callers.
package llm

import (
	"context"
	"fmt"
)

// Client defines the interface for completion providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Config holds completion client configuration.
type Config struct {
	// Provider: "anthropic" is the only supported backend today.
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
	// TimeoutSeconds bounds a single completion call. 0 uses the default.
	TimeoutSeconds int `json:"timeout_seconds"`
	MaxTokens      int `json:"max_tokens"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(apiKey string) Config {
	return Config{
		Provider:       "anthropic",
		APIKey:         apiKey,
		BaseURL:        "https://api.anthropic.com/v1",
		Model:          "claude-sonnet-4-5",
		TimeoutSeconds: 120,
		MaxTokens:      2000,
	}
}

// NewClient creates a completion client based on configuration.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return NewAnthropicClientWithConfig(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported completion provider: %s", cfg.Provider)
	}
}
