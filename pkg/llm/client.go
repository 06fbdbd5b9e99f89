// Package llm provides text generation against OpenAI-compatible and Anthropic endpoints.
package llm

import (
	"context"
)

// Provider names accepted by NewClient.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Client is the text-generation capability used by the engine.
// Use this interface for dependency injection to enable mocking in tests.
type Client interface {
	GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	Model() string
}

// GenerateRequest is a single-turn generation request.
type GenerateRequest struct {
	Prompt        string
	SystemMessage string
	// Temperature and MaxTokens fall back to the client's configured values when zero.
	Temperature float64
	MaxTokens   int
}

// GenerateResult holds generated text and token usage.
type GenerateResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Config holds configuration for creating an LLM client.
type Config struct {
	Provider    string
	Endpoint    string // Base URL; empty uses the provider default
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

func (c *Config) resolve(req GenerateRequest) (float64, int) {
	temp := req.Temperature
	if temp == 0 {
		temp = c.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return temp, maxTokens
}
