package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentforge/envsynth/internal/config"
)

// NewClient builds the provider-specific completion client and wraps it with
// the configured in-flight request cap.
func NewClient(ctx context.Context, cfg config.LLMConfig) (CompletionClient, error) {
	provider := strings.ToLower(cfg.Provider)

	var client CompletionClient

	switch provider {
	case "openai":
		client = NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)

	case "gemini":
		c, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		client = c

	case "claude":
		client = NewClaudeClient(cfg.APIKey, cfg.Model, cfg.BaseURL)

	case "ollama":
		// Ollama is served through its OpenAI-compatible endpoint.
		baseURL := cfg.BaseURL
		if !strings.HasSuffix(baseURL, "/v1") {
			baseURL = fmt.Sprintf("%s/v1", strings.TrimRight(baseURL, "/"))
		}

		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "ollama" // ignored by Ollama but required by the client config
		}

		client = NewOpenAIClient(apiKey, cfg.Model, baseURL)

	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}

	if cfg.MaxInFlight > 0 {
		client = WithMaxInFlight(client, cfg.MaxInFlight)
	}

	return client, nil
}
