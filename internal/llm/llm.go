package llm

import (
	"github.com/sashabaranov/go-openai"

	"github.com/veilchat/veilchat/internal/config"
)

// NewClient creates a new OpenAI-compatible client for the direct-mode path.
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL

	return openai.NewClientWithConfig(config)
}
