package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Client is the interface that all LLM providers implement. A client is
// bound to one model and its sampling settings at construction.
type Client interface {
	// Chat sends the conversation and the tool definitions the model
	// may call, and returns the model's next message.
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks that the provider is reachable and the credential is
	// accepted.
	Ping(ctx context.Context) error

	// Model returns the bound model name.
	Model() string
}

// Provider names.
const (
	ProviderGroq      = "groq"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// GroqBaseURL is the OpenAI-compatible endpoint of Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// Config selects a provider and binds a model to it.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	ToolChoice  string
	MaxTokens   int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// New builds the client for cfg.Provider. Groq and OpenAI share the
// chat-completions wire format and differ only in base URL.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", cfg.Provider)
	}
	switch cfg.Provider {
	case ProviderGroq, "":
		if cfg.BaseURL == "" {
			cfg.BaseURL = GroqBaseURL
		}
		cfg.Provider = ProviderGroq
		return NewOpenAIClient(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
