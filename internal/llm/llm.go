// Package llm wraps the chat-completion providers that answer the caller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoUserMessage is returned when a conversation has nothing to answer.
var ErrNoUserMessage = errors.New("llm: no user message provided")

// Message is one chat turn. Role is "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client completes a conversation with the assistant's next message.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) { o.baseURL = url }
}

// WithMaxTokens caps the reply length. Spoken replies stay short.
func WithMaxTokens(n int) Option {
	return func(o *clientOptions) { o.maxTokens = n }
}

// WithHTTPClient overrides the transport for providers that expose one.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// ParseModel splits "provider/model". The model part may itself contain a slash.
func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{maxTokens: 512}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "cerebras":
		return newCerebrasClient(apiKey, model, o)
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are cerebras, openai, anthropic, gemini", provider)
	}
}

func hasUserMessage(messages []Message) bool {
	for _, m := range messages {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}
