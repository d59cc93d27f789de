package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const cerebrasBaseURL = "https://api.cerebras.ai/v1"

// CerebrasClient talks to Cerebras' OpenAI-compatible chat endpoint.
type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
}

type cerebrasRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_completion_tokens,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
}

type cerebrasChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type cerebrasResponse struct {
	ID      string           `json:"id"`
	Model   string           `json:"model"`
	Choices []cerebrasChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    cerebrasBaseURL,
	}
}

func newCerebrasClient(apiKey, model string, opts *clientOptions) (*CerebrasClient, error) {
	c := NewCerebrasClient(apiKey, model)
	if opts.baseURL != "" {
		c.BaseURL = opts.baseURL
	}
	if opts.httpClient != nil {
		c.HTTPClient = opts.httpClient
	}
	c.MaxTokens = opts.maxTokens
	return c, nil
}

func (c *CerebrasClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.APIKey == "" {
		return "", errors.New("cerebras api key missing")
	}
	if !hasUserMessage(messages) {
		return "", ErrNoUserMessage
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"

	reqBody, err := json.Marshal(cerebrasRequest{Model: c.Model, Messages: messages, MaxTokens: c.MaxTokens})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cerebras request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr cerebrasResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("cerebras decode: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("cerebras: empty choices")
	}
	answer := strings.TrimSpace(cr.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("cerebras: empty response content")
	}
	return answer, nil
}
