package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}
	if opts.httpClient != nil {
		config.HTTPClient = opts.httpClient
	}

	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model, maxTokens: int32(opts.maxTokens)}, nil
}

// toGeminiContents maps chat roles onto Gemini's: the system prompt becomes
// the system instruction and "assistant" becomes "model".
func toGeminiContents(messages []Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})
		case "user":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		}
	}
	return system, contents
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if !hasUserMessage(messages) {
		return "", ErrNoUserMessage
	}
	system, contents := toGeminiContents(messages)

	config := &genai.GenerateContentConfig{SystemInstruction: system}
	if c.maxTokens > 0 {
		config.MaxOutputTokens = c.maxTokens
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", errors.New("gemini: empty response text")
	}
	return text, nil
}
