// Package dialogue fetches the assistant's next line for a call session,
// either from a remote /api/chat endpoint or directly from an LLM provider.
package dialogue

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

	"github.com/chadiek/voicecall/internal/agent"
	"github.com/chadiek/voicecall/internal/llm"
)

// ErrEmptyReply is returned when the backend answered without any text.
var ErrEmptyReply = errors.New("dialogue: empty reply")

// ChatRequest is the /api/chat request body.
type ChatRequest struct {
	Messages []agent.Message `json:"messages"`
}

// ChatResponse is the /api/chat response body. Older backends answer with
// "message" or "text" instead of "content".
type ChatResponse struct {
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Reply returns the first non-empty field.
func (r ChatResponse) Reply() string {
	for _, s := range []string{r.Content, r.Message, r.Text} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// HTTPClient posts conversations to a chat endpoint.
type HTTPClient struct {
	HTTPClient *http.Client
	Endpoint   string
	Token      string
}

func NewHTTPClient(endpoint, token string) *HTTPClient {
	return &HTTPClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Endpoint:   endpoint,
		Token:      token,
	}
}

func (c *HTTPClient) Reply(ctx context.Context, messages []agent.Message) (string, error) {
	body, err := json.Marshal(ChatRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dialogue request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("dialogue error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var cr ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("dialogue decode: %w", err)
	}
	reply := cr.Reply()
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// LLMClient answers in-process through an llm.Client.
type LLMClient struct {
	LLM llm.Client
}

func NewLLMClient(c llm.Client) *LLMClient {
	return &LLMClient{LLM: c}
}

func (c *LLMClient) Reply(ctx context.Context, messages []agent.Message) (string, error) {
	reply, err := c.LLM.Complete(ctx, ToLLM(messages))
	if err != nil {
		return "", err
	}
	if reply = strings.TrimSpace(reply); reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// ToLLM converts chat messages for an llm.Client.
func ToLLM(messages []agent.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
