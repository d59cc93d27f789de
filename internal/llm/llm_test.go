package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantProvider string
		wantModel    string
		wantErr      bool
	}{
		{name: "valid", input: "gemini/gemini-2.0-flash", wantProvider: "gemini", wantModel: "gemini-2.0-flash"},
		{name: "nested model path", input: "openai/org/custom", wantProvider: "openai", wantModel: "org/custom"},
		{name: "missing slash", input: "cerebras", wantErr: true},
		{name: "empty provider", input: "/gpt-4o-mini", wantErr: true},
		{name: "empty model", input: "openai/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, model, err := ParseModel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid model format")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, provider)
			assert.Equal(t, tt.wantModel, model)
		})
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	client, err := NewClient("unknown", "key", "some-model")
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "unknown LLM provider")
}

func TestOpenAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "test-key")
		var req struct {
			Model     string    `json:"model"`
			MaxTokens int       `json:"max_tokens"`
			Messages  []Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, 64, req.MaxTokens)
		assert.Len(t, req.Messages, 2)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "  hello from openai  "},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	client, err := NewClient("openai", "test-key", "gpt-4o-mini", WithBaseURL(server.URL+"/v1"), WithMaxTokens(64))
	require.NoError(t, err)
	got, err := client.Complete(context.Background(), []Message{{Role: "system", Content: "be warm"}, {Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello from openai", got)
}

func TestOpenAIEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "chatcmpl-2", "choices": []any{}})
	}))
	defer server.Close()

	client, err := newOpenAIClient("k", "m", &clientOptions{baseURL: server.URL + "/v1"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}})
	require.Error(t, err)
}

func TestToGeminiContents(t *testing.T) {
	system, contents := toGeminiContents([]Message{
		{Role: "system", Content: "you are Ava"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "how are you"},
	})
	require.NotNil(t, system)
	require.Len(t, system.Parts, 1)
	assert.Equal(t, "you are Ava", system.Parts[0].Text)

	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "how are you", contents[2].Parts[0].Text)
}

func TestGeminiComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-test:generateContent")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": " I'm doing great! "}},
					"role":  "model",
				},
				"finishReason": "STOP",
			}},
		})
	}))
	defer server.Close()

	client, err := newGeminiClient("test-key", "gemini-test", &clientOptions{baseURL: server.URL})
	require.NoError(t, err)
	got, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "how are you"}})
	require.NoError(t, err)
	assert.Equal(t, "I'm doing great!", got)
}

func TestGeminiRequiresUserMessage(t *testing.T) {
	client, err := newGeminiClient("test-key", "gemini-test", &clientOptions{baseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), []Message{{Role: "system", Content: "only system"}})
	require.ErrorIs(t, err, ErrNoUserMessage)
}

func TestAnthropicSeparatesSystemPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var req struct {
			Model     string `json:"model"`
			MaxTokens int64  `json:"max_tokens"`
			System    []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req.Model)
		assert.EqualValues(t, 512, req.MaxTokens)
		require.Len(t, req.System, 1)
		assert.Equal(t, "be concise", req.System[0].Text)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, "assistant", req.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-test",
			"content":       []map[string]any{{"type": "text", "text": " hello "}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer server.Close()

	client, err := NewClient("anthropic", "test-key", "claude-test", WithBaseURL(server.URL))
	require.NoError(t, err)
	got, err := client.Complete(context.Background(), []Message{
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}
