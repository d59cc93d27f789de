package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voicecall/internal/agent"
	"github.com/chadiek/voicecall/internal/llm"
)

var (
	_ agent.DialogueClient = (*HTTPClient)(nil)
	_ agent.DialogueClient = (*LLMClient)(nil)
)

var convo = []agent.Message{
	{Role: "system", Content: "You are Ava."},
	{Role: "user", Content: "hello"},
}

func TestHTTPClient_PostsMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, convo, req.Messages)
		_, _ = w.Write([]byte(`{"content":" Hi! How's it going? "}`))
	}))
	defer srv.Close()

	got, err := NewHTTPClient(srv.URL, "secret").Reply(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "Hi! How's it going?", got)
}

func TestHTTPClient_AlternateReplyFields(t *testing.T) {
	for _, body := range []string{`{"message":"from message"}`, `{"text":"from text"}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		got, err := NewHTTPClient(srv.URL, "").Reply(context.Background(), convo)
		srv.Close()
		require.NoError(t, err)
		assert.Contains(t, []string{"from message", "from text"}, got)
	}
}

func TestHTTPClient_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		is      error
	}{
		{"status 500", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, nil},
		{"bad json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>")) }, nil},
		{"empty reply", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"content":"  "}`)) }, ErrEmptyReply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := NewHTTPClient(srv.URL, "").Reply(context.Background(), convo)
			require.Error(t, err)
			if tc.is != nil {
				require.ErrorIs(t, err, tc.is)
			}
		})
	}
}

func TestHTTPClient_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClient(srv.URL, "").Reply(ctx, convo)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type stubLLM struct {
	got   []llm.Message
	reply string
	err   error
}

func (s *stubLLM) Complete(_ context.Context, messages []llm.Message) (string, error) {
	s.got = messages
	return s.reply, s.err
}

func TestLLMClient(t *testing.T) {
	stub := &stubLLM{reply: " sure thing "}
	got, err := NewLLMClient(stub).Reply(context.Background(), convo)
	require.NoError(t, err)
	assert.Equal(t, "sure thing", got)
	assert.Equal(t, []llm.Message{{Role: "system", Content: "You are Ava."}, {Role: "user", Content: "hello"}}, stub.got)

	_, err = NewLLMClient(&stubLLM{reply: ""}).Reply(context.Background(), convo)
	require.ErrorIs(t, err, ErrEmptyReply)

	boom := errors.New("upstream down")
	_, err = NewLLMClient(&stubLLM{err: boom}).Reply(context.Background(), convo)
	require.ErrorIs(t, err, boom)
}
