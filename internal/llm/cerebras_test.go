package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCerebras_NoKey(t *testing.T) {
	c := NewCerebrasClient("", "model")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Complete(ctx, []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestCerebras_NoUserMessage(t *testing.T) {
	c := NewCerebrasClient("key", "model")
	_, err := c.Complete(context.Background(), []Message{{Role: "system", Content: "be brief"}})
	require.ErrorIs(t, err, ErrNoUserMessage)
}

func TestCerebras_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req cerebrasRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.1-8b", req.Model)
		assert.Equal(t, 512, req.MaxTokens)
		assert.Equal(t, []Message{{Role: "system", Content: "persona"}, {Role: "user", Content: "hello"}}, req.Messages)
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"  hi there  "}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient("cerebras", "key", "llama3.1-8b", WithBaseURL(srv.URL))
	require.NoError(t, err)
	got, err := c.Complete(context.Background(), []Message{{Role: "system", Content: "persona"}, {Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", got)
}

func TestCerebras_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
		{"blank_content", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"   "}}]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewCerebrasClient("key", "model")
			c.HTTPClient = &http.Client{Timeout: 1 * time.Second, Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				req.URL.Scheme = "http"
				req.URL.Host = srv.Listener.Addr().String()
				return http.DefaultTransport.RoundTrip(req)
			})}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := c.Complete(ctx, []Message{{Role: "user", Content: "hi"}}); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
