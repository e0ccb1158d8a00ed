package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collect drains a stream, returning the text and the terminal error
func collect(t *testing.T, ch <-chan Delta) (string, string, error) {
	t.Helper()
	var sb strings.Builder
	var finish string
	for d := range ch {
		if d.Err != nil {
			return sb.String(), finish, d.Err
		}
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
		sb.WriteString(d.Text)
	}
	return sb.String(), finish, nil
}

func sse(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func TestOpenAIStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req OpenAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "gpt-4o-mini", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
		}

		sse(w,
			`{"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"func "}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"reverse()"},"finish_reason":"length"}]}`,
			`[DONE]`,
		)
	}))
	defer server.Close()

	a := NewOpenAIAdapter("openai", server.URL, "sk-test", server.Client(), testLogger())
	ch, err := a.Generate(context.Background(), &Request{Prompt: "reverse", System: "be terse", Model: "gpt-4o-mini"})
	require.NoError(t, err)

	text, finish, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "func reverse()", text)
	assert.Equal(t, FinishLength, finish)
}

func TestOpenAIContentFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"content_filter"}]}`,
		)
	}))
	defer server.Close()

	a := NewOpenAIAdapter("grok", server.URL, "key", server.Client(), testLogger())
	ch, err := a.Generate(context.Background(), &Request{Prompt: "x", Model: "grok-3"})
	require.NoError(t, err)

	text, _, err := collect(t, ch)
	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, err, aierr.ContentRejected)
}

func TestOpenAIMissingKey(t *testing.T) {
	a := NewOpenAIAdapter("openai", "http://unused", "", http.DefaultClient, testLogger())
	_, err := a.Generate(context.Background(), &Request{Prompt: "x"})
	assert.ErrorIs(t, err, aierr.ProviderUnconfigured)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		kind   aierr.Kind
		retry  time.Duration
	}{
		{name: "rate limited", status: 429, header: map[string]string{"Retry-After": "7"}, body: `{}`, kind: aierr.KindRateLimited, retry: 7 * time.Second},
		{name: "unauthorized", status: 401, body: `{"error":"bad key"}`, kind: aierr.KindProviderUnconfigured},
		{name: "overloaded", status: 529, body: `{"type":"overloaded_error"}`, kind: aierr.KindTransient},
		{name: "server error", status: 503, body: `upstream`, kind: aierr.KindTransient},
		{name: "policy", status: 400, body: `{"error":{"code":"content_policy_violation"}}`, kind: aierr.KindContentRejected},
		{name: "unknown model", status: 404, body: `{"error":"model not found"}`, kind: aierr.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			a := NewOpenAIAdapter("p", server.URL, "key", server.Client(), testLogger())
			_, err := a.Generate(context.Background(), &Request{Prompt: "x", Model: "m"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, aierr.KindOf(err))
			assert.Equal(t, tt.retry, aierr.RetryAfterOf(err))
		})
	}
}

func TestAnthropicStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req AnthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, anthropicMaxTokens, req.MaxTokens)
		assert.Equal(t, "sys", req.System)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hello\"}}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" world\"}}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	a := NewAnthropicAdapter("anthropic", server.URL, "key", server.Client(), testLogger())
	ch, err := a.Generate(context.Background(), &Request{Prompt: "hi", System: "sys", Model: "claude"})
	require.NoError(t, err)

	text, _, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
}

func TestAnthropicMidStreamOverload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"par"}}`,
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
		)
	}))
	defer server.Close()

	a := NewAnthropicAdapter("anthropic", server.URL, "key", server.Client(), testLogger())
	ch, err := a.Generate(context.Background(), &Request{Prompt: "hi", Model: "claude"})
	require.NoError(t, err)

	text, _, err := collect(t, ch)
	assert.Equal(t, "par", text)
	assert.ErrorIs(t, err, aierr.Transient)
}

func TestOllamaStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req OllamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.NotNil(t, req.Options) {
			assert.Equal(t, 128, req.Options.NumPredict)
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"a"},"done":false}`+"\n")
		io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"b"},"done":false}`+"\n")
		io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"length"}`+"\n")
	}))
	defer server.Close()

	a := NewOllamaAdapter("ollama", server.URL, server.Client(), testLogger())
	ch, err := a.Generate(context.Background(), &Request{Prompt: "x", Model: "llama3", MaxTokens: 128})
	require.NoError(t, err)

	text, finish, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Equal(t, FinishLength, finish)
}

func TestGeminiSafetyBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "gk", r.Header.Get("x-goog-api-key"))
		sse(w,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"Sure"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[]},"finishReason":"SAFETY"}]}`,
		)
	}))
	defer server.Close()

	a := NewGeminiAdapter("gemini", server.URL, "gk", server.Client(), testLogger())
	ch, err := a.Generate(context.Background(), &Request{Prompt: "x", Model: "gemini-2.5-flash"})
	require.NoError(t, err)

	text, _, err := collect(t, ch)
	assert.Equal(t, "Sure", text)
	assert.ErrorIs(t, err, aierr.ContentRejected)
}

func TestGeminiPromptBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"promptFeedback":{"blockReason":"PROHIBITED_CONTENT"}}`)
	}))
	defer server.Close()

	a := NewGeminiAdapter("gemini", server.URL, "gk", server.Client(), testLogger())
	ch, err := a.Generate(context.Background(), &Request{Prompt: "x", Model: "gemini-2.5-flash"})
	require.NoError(t, err)

	_, _, err = collect(t, ch)
	assert.ErrorIs(t, err, aierr.ContentRejected)
}

func TestCancelClosesStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"choices":[{"index":0,"delta":{"content":"first"}}]}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	a := NewOpenAIAdapter("openai", server.URL, "key", server.Client(), testLogger())
	ch, err := a.Generate(ctx, &Request{Prompt: "x", Model: "m"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "first", first.Text)
	cancel()

	select {
	case d, ok := <-ch:
		if ok {
			assert.Empty(t, d.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
}

func TestEinoUnconfigured(t *testing.T) {
	a := NewEinoAdapter("deepseek", nil, testLogger())
	_, err := a.Generate(context.Background(), &Request{Prompt: "x", Model: "deepseek-chat"})
	assert.ErrorIs(t, err, aierr.ProviderUnconfigured)
}

func TestEinoClassify(t *testing.T) {
	a := NewEinoAdapter("deepseek", nil, testLogger())
	assert.Equal(t, aierr.KindRateLimited, aierr.KindOf(a.classify(errors.New("error, status code: 429, message: too many"))))
	assert.Equal(t, aierr.KindProviderUnconfigured, aierr.KindOf(a.classify(errors.New("status code: 401, Unauthorized"))))
	assert.Equal(t, aierr.KindTransient, aierr.KindOf(a.classify(errors.New("connection reset by peer"))))
}

func TestFactory(t *testing.T) {
	cfg := config.Default()
	for id, p := range cfg.Providers {
		a, err := New(id, p, testLogger())
		require.NoError(t, err, id)
		assert.Equal(t, id, a.Name())
	}

	_, err := New("x", config.ProviderConfig{Kind: "smoke-signal"}, testLogger())
	assert.Error(t, err)

	a, err := New("deepseek", config.ProviderConfig{Kind: config.KindEinoOpenAI}, testLogger())
	require.NoError(t, err)
	_, err = a.Generate(context.Background(), &Request{Prompt: "x", Model: "deepseek-chat"})
	assert.ErrorIs(t, err, aierr.ProviderUnconfigured)
}
