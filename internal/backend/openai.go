package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"SnippetAI/internal/aierr"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream"`
}

// OpenAIMessage is a single chat message
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIStreamChunk represents one streamed chat.completion.chunk
type OpenAIStreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *OpenAIError `json:"error,omitempty"`
}

// OpenAIError is the error object some compatible servers embed in the stream
type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// OpenAIAdapter streams from any OpenAI-compatible chat completions endpoint
// (OpenAI, Grok, MiniMax, DeepSeek, ...).
type OpenAIAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible endpoint
func NewOpenAIAdapter(name, baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name returns the provider identifier
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Generate opens a streaming chat completion
func (a *OpenAIAdapter) Generate(ctx context.Context, req *Request) (<-chan Delta, error) {
	if a.apiKey == "" {
		return nil, &aierr.Error{Kind: aierr.KindProviderUnconfigured, Provider: a.name, Message: "API key not set"}
	}

	messages := make([]OpenAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, OpenAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, OpenAIMessage{Role: "user", Content: req.Prompt})

	jsonData, err := json.Marshal(OpenAIRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := doRequest(ctx, a.httpClient, a.name, httpReq)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("opened completion stream", "provider", a.name, "model", req.Model)

	deltas := make(chan Delta, 1)
	go func() {
		defer close(deltas)
		defer resp.Body.Close()

		err := scanSSE(resp.Body, func(data string) (bool, error) {
			if data == "[DONE]" {
				return true, nil
			}
			var chunk OpenAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return false, &aierr.Error{Kind: aierr.KindTransient, Provider: a.name, Message: "failed to decode chunk", Err: err}
			}
			if chunk.Error != nil {
				return false, a.chunkError(chunk.Error)
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" && !send(ctx, deltas, Delta{Text: choice.Delta.Content}) {
					return true, nil
				}
				if choice.FinishReason == nil {
					continue
				}
				switch *choice.FinishReason {
				case "content_filter":
					return false, &aierr.Error{Kind: aierr.KindContentRejected, Provider: a.name, Message: "completion stopped by content filter"}
				case "length":
					if !send(ctx, deltas, Delta{FinishReason: FinishLength}) {
						return true, nil
					}
				}
			}
			return false, nil
		})
		if err != nil && ctx.Err() == nil {
			send(ctx, deltas, Delta{Err: streamError(a.name, err)})
		}
	}()

	return deltas, nil
}

func (a *OpenAIAdapter) chunkError(e *OpenAIError) error {
	kind := aierr.KindTransient
	switch {
	case e.Type == "rate_limit_error" || strings.Contains(strings.ToLower(e.Message), "rate limit"):
		kind = aierr.KindRateLimited
	case looksBlocked(e.Type + " " + e.Message):
		kind = aierr.KindContentRejected
	}
	return &aierr.Error{Kind: kind, Provider: a.name, Message: e.Message}
}
