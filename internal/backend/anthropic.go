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

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []AnthropicMessage `json:"messages"`
	Temperature   float64            `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicStreamEvent is the data payload of one messages stream event
type AnthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicAdapter streams from the Anthropic messages API
type AnthropicAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicAdapter creates an Anthropic adapter
func NewAnthropicAdapter(name, baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *AnthropicAdapter {
	return &AnthropicAdapter{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name returns the provider identifier
func (a *AnthropicAdapter) Name() string {
	return a.name
}

// Generate opens a streaming message
func (a *AnthropicAdapter) Generate(ctx context.Context, req *Request) (<-chan Delta, error) {
	if a.apiKey == "" {
		return nil, &aierr.Error{Kind: aierr.KindProviderUnconfigured, Provider: a.name, Message: "ANTHROPIC_API_KEY not set"}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	jsonData, err := json.Marshal(AnthropicRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        req.System,
		Messages:      []AnthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
		Stream:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := doRequest(ctx, a.httpClient, a.name, httpReq)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("opened message stream", "provider", a.name, "model", req.Model)

	deltas := make(chan Delta, 1)
	go func() {
		defer close(deltas)
		defer resp.Body.Close()

		err := scanSSE(resp.Body, func(data string) (bool, error) {
			var event AnthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return false, &aierr.Error{Kind: aierr.KindTransient, Provider: a.name, Message: "failed to decode event", Err: err}
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" && !send(ctx, deltas, Delta{Text: event.Delta.Text}) {
					return true, nil
				}
			case "message_delta":
				switch event.Delta.StopReason {
				case "refusal":
					return false, &aierr.Error{Kind: aierr.KindContentRejected, Provider: a.name, Message: "model refused the request"}
				case "max_tokens":
					if !send(ctx, deltas, Delta{FinishReason: FinishLength}) {
						return true, nil
					}
				}
			case "message_stop":
				return true, nil
			case "error":
				return false, a.eventError(event.Error.Type, event.Error.Message)
			}
			return false, nil
		})
		if err != nil && ctx.Err() == nil {
			send(ctx, deltas, Delta{Err: streamError(a.name, err)})
		}
	}()

	return deltas, nil
}

func (a *AnthropicAdapter) eventError(errType, message string) error {
	kind := aierr.KindTransient
	switch errType {
	case "rate_limit_error":
		kind = aierr.KindRateLimited
	case "authentication_error", "permission_error":
		kind = aierr.KindProviderUnconfigured
	}
	return &aierr.Error{Kind: kind, Provider: a.name, Message: fmt.Sprintf("%s: %s", errType, message)}
}
