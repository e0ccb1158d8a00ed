package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"SnippetAI/internal/aierr"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *OllamaOptions      `json:"options,omitempty"`
}

// OllamaOptions carries sampling options
type OllamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// OllamaResponse represents one streamed line from the Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OllamaAdapter streams from a local Ollama server. It needs no credentials.
type OllamaAdapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaAdapter creates an Ollama adapter
func NewOllamaAdapter(name, baseURL string, httpClient *http.Client, logger *slog.Logger) *OllamaAdapter {
	return &OllamaAdapter{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name returns the provider identifier
func (a *OllamaAdapter) Name() string {
	return a.name
}

// Generate opens a streaming chat
func (a *OllamaAdapter) Generate(ctx context.Context, req *Request) (<-chan Delta, error) {
	if a.baseURL == "" {
		return nil, &aierr.Error{Kind: aierr.KindProviderUnconfigured, Provider: a.name, Message: "base URL not set"}
	}

	reqMessages := make([]map[string]string, 0, 2)
	if req.System != "" {
		reqMessages = append(reqMessages, map[string]string{"role": "system", "content": req.System})
	}
	reqMessages = append(reqMessages, map[string]string{"role": "user", "content": req.Prompt})

	reqBody := OllamaRequest{
		Model:    req.Model,
		Messages: reqMessages,
		Stream:   true,
	}
	if req.MaxTokens > 0 || req.Temperature > 0 || len(req.Stop) > 0 {
		reqBody.Options = &OllamaOptions{NumPredict: req.MaxTokens, Temperature: req.Temperature, Stop: req.Stop}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := doRequest(ctx, a.httpClient, a.name, httpReq)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("opened chat stream", "provider", a.name, "model", req.Model)

	deltas := make(chan Delta, 1)
	go func() {
		defer close(deltas)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk OllamaResponse
			if err := decoder.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				send(ctx, deltas, Delta{Err: streamError(a.name, err)})
				return
			}
			if chunk.Error != "" {
				send(ctx, deltas, Delta{Err: &aierr.Error{Kind: aierr.KindTransient, Provider: a.name, Message: chunk.Error}})
				return
			}
			if chunk.Message.Content != "" && !send(ctx, deltas, Delta{Text: chunk.Message.Content}) {
				return
			}
			if chunk.Done {
				if chunk.DoneReason == "length" {
					send(ctx, deltas, Delta{FinishReason: FinishLength})
				}
				return
			}
		}
	}()

	return deltas, nil
}
