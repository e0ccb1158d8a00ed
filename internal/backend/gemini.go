package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"SnippetAI/internal/aierr"
)

// GeminiRequest represents the request body for the Gemini generateContent API
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent is a role plus text parts
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is a single text part
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig carries sampling options
type GeminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GeminiResponse represents one streamed response chunk
type GeminiResponse struct {
	Candidates []struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// geminiBlocked lists finish reasons that mean the output was withheld on policy grounds
var geminiBlocked = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
}

// GeminiAdapter streams from the Gemini streamGenerateContent API
type GeminiAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiAdapter creates a Gemini adapter
func NewGeminiAdapter(name, baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *GeminiAdapter {
	return &GeminiAdapter{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Name returns the provider identifier
func (a *GeminiAdapter) Name() string {
	return a.name
}

// Generate opens a streaming generateContent call
func (a *GeminiAdapter) Generate(ctx context.Context, req *Request) (<-chan Delta, error) {
	if a.apiKey == "" {
		return nil, &aierr.Error{Kind: aierr.KindProviderUnconfigured, Provider: a.name, Message: "GEMINI_API_KEY not set"}
	}

	reqBody := GeminiRequest{
		Contents: []GeminiContent{{Role: "user", Parts: []GeminiPart{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		reqBody.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: req.System}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 || len(req.Stop) > 0 {
		reqBody.GenerationConfig = &GeminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			StopSequences:   req.Stop,
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, url.PathEscape(req.Model))
	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", a.apiKey)
	httpReq.Header.Set("content-type", "application/json")

	resp, err := doRequest(ctx, a.httpClient, a.name, httpReq)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("opened generateContent stream", "provider", a.name, "model", req.Model)

	deltas := make(chan Delta, 1)
	go func() {
		defer close(deltas)
		defer resp.Body.Close()

		err := scanSSE(resp.Body, func(data string) (bool, error) {
			var chunk GeminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return false, &aierr.Error{Kind: aierr.KindTransient, Provider: a.name, Message: "failed to decode chunk", Err: err}
			}
			if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
				return false, &aierr.Error{Kind: aierr.KindContentRejected, Provider: a.name, Message: "prompt blocked: " + chunk.PromptFeedback.BlockReason}
			}
			for _, cand := range chunk.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text != "" && !send(ctx, deltas, Delta{Text: part.Text}) {
						return true, nil
					}
				}
				switch {
				case geminiBlocked[cand.FinishReason]:
					return false, &aierr.Error{Kind: aierr.KindContentRejected, Provider: a.name, Message: "response blocked: " + cand.FinishReason}
				case cand.FinishReason == "MAX_TOKENS":
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
