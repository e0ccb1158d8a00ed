package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"SnippetAI/internal/config"
)

const defaultTimeout = 5 * time.Minute

// New creates the adapter for a configured provider profile
func New(id string, cfg config.ProviderConfig, logger *slog.Logger) (Adapter, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	logger = logger.With("provider", id)

	switch cfg.Kind {
	case config.KindOpenAI, config.KindOpenAICompatible, config.KindGrok, config.KindMiniMax:
		return NewOpenAIAdapter(id, cfg.BaseURL, cfg.APIKey, httpClient, logger), nil
	case config.KindAnthropic:
		return NewAnthropicAdapter(id, cfg.BaseURL, cfg.APIKey, httpClient, logger), nil
	case config.KindOllama:
		return NewOllamaAdapter(id, cfg.BaseURL, httpClient, logger), nil
	case config.KindGemini:
		return NewGeminiAdapter(id, cfg.BaseURL, cfg.APIKey, httpClient, logger), nil
	case config.KindEinoOpenAI:
		if cfg.APIKey == "" {
			return NewEinoAdapter(id, nil, logger), nil
		}
		return NewEinoAdapter(id, func(ctx context.Context, modelName string) (model.BaseChatModel, error) {
			cm, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
				BaseURL: cfg.BaseURL,
				APIKey:  cfg.APIKey,
				Model:   modelName,
				Timeout: timeout,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create chat model: %w", err)
			}
			return cm, nil
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", cfg.Kind)
	}
}
