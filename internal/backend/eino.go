package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"SnippetAI/internal/aierr"
)

// ChatModelFactory builds an Eino chat model for a model name
type ChatModelFactory func(ctx context.Context, modelName string) (model.BaseChatModel, error)

// EinoAdapter streams through any Eino chat model
type EinoAdapter struct {
	name    string
	factory ChatModelFactory
	logger  *slog.Logger

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewEinoAdapter creates an adapter around a chat model factory. A nil factory makes
// the provider unconfigured.
func NewEinoAdapter(name string, factory ChatModelFactory, logger *slog.Logger) *EinoAdapter {
	return &EinoAdapter{
		name:    name,
		factory: factory,
		logger:  logger,
		models:  make(map[string]model.BaseChatModel),
	}
}

// Name returns the provider identifier
func (a *EinoAdapter) Name() string {
	return a.name
}

func (a *EinoAdapter) chatModel(ctx context.Context, modelName string) (model.BaseChatModel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cm, ok := a.models[modelName]; ok {
		return cm, nil
	}
	cm, err := a.factory(ctx, modelName)
	if err != nil {
		return nil, err
	}
	a.models[modelName] = cm
	return cm, nil
}

// Generate opens a stream on the chat model for req.Model
func (a *EinoAdapter) Generate(ctx context.Context, req *Request) (<-chan Delta, error) {
	if a.factory == nil {
		return nil, &aierr.Error{Kind: aierr.KindProviderUnconfigured, Provider: a.name, Message: "no chat model configured"}
	}
	cm, err := a.chatModel(ctx, req.Model)
	if err != nil {
		return nil, a.classify(err)
	}

	messages := make([]*schema.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, schema.SystemMessage(req.System))
	}
	messages = append(messages, schema.UserMessage(req.Prompt))

	opts := []model.Option{model.WithModel(req.Model)}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, model.WithTemperature(float32(req.Temperature)))
	}
	if len(req.Stop) > 0 {
		opts = append(opts, model.WithStop(req.Stop))
	}

	sr, err := cm.Stream(ctx, messages, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, a.classify(err)
	}
	a.logger.Debug("opened eino stream", "provider", a.name, "model", req.Model)

	deltas := make(chan Delta, 1)
	go func() {
		defer close(deltas)
		defer sr.Close()

		for {
			msg, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					send(ctx, deltas, Delta{Err: a.classify(err)})
				}
				return
			}
			if msg == nil {
				continue
			}
			if msg.Content != "" && !send(ctx, deltas, Delta{Text: msg.Content}) {
				return
			}
			if msg.ResponseMeta != nil {
				switch msg.ResponseMeta.FinishReason {
				case "content_filter":
					send(ctx, deltas, Delta{Err: &aierr.Error{Kind: aierr.KindContentRejected, Provider: a.name, Message: "completion stopped by content filter"}})
					return
				case "length":
					if !send(ctx, deltas, Delta{FinishReason: FinishLength}) {
						return
					}
				}
			}
		}
	}()

	return deltas, nil
}

// classify maps an Eino client error onto the taxonomy. The underlying clients only
// expose status codes through their messages.
func (a *EinoAdapter) classify(err error) error {
	var e *aierr.Error
	if errors.As(err, &e) {
		return err
	}
	lower := strings.ToLower(err.Error())
	kind := aierr.KindTransient
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		kind = aierr.KindRateLimited
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "api key"):
		kind = aierr.KindProviderUnconfigured
	case looksBlocked(lower):
		kind = aierr.KindContentRejected
	}
	return &aierr.Error{Kind: kind, Provider: a.name, Message: "eino chat model failed", Err: err}
}
