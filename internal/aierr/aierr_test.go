package aierr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("failed to open stream: %w", &Error{Kind: KindRateLimited, Provider: "openai", RetryAfter: 3 * time.Second})

	assert.True(t, errors.Is(err, RateLimited))
	assert.False(t, errors.Is(err, Transient))
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, 3*time.Second, RetryAfterOf(err))
	assert.True(t, KindOf(err).Retryable())
	assert.False(t, KindContentRejected.Retryable())
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("read: %w", context.Canceled)))
	assert.True(t, IsCancelled(context.Canceled))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindTransient, errors.New("connection reset"), "stream interrupted")
	err.Provider = "ollama"
	assert.Equal(t, "Transient (ollama): stream interrupted: connection reset", err.Error())
	assert.Equal(t, "ContentRejected: blocked", New(KindContentRejected, "blocked").Error())
}
