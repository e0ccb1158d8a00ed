package artifact

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SnippetAI/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "artifacts.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	done := started.Add(3 * time.Second)
	snap := session.Snapshot{
		ID:        "s1",
		Prompt:    "reverse a string",
		Kind:      session.KindSimpleChain,
		Status:    session.StatusCompleted,
		CreatedAt: started,
		UpdatedAt: done,
		Stages: []session.StageRecord{
			{Name: "code", Provider: "gemini", Model: "gemini-2.0-flash", Tier: "medium", Output: "func reverse() {}", StartedAt: started, CompletedAt: &done},
			{Name: "explanation", Provider: "openai", Model: "gpt-4o-mini", Tier: "simple", Output: "It reverses.", StartedAt: started, CompletedAt: &done, Truncated: true},
		},
		Artifact: &session.Artifact{
			Outputs: map[string]string{"code": "func reverse() {}", "explanation": "It reverses."},
			Final:   "func reverse() {}",
		},
	}
	require.NoError(t, store.Save(ctx, snap))

	rec, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "SIMPLE_CHAIN", rec.Kind)
	assert.Equal(t, "COMPLETED", rec.Status)
	assert.Equal(t, "func reverse() {}", rec.Final)
	assert.False(t, rec.Incomplete)
	assert.Equal(t, "It reverses.", rec.Outputs["explanation"])
	require.Len(t, rec.Stages, 2)
	assert.Equal(t, "code", rec.Stages[0].Name)
	assert.Equal(t, "openai", rec.Stages[1].Provider)
	assert.True(t, rec.Stages[1].Truncated)
	require.NotNil(t, rec.Stages[1].CompletedAt)
	assert.True(t, done.Equal(*rec.Stages[1].CompletedAt))
}

func TestSaveReplacesAndKeepsFailures(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	snap := session.Snapshot{
		ID:     "s2",
		Kind:   session.KindMultiStep,
		Status: session.StatusFailed,
		Stages: []session.StageRecord{{Name: "architecture", Output: "plan"}, {Name: "coder", Output: "partial"}},
		Error:  &session.ErrorInfo{Kind: "PipelineExhausted", Message: "all providers failed", Stage: "coder"},
		Artifact: &session.Artifact{
			Outputs:    map[string]string{"architecture": "plan"},
			Final:      "plan",
			Incomplete: true,
		},
	}
	require.NoError(t, store.Save(ctx, snap))
	snap.Stages = snap.Stages[:1]
	require.NoError(t, store.Save(ctx, snap))

	rec, err := store.Get(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, rec.Incomplete)
	assert.Equal(t, "PipelineExhausted", rec.ErrorKind)
	assert.Len(t, rec.Stages, 1)
	assert.Nil(t, rec.Stages[0].CompletedAt)
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
