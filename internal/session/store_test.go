package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SnippetAI/internal/aierr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(ttl time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(ttl, logger, WithClock(clock.Now)), clock
}

func TestSequenceNumbersGapFree(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	w, err := store.Create("s1", "reverse a string", KindSimpleChain)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Emit("code_progress", map[string]any{"delta": "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err = w.Finish(StatusCompleted, "pipeline_complete", nil)
	require.NoError(t, err)

	events, _, done, err := store.Events("s1", -1)
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, events, 51)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Sequence)
	}

	snap, err := store.Read("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap.LastSequence)

	tail, _, _, err := store.Events("s1", 48)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(49), tail[0].Sequence)
}

func TestOutputPrefixMonotonic(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	w, err := store.Create("s1", "p", KindSimpleChain)
	require.NoError(t, err)

	idx, err := w.AppendStage(StageRecord{Name: "code", Provider: "gemini", Model: "m", Tier: "medium"})
	require.NoError(t, err)

	out, err := w.AppendOutput(idx, "func ")
	require.NoError(t, err)
	assert.Equal(t, "func ", out)
	out, err = w.AppendOutput(idx, "main")
	require.NoError(t, err)
	assert.Equal(t, "func main", out)

	snap, err := store.Read("s1")
	require.NoError(t, err)
	assert.Equal(t, "func main", snap.Stages[0].Output)
	assert.Equal(t, 3, snap.Stages[0].TokenEstimate)

	require.NoError(t, w.CompleteStage(idx, false))
	_, err = w.AppendOutput(idx, "!")
	assert.Error(t, err)
}

func TestTerminalSessionIsFrozen(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	w, err := store.Create("s1", "p", KindMultiStep)
	require.NoError(t, err)
	require.NoError(t, w.SetStatus(StatusRunning))
	idx, err := w.AppendStage(StageRecord{Name: "architecture"})
	require.NoError(t, err)

	_, err = w.Finish(StatusFailed, "error", map[string]any{"kind": "PipelineExhausted"})
	require.NoError(t, err)

	_, err = w.AppendStage(StageRecord{Name: "coder"})
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = w.AppendOutput(idx, "more")
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = w.Emit("late", nil)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = w.Finish(StatusCompleted, "pipeline_complete", nil)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Error(t, w.SetStatus(StatusCompleted))
}

func TestReadersGetCopies(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	w, err := store.Create("s1", "p", KindSimpleChain)
	require.NoError(t, err)
	require.NoError(t, w.SetArtifact(Artifact{Outputs: map[string]string{"code": "x"}, Final: "x"}))

	snap, err := store.Read("s1")
	require.NoError(t, err)
	snap.Artifact.Outputs["code"] = "mutated"

	again, err := store.Read("s1")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Artifact.Outputs["code"])
}

func TestDuplicateLiveSession(t *testing.T) {
	store, clock := newTestStore(time.Hour)
	_, err := store.Create("dup", "p", KindSimpleChain)
	require.NoError(t, err)

	_, err = store.Create("dup", "p", KindSimpleChain)
	assert.ErrorIs(t, err, ErrSessionExists)

	clock.Advance(2 * time.Hour)
	_, err = store.Create("dup", "p", KindSimpleChain)
	assert.NoError(t, err)
}

func TestTTLExpiry(t *testing.T) {
	store, clock := newTestStore(2 * time.Hour)
	w, err := store.Create("s1", "p", KindSimpleChain)
	require.NoError(t, err)
	_, err = w.Finish(StatusCompleted, "pipeline_complete", nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = store.Read("s1")
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	_, err = store.Read("s1")
	assert.ErrorIs(t, err, aierr.SessionExpired)
	_, _, _, err = store.Events("s1", -1)
	assert.ErrorIs(t, err, aierr.SessionExpired)
	assert.Equal(t, 0, store.Len())

	clock.Advance(3 * time.Hour)
	store.Sweep()
	_, err = store.Read("s1")
	assert.ErrorIs(t, err, aierr.SessionNotFound)
}

func TestSweep(t *testing.T) {
	store, clock := newTestStore(time.Hour)
	_, err := store.Create("old", "p", KindSimpleChain)
	require.NoError(t, err)
	clock.Advance(45 * time.Minute)
	_, err = store.Create("new", "p", KindSimpleChain)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())

	_, err = store.Read("old")
	assert.ErrorIs(t, err, aierr.SessionExpired)
}

func TestExpireIsIdempotent(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	w, err := store.Create("s1", "p", KindSimpleChain)
	require.NoError(t, err)

	_, notify, _, err := store.Events("s1", -1)
	require.NoError(t, err)

	store.Expire("s1")
	store.Expire("s1")
	store.Expire("never-existed")

	select {
	case <-notify:
	default:
		t.Fatal("waiting readers were not woken")
	}

	_, err = store.Read("s1")
	assert.ErrorIs(t, err, aierr.SessionNotFound)
	_, err = w.Emit("late", nil)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestNotifyOnEmit(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	w, err := store.Create("s1", "p", KindSimpleChain)
	require.NoError(t, err)

	events, notify, done, err := store.Events("s1", -1)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, done)

	_, err = w.Emit("code_progress", nil)
	require.NoError(t, err)

	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatal("notify channel not closed")
	}
}
