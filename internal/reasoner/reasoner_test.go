package reasoner

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/budget"
)

func newTestReasoner(tokens int) *Reasoner {
	b := budget.New(map[string]int{"medium": tokens, "complex": tokens}, 64)
	tierOf := func(stage string) string {
		if stage == StageTester {
			return "medium"
		}
		return "complex"
	}
	return New(b, tierOf, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type scriptedRunner struct {
	outputs map[string]string
	errs    map[string]error
	seen    []Stage
}

func (s *scriptedRunner) RunStage(_ context.Context, stage Stage) (string, error) {
	s.seen = append(s.seen, stage)
	if err, ok := s.errs[stage.Name]; ok {
		return "", err
	}
	return s.outputs[stage.Name], nil
}

func (s *scriptedRunner) names() []string {
	var out []string
	for _, st := range s.seen {
		out = append(out, st.Name)
	}
	return out
}

func TestRunAllLayers(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		StageArchitecture: "plan: two pointers",
		StageCoder:        "func reverse(s string) string { return s }",
		StageTester:       "defect: does not reverse",
		StageRefiner:      "func reverse(s string) string { r := []rune(s); return string(r) }",
	}}

	res, err := newTestReasoner(4000).Run(context.Background(), Request{Prompt: "reverse a string", TestCases: "abc -> cba"}, runner)
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, Stages, res.Completed)
	assert.Equal(t, runner.outputs[StageRefiner], res.Final)
	assert.False(t, res.Incomplete)

	require.Len(t, runner.seen, 4)
	assert.Contains(t, runner.seen[0].Prompt, "TEST CASES:\nabc -> cba")
	assert.Contains(t, runner.seen[1].Prompt, "ARCHITECTURE PLAN:\nplan: two pointers")
	assert.Contains(t, runner.seen[2].Prompt, "GENERATED CODE:\n"+runner.outputs[StageCoder])
	assert.Contains(t, runner.seen[2].Prompt, "ADDITIONAL TEST CASES:\nabc -> cba")
	assert.Contains(t, runner.seen[3].Prompt, "TESTER FINDINGS:\ndefect: does not reverse")
	assert.Equal(t, "medium", runner.seen[2].Tier)
	assert.Equal(t, "complex", runner.seen[3].Tier)
	for _, st := range runner.seen {
		assert.True(t, strings.HasPrefix(st.Prompt, "ORIGINAL PROMPT:\nreverse a string"))
		assert.NotEmpty(t, st.System)
		assert.False(t, st.Trimmed)
	}
}

func TestTesterFailureSkipsRefiner(t *testing.T) {
	runner := &scriptedRunner{
		outputs: map[string]string{
			StageArchitecture: "plan",
			StageCoder:        "code v1",
		},
		errs: map[string]error{
			StageTester: aierr.New(aierr.KindPipelineExhausted, "all providers failed"),
		},
	}

	res, err := newTestReasoner(4000).Run(context.Background(), Request{Prompt: "p"}, runner)
	require.Error(t, err)
	assert.ErrorIs(t, err, aierr.PipelineExhausted)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StageTester, res.FailedStage)
	assert.Equal(t, []string{StageArchitecture, StageCoder}, res.Completed)
	assert.Equal(t, "code v1", res.Final)
	assert.True(t, res.Incomplete)
	assert.NotContains(t, runner.names(), StageRefiner)
}

func TestRefinerRunsRegardlessOfVerdict(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		StageArchitecture: "plan",
		StageCoder:        "buggy",
		StageTester:       "FAIL: 3 defects found",
		StageRefiner:      "fixed",
	}}

	res, err := newTestReasoner(4000).Run(context.Background(), Request{Prompt: "p"}, runner)
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Final)
	assert.Equal(t, Stages, runner.names())
}

func TestCancelledBeforeLayer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := StageRunnerFunc(func(_ context.Context, stage Stage) (string, error) {
		if stage.Name == StageCoder {
			cancel()
		}
		return stage.Name + " output", nil
	})

	res, err := newTestReasoner(4000).Run(ctx, Request{Prompt: "p"}, runner)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{StageArchitecture, StageCoder}, res.Completed)
	assert.Equal(t, StageTester, res.FailedStage)
	assert.Equal(t, "coder output", res.Final)
}

func TestBudgetExceededFailsLayer(t *testing.T) {
	runner := &scriptedRunner{}
	res, err := newTestReasoner(2).Run(context.Background(), Request{Prompt: strings.Repeat("long prompt ", 50)}, runner)
	assert.ErrorIs(t, err, aierr.ContextBudgetExceeded)
	assert.Equal(t, StageArchitecture, res.FailedStage)
	assert.Empty(t, runner.seen)
	assert.Empty(t, res.Final)
}

func TestLargeOutputIsTrimmed(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		StageArchitecture: strings.Repeat("step\n", 400),
	}}
	_, _ = newTestReasoner(200).Run(context.Background(), Request{Prompt: "p"}, runner)

	require.GreaterOrEqual(t, len(runner.seen), 2)
	assert.False(t, runner.seen[0].Trimmed)
	assert.True(t, runner.seen[1].Trimmed)
	assert.LessOrEqual(t, budget.EstimateTokens(strings.TrimSuffix(runner.seen[1].Prompt, instructions[StageCoder])), 200)
}
