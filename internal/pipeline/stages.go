package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"SnippetAI/internal/backend"
	"SnippetAI/internal/budget"
	"SnippetAI/internal/reasoner"
	"SnippetAI/internal/router"
	"SnippetAI/internal/session"
)

// Event types
const (
	EventPipelineStart     = "pipeline_start"
	EventStepComplete      = "step_complete"
	EventPipelineComplete  = "pipeline_complete"
	EventPipelineCancelled = "pipeline_cancelled"
	EventError             = "error"
)

// ProgressEvent returns the event type of a stage's progress events
func ProgressEvent(stage string) string {
	return stage + "_progress"
}

// Stage names of the simple chain
const (
	StageCode        = "code"
	StageExplanation = "explanation"
)

const (
	codeSystem = "You are a code generation expert. Generate only the code requested. " +
		"Do not include explanations, preambles or markdown formatting. Return the raw code " +
		"with brief one-line comments where necessary."
	explanationSystem = "You are a code analysis expert. Explain the code clearly and in a " +
		"structured way, using simple language."

	// expectedTokens is the output size at which a stage reports most of its share
	expectedTokens = 1024
)

// step positions a stage within the pipeline's progress range
type step struct {
	index int
	total int
}

// progress maps the stage's output so far onto 0 to 100. A running stage never
// reports its full share.
func (s step) progress(tokens int) int {
	within := tokens * 90 / expectedTokens
	if within > 90 {
		within = 90
	}
	return (s.index*100 + within) / s.total
}

// last reports whether the stage is the pipeline's final one. Its completion is
// announced by pipeline_complete.
func (s step) last() bool {
	return s.index+1 >= s.total
}

// stageSpec is one stage invocation
type stageSpec struct {
	name   string
	tier   string
	system string
	prompt string
	prefer string
	step   step
}

// stageError carries the failing stage and the output it produced before failing
type stageError struct {
	stage   string
	partial string
	err     error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// runStage streams one stage into the session and returns its full output
func (o *Orchestrator) runStage(ctx context.Context, w *session.Writer, st stageSpec) (string, error) {
	if o.beforeStage != nil {
		o.beforeStage(w.ID(), st.name)
	}
	if err := ctx.Err(); err != nil {
		return "", &stageError{stage: st.name, err: err}
	}

	ctx, span := o.tracer.Start(ctx, "stage", trace.WithAttributes(
		attribute.String("session_id", w.ID()),
		attribute.String("stage", st.name),
		attribute.String("tier", st.tier),
	))
	defer span.End()
	start := time.Now()

	out, err := o.streamStage(ctx, w, st)

	span.SetAttributes(attribute.Int("output_tokens", budget.EstimateTokens(out)))
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.stageDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		attribute.String("stage", st.name),
		attribute.String("result", result),
	))
	if err != nil {
		return "", &stageError{stage: st.name, partial: out, err: err}
	}
	return out, nil
}

func (o *Orchestrator) streamStage(ctx context.Context, w *session.Writer, st stageSpec) (string, error) {
	stream, err := o.router.Open(ctx, st.tier, &backend.Request{
		Prompt: st.prompt,
		System: st.system,
	}, router.Options{PreferModel: st.prefer})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("provider", stream.Provider()),
		attribute.String("model", stream.Model()),
	)
	o.logger.Info("stage started", "session_id", w.ID(), "stage", st.name,
		"provider", stream.Provider(), "model", stream.Model(), "attempts", len(stream.Attempts()))

	idx, err := w.AppendStage(session.StageRecord{
		Name:     st.name,
		Provider: stream.Provider(),
		Model:    stream.Model(),
		Tier:     stream.Tier(),
		Attempts: len(stream.Attempts()),
	})
	if err != nil {
		return "", err
	}

	var (
		accumulated string
		truncated   bool
	)
	for {
		d, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return accumulated, err
		}
		if d.FinishReason == backend.FinishLength {
			truncated = true
		}
		if d.Text == "" {
			continue
		}
		accumulated, err = w.AppendOutput(idx, d.Text)
		if err != nil {
			return accumulated, err
		}
		_, err = w.Emit(ProgressEvent(st.name), map[string]any{
			"stage":       st.name,
			"delta":       d.Text,
			"accumulated": accumulated,
			"progress":    st.step.progress(budget.EstimateTokens(accumulated)),
		})
		if err != nil {
			return accumulated, err
		}
	}

	if err := w.CompleteStage(idx, truncated); err != nil {
		return accumulated, err
	}
	if truncated {
		o.logger.Warn("stage output hit the length limit", "session_id", w.ID(), "stage", st.name, "provider", stream.Provider())
	}
	if st.step.last() {
		return accumulated, nil
	}
	_, err = w.Emit(EventStepComplete, map[string]any{
		"step":      st.step.index + 1,
		"stage":     st.name,
		"provider":  stream.Provider(),
		"model":     stream.Model(),
		"truncated": truncated,
	})
	return accumulated, err
}

// runSimpleChain generates code, then explains it
func (o *Orchestrator) runSimpleChain(ctx context.Context, w *session.Writer, req Request) *outcome {
	out := &outcome{artifact: session.Artifact{Outputs: map[string]string{}}}

	codeTier := o.router.StageTier(StageCode)
	prompt, err := o.budget.Prepare(budget.Input{Prompt: req.Prompt}, codeTier)
	if err != nil {
		return out.failed(StageCode, "", err)
	}
	code, err := o.runStage(ctx, w, stageSpec{
		name:   StageCode,
		tier:   codeTier,
		system: codeSystem,
		prompt: prompt,
		prefer: req.CodeModel,
		step:   step{index: 0, total: 2},
	})
	if err != nil {
		return out.fromStageError(err)
	}
	out.artifact.Outputs[StageCode] = code
	out.artifact.Final = code

	explainTier := o.router.StageTier(StageExplanation)
	prompt, err = o.budget.Prepare(budget.Input{
		Prompt:   req.Prompt,
		Sections: []budget.Section{{Label: StageCode, Text: code}},
	}, explainTier)
	if err != nil {
		return out.failed(StageExplanation, "", err)
	}
	explanation, err := o.runStage(ctx, w, stageSpec{
		name:   StageExplanation,
		tier:   explainTier,
		system: explanationSystem,
		prompt: prompt + "\n\nExplain this code.",
		prefer: req.ExplanationModel,
		step:   step{index: 1, total: 2},
	})
	if err != nil {
		return out.fromStageError(err)
	}
	out.artifact.Outputs[StageExplanation] = explanation

	out.completion = map[string]any{
		StageCode:        code,
		StageExplanation: explanation,
	}
	return out
}

// runMultiStep delegates the layer sequence to the reasoner
func (o *Orchestrator) runMultiStep(ctx context.Context, w *session.Writer, req Request) *outcome {
	runner := reasoner.StageRunnerFunc(func(ctx context.Context, st reasoner.Stage) (string, error) {
		if st.Trimmed {
			o.logger.Debug("layer input trimmed to budget", "session_id", w.ID(), "stage", st.Name, "tier", st.Tier)
		}
		return o.runStage(ctx, w, stageSpec{
			name:   st.Name,
			tier:   st.Tier,
			system: st.System,
			prompt: st.Prompt,
			step:   step{index: layerIndex(st.Name), total: len(reasoner.Stages)},
		})
	})

	res, err := o.reasoner.Run(ctx, reasoner.Request{Prompt: req.Prompt, TestCases: req.TestCases}, runner)
	out := &outcome{artifact: session.Artifact{
		Outputs:    res.Outputs,
		Final:      res.Final,
		Incomplete: res.Incomplete,
	}}
	if err != nil {
		out.fromStageError(err)
		if out.stage == "" {
			out.stage = res.FailedStage
		}
		return out
	}

	out.completion = map[string]any{
		reasoner.StageArchitecture: res.Outputs[reasoner.StageArchitecture],
		reasoner.StageCoder:        res.Outputs[reasoner.StageCoder],
		reasoner.StageTester:       res.Outputs[reasoner.StageTester],
		reasoner.StageRefiner:      res.Outputs[reasoner.StageRefiner],
		"final_code":               res.Final,
		"incomplete":               false,
	}
	return out
}

func layerIndex(stage string) int {
	for i, s := range reasoner.Stages {
		if s == stage {
			return i
		}
	}
	return 0
}

func (out *outcome) failed(stage, partial string, err error) *outcome {
	out.err = err
	out.stage = stage
	out.partial = partial
	out.artifact.Incomplete = true
	return out
}

func (out *outcome) fromStageError(err error) *outcome {
	var se *stageError
	if errors.As(err, &se) {
		return out.failed(se.stage, se.partial, err)
	}
	return out.failed("", "", err)
}
