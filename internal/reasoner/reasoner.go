// Package reasoner drives the four-layer architecture, coder, tester and refiner
// pipeline. Each layer is executed through a StageRunner so its output streams like
// any other stage.
package reasoner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/budget"
)

// State is a position in the layer state machine
type State string

const (
	StateArchitecture State = "ARCHITECTURE"
	StateCoder        State = "CODER"
	StateTester       State = "TESTER"
	StateRefiner      State = "REFINER"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
)

// Stage names of the layers, as recorded on the session
const (
	StageArchitecture = "architecture"
	StageCoder        = "coder"
	StageTester       = "tester"
	StageRefiner      = "refiner"
)

// Stages lists the layers in execution order
var Stages = []string{StageArchitecture, StageCoder, StageTester, StageRefiner}

// Stage is one prepared layer invocation
type Stage struct {
	Name   string
	Tier   string
	System string
	Prompt string
	// Trimmed reports whether the budgeter cut any input
	Trimmed bool
}

// StageRunner executes a stage and returns its complete output
type StageRunner interface {
	RunStage(ctx context.Context, stage Stage) (string, error)
}

// StageRunnerFunc adapts a function to StageRunner
type StageRunnerFunc func(ctx context.Context, stage Stage) (string, error)

// RunStage calls f
func (f StageRunnerFunc) RunStage(ctx context.Context, stage Stage) (string, error) {
	return f(ctx, stage)
}

// Request is the input of a reasoning run
type Request struct {
	Prompt    string
	TestCases string
}

// Result holds every completed layer. It is filled even when the run fails.
type Result struct {
	State       State
	Outputs     map[string]string
	Completed   []string
	Final       string
	Incomplete  bool
	FailedStage string
}

// Reasoner owns the layer transitions and the preparation of each layer's input
type Reasoner struct {
	budget *budget.Budgeter
	tierOf func(stage string) string
	logger *slog.Logger
}

// New creates a reasoner. tierOf maps a stage name to its tier.
func New(b *budget.Budgeter, tierOf func(stage string) string, logger *slog.Logger) *Reasoner {
	return &Reasoner{budget: b, tierOf: tierOf, logger: logger}
}

// Run executes the layers in order. On failure or cancellation the completed
// layers stay in the result and the error is returned alongside it.
func (r *Reasoner) Run(ctx context.Context, req Request, runner StageRunner) (*Result, error) {
	res := &Result{
		State:   StateArchitecture,
		Outputs: make(map[string]string, len(Stages)),
	}

	for res.State != StateDone {
		stage := stageOf(res.State)

		if err := ctx.Err(); err != nil {
			r.fail(res, stage)
			return res, err
		}

		prepared, err := r.prepare(stage, req, res.Outputs)
		if err != nil {
			r.fail(res, stage)
			return res, err
		}

		r.logger.Debug("running layer", "stage", stage, "tier", prepared.Tier)
		out, err := runner.RunStage(ctx, prepared)
		if err != nil {
			r.fail(res, stage)
			if errors.Is(err, context.Canceled) {
				return res, err
			}
			return res, fmt.Errorf("layer %s failed: %w", stage, err)
		}

		res.Outputs[stage] = out
		res.Completed = append(res.Completed, stage)
		res.State = next(res.State)
	}

	res.Final = res.Outputs[StageRefiner]
	res.Incomplete = false
	return res, nil
}

// fail moves the machine to FAILED and picks the last completed layer as the
// incomplete artifact
func (r *Reasoner) fail(res *Result, stage string) {
	res.State = StateFailed
	res.FailedStage = stage
	res.Incomplete = true
	if n := len(res.Completed); n > 0 {
		res.Final = res.Outputs[res.Completed[n-1]]
	}
}

func (r *Reasoner) prepare(stage string, req Request, outputs map[string]string) (Stage, error) {
	in := budget.Input{Prompt: req.Prompt}
	switch stage {
	case StageArchitecture:
		if strings.TrimSpace(req.TestCases) != "" {
			in.Sections = append(in.Sections, budget.Section{Label: "test cases", Text: req.TestCases})
		}
	case StageCoder:
		in.Sections = append(in.Sections, budget.Section{Label: "architecture plan", Text: outputs[StageArchitecture]})
	case StageTester:
		in.Sections = append(in.Sections, budget.Section{Label: "generated code", Text: outputs[StageCoder]})
		if strings.TrimSpace(req.TestCases) != "" {
			in.Sections = append(in.Sections, budget.Section{Label: "additional test cases", Text: req.TestCases})
		}
	case StageRefiner:
		in.Sections = append(in.Sections,
			budget.Section{Label: "code", Text: outputs[StageCoder]},
			budget.Section{Label: "tester findings", Text: outputs[StageTester]},
		)
	}

	tier := r.tierOf(stage)
	prompt, err := r.budget.Prepare(in, tier)
	if err != nil {
		if aierr.KindOf(err) == aierr.KindContextBudgetExceeded {
			return Stage{}, err
		}
		return Stage{}, fmt.Errorf("failed to prepare %s input: %w", stage, err)
	}

	return Stage{
		Name:      stage,
		Tier:      tier,
		System:    systemPrompts[stage],
		Prompt:    prompt + instructions[stage],
		Trimmed:   !r.budget.Fits(in, tier),
	}, nil
}

func stageOf(s State) string {
	switch s {
	case StateArchitecture:
		return StageArchitecture
	case StateCoder:
		return StageCoder
	case StateTester:
		return StageTester
	case StateRefiner:
		return StageRefiner
	}
	return ""
}

func next(s State) State {
	switch s {
	case StateArchitecture:
		return StateCoder
	case StateCoder:
		return StateTester
	case StateTester:
		return StateRefiner
	case StateRefiner:
		return StateDone
	}
	return StateFailed
}
