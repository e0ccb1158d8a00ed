// Package pipeline runs generation sessions: it drives the stages, streams their
// output into the session store and records the terminal result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/budget"
	"SnippetAI/internal/reasoner"
	"SnippetAI/internal/router"
	"SnippetAI/internal/session"
	"SnippetAI/internal/worker"
)

var (
	// ErrInvalidRequest is returned for a malformed pipeline request
	ErrInvalidRequest = errors.New("invalid pipeline request")
	// ErrBusy is returned when the worker pool cannot admit another run
	ErrBusy = worker.ErrBusy
)

// Request starts a pipeline
type Request struct {
	Prompt           string       `json:"prompt"`
	SessionID        string       `json:"session_id,omitempty"`
	Kind             session.Kind `json:"pipeline_kind"`
	CodeModel        string       `json:"code_model,omitempty"`
	ExplanationModel string       `json:"explanation_model,omitempty"`
	TestCases        string       `json:"test_cases,omitempty"`
}

// ArtifactSink receives every session that reached a terminal status
type ArtifactSink interface {
	Save(ctx context.Context, snap session.Snapshot) error
}

// Orchestrator owns the session state machine of every pipeline run
type Orchestrator struct {
	store    *session.Store
	router   *router.Router
	budget   *budget.Budgeter
	reasoner *reasoner.Reasoner
	pool     *worker.Pool
	sink     ArtifactSink
	logger   *slog.Logger
	tracer   trace.Tracer

	sessions      metric.Int64Counter
	stageDuration metric.Float64Histogram

	mu      sync.Mutex
	running map[string]context.CancelFunc

	// beforeStage, when set, is called as each stage is about to start
	beforeStage func(sessionID, stage string)
}

// New creates an orchestrator. sink may be nil.
func New(store *session.Store, r *router.Router, b *budget.Budgeter, pool *worker.Pool, sink ArtifactSink, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Orchestrator, error) {
	o := &Orchestrator{
		store:    store,
		router:   r,
		budget:   b,
		reasoner: reasoner.New(b, r.StageTier, logger),
		pool:     pool,
		sink:     sink,
		logger:   logger,
		tracer:   tracer,
		running:  make(map[string]context.CancelFunc),
	}

	var err error
	o.sessions, err = meter.Int64Counter(
		"pipeline.sessions",
		metric.WithDescription("Finished pipeline sessions by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions counter: %w", err)
	}
	o.stageDuration, err = meter.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Stage duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}
	return o, nil
}

// Validate normalises req and checks it
func (req *Request) Validate() error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	}
	if req.Kind == "" {
		req.Kind = session.KindSimpleChain
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown pipeline_kind %q", ErrInvalidRequest, req.Kind)
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	return nil
}

// Start creates the session and schedules the run. It returns as soon as the run is
// queued; progress is observed through the session store.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	w, err := o.store.Create(id, req.Prompt, req.Kind)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()

	err = o.pool.Submit(runCtx, func(ctx context.Context) {
		defer o.release(id)
		o.run(ctx, w, req)
	})
	if err != nil {
		o.release(id)
		info := session.ErrorInfo{Kind: string(aierr.KindBusy), Message: err.Error()}
		if serr := w.SetError(info); serr == nil {
			w.Finish(session.StatusFailed, EventError, errorPayload(info, "", &session.Artifact{Outputs: map[string]string{}, Incomplete: true}))
		}
		o.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "busy")))
		o.logger.Warn("pipeline rejected", "session_id", id, "error", err)
		return id, err
	}

	o.logger.Info("pipeline started", "session_id", id, "kind", req.Kind)
	return id, nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	cancel, ok := o.running[id]
	delete(o.running, id)
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel requests cooperative cancellation of a running session. Cancelling a
// finished session is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel()
		o.logger.Info("pipeline cancel requested", "session_id", id)
		return nil
	}
	_, err := o.store.Read(id)
	return err
}

// Clear removes a session from the store and cancels its run. It is idempotent.
func (o *Orchestrator) Clear(id string) {
	o.store.Expire(id)

	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether a run is in progress for the session
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Pending returns the number of admitted runs that have not finished
func (o *Orchestrator) Pending() int {
	return o.pool.Pending()
}

// Shutdown cancels every run and waits for them to record their outcome
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()
	return o.pool.Close(ctx)
}

// run executes one session to a terminal status
func (o *Orchestrator) run(ctx context.Context, w *session.Writer, req Request) {
	ctx, span := o.tracer.Start(ctx, "pipeline", trace.WithAttributes(
		attribute.String("session_id", w.ID()),
		attribute.String("pipeline_kind", string(req.Kind)),
	))
	defer span.End()

	if err := w.SetStatus(session.StatusRunning); err != nil {
		o.logger.Debug("session closed before start", "session_id", w.ID(), "error", err)
		return
	}
	stages := []string{StageCode, StageExplanation}
	if req.Kind == session.KindMultiStep {
		stages = append([]string(nil), reasoner.Stages...)
	}
	if _, err := w.Emit(EventPipelineStart, map[string]any{
		"session_id":    w.ID(),
		"pipeline_kind": string(req.Kind),
		"stages":        stages,
	}); err != nil {
		o.logger.Debug("session closed before start", "session_id", w.ID(), "error", err)
		return
	}

	var out *outcome
	switch req.Kind {
	case session.KindMultiStep:
		out = o.runMultiStep(ctx, w, req)
	default:
		out = o.runSimpleChain(ctx, w, req)
	}

	status := o.finish(ctx, w, out)
	span.SetAttributes(attribute.String("status", string(status)))
	if out.err != nil && status == session.StatusFailed {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
}

// outcome is the result of a pipeline body
type outcome struct {
	err        error
	stage      string
	partial    string
	artifact   session.Artifact
	completion map[string]any
}

// finish records the terminal status and hands the session to the sink
func (o *Orchestrator) finish(ctx context.Context, w *session.Writer, out *outcome) session.Status {
	var (
		status    session.Status
		eventType string
		payload   map[string]any
	)

	switch {
	case out.err == nil:
		status, eventType, payload = session.StatusCompleted, EventPipelineComplete, out.completion
	case aierr.IsCancelled(out.err) || ctx.Err() != nil:
		status, eventType = session.StatusCancelled, EventPipelineCancelled
		payload = map[string]any{
			"stage":             out.stage,
			"partial_available": partialAvailable(out),
			"artifact":          artifactPayload(out.artifact),
		}
	default:
		status, eventType = session.StatusFailed, EventError
		info := session.ErrorInfo{
			Kind:             string(aierr.KindOf(out.err)),
			Message:          out.err.Error(),
			Stage:            out.stage,
			PartialAvailable: partialAvailable(out),
		}
		if err := w.SetError(info); err != nil {
			o.logger.Debug("failed to record error", "session_id", w.ID(), "error", err)
		}
		payload = errorPayload(info, out.partial, &out.artifact)
	}

	if err := w.SetArtifact(out.artifact); err != nil {
		o.logger.Debug("failed to record artifact", "session_id", w.ID(), "error", err)
	}
	if _, err := w.Finish(status, eventType, payload); err != nil {
		o.logger.Debug("session cleared before finish", "session_id", w.ID(), "error", err)
		o.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "cleared")))
		return status
	}

	o.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", strings.ToLower(string(status)))))
	switch status {
	case session.StatusFailed:
		o.logger.Error("pipeline failed", "session_id", w.ID(), "stage", out.stage, "error", out.err)
	default:
		o.logger.Info("pipeline finished", "session_id", w.ID(), "status", status)
	}

	if o.sink != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.sink.Save(saveCtx, w.Snapshot()); err != nil {
			o.logger.Error("failed to save artifact", "session_id", w.ID(), "error", err)
		}
	}
	return status
}

func partialAvailable(out *outcome) bool {
	return out.partial != "" || len(out.artifact.Outputs) > 0
}

func artifactPayload(a session.Artifact) map[string]any {
	outputs := make(map[string]any, len(a.Outputs))
	for k, v := range a.Outputs {
		outputs[k] = v
	}
	return map[string]any{
		"outputs":    outputs,
		"final":      a.Final,
		"incomplete": a.Incomplete,
	}
}

func errorPayload(info session.ErrorInfo, partial string, a *session.Artifact) map[string]any {
	return map[string]any{
		"kind":              info.Kind,
		"message":           info.Message,
		"stage":             info.Stage,
		"partial_available": info.PartialAvailable,
		"partial":           partial,
		"artifact":          artifactPayload(*a),
	}
}
