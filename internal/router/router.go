// Package router selects a provider and model for a tier and walks the tier's
// fallback chain on retryable failures.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/backend"
	"SnippetAI/internal/config"
)

// Attempt statuses
const (
	StatusOK           = "ok"
	StatusFailed       = "failed"
	StatusSkipped      = "skipped"
	StatusUnconfigured = "unconfigured"
)

// Options adjusts a single Open call
type Options struct {
	// PreferModel moves the chain entry serving this model to the front
	PreferModel string
}

// Attempt records one chain entry considered during Open
type Attempt struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Status   string        `json:"status"`
	Kind     aierr.Kind    `json:"kind,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// Router routes generation requests across provider chains
type Router struct {
	profiles map[string]*Profile
	tiers    map[string]config.TierConfig
	stages   map[string]string
	logger   *slog.Logger
	tracer   trace.Tracer

	attempts metric.Int64Counter
	duration metric.Float64Histogram

	now func() time.Time
}

// New creates a router over the configured tiers. Every provider referenced by a
// chain must have an adapter.
func New(cfg *config.Config, adapters map[string]backend.Adapter, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Router, error) {
	r := &Router{
		profiles: make(map[string]*Profile, len(adapters)),
		tiers:    make(map[string]config.TierConfig, len(cfg.Tiers)),
		stages:   make(map[string]string, len(cfg.Stages)),
		logger:   logger,
		tracer:   tracer,
		now:      time.Now,
	}

	for id, adapter := range adapters {
		pc := cfg.Providers[id]
		cooldown := pc.Cooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		r.profiles[id] = newProfile(id, pc.Kind, adapter, pc.RequestsPerMinute, cooldown)
	}

	for name, tier := range cfg.Tiers {
		for _, entry := range tier.Chain {
			p, ok := r.profiles[entry.Provider]
			if !ok {
				return nil, fmt.Errorf("tier %s references provider %s without an adapter", name, entry.Provider)
			}
			if !contains(p.tiers, name) {
				p.tiers = append(p.tiers, name)
			}
		}
		r.tiers[name] = tier
	}
	for stage, tier := range cfg.Stages {
		r.stages[stage] = tier
	}

	var err error
	r.attempts, err = meter.Int64Counter(
		"router.attempts",
		metric.WithDescription("Provider attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}
	r.duration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Time to first delta in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return r, nil
}

// Build creates adapters for every configured provider and a router over them
func Build(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Router, error) {
	adapters := make(map[string]backend.Adapter, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		a, err := backend.New(id, pc, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create adapter %s: %w", id, err)
		}
		adapters[id] = a
	}
	return New(cfg, adapters, logger, tracer, meter)
}

// Open walks the tier's chain until an entry produces its first delta. The
// returned stream is committed to that entry.
func (r *Router) Open(ctx context.Context, tier string, req *backend.Request, opts Options) (*Stream, error) {
	tc, ok := r.tiers[tier]
	if !ok || len(tc.Chain) == 0 {
		return nil, &aierr.Error{Kind: aierr.KindProviderUnconfigured, Message: fmt.Sprintf("no provider chain for tier %q", tier)}
	}

	chain := preferModel(tc.Chain, opts.PreferModel)
	var (
		attempts     []Attempt
		lastErr      error
		unconfigured error
		attempted    bool
		deferred     bool
		soonest      time.Time
	)
	noteWait := func(until time.Time) {
		if soonest.IsZero() || until.Before(soonest) {
			soonest = until
		}
	}

	for _, entry := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.profiles[entry.Provider]
		now := r.now()

		if until, blocked := p.blockedUntil(entry.Model, now); blocked {
			attempts = append(attempts, Attempt{Provider: p.id, Model: entry.Model, Status: StatusSkipped, Reason: "cooling down"})
			deferred = true
			noteWait(until)
			continue
		}
		slot, until, ok := p.reserve(now)
		if !ok {
			attempts = append(attempts, Attempt{Provider: p.id, Model: entry.Model, Status: StatusSkipped, Reason: "rate budget exhausted"})
			deferred = true
			noteWait(until)
			continue
		}

		stream, attempt, err := r.try(ctx, p, tier, tc, entry.Model, req)
		attempts = append(attempts, attempt)
		if err == nil {
			stream.attempts = attempts
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch aierr.KindOf(err) {
		case aierr.KindProviderUnconfigured:
			p.release(slot, now)
			unconfigured = err
		case aierr.KindContentRejected:
			r.logger.Warn("content rejected, aborting chain", "tier", tier, "provider", p.id, "model", entry.Model, "error", err)
			return nil, err
		default:
			attempted = true
			lastErr = err
			p.markFailure(entry.Model, err, r.now())
			if until, blocked := p.blockedUntil(entry.Model, r.now()); blocked {
				noteWait(until)
			}
			r.logger.Warn("provider attempt failed, falling back", "tier", tier, "provider", p.id, "model", entry.Model, "error", err)
		}
	}

	if !attempted && !deferred && unconfigured != nil {
		return nil, unconfigured
	}

	exhausted := &aierr.Error{
		Kind:    aierr.KindPipelineExhausted,
		Message: fmt.Sprintf("all %d providers for tier %s failed", len(chain), tier),
		Err:     lastErr,
	}
	if !soonest.IsZero() {
		exhausted.RetryAfter = soonest.Sub(r.now())
	}
	return nil, exhausted
}

// try opens one chain entry and waits for its first delta
func (r *Router) try(ctx context.Context, p *Profile, tier string, tc config.TierConfig, model string, req *backend.Request) (*Stream, Attempt, error) {
	ctx, span := r.tracer.Start(ctx, "provider_attempt", trace.WithAttributes(
		attribute.String("provider", p.id),
		attribute.String("model", model),
		attribute.String("tier", tier),
	))
	defer span.End()

	start := r.now()
	call := *req
	call.Model = model
	if call.MaxTokens == 0 {
		call.MaxTokens = tc.MaxTokens
	}
	if call.Temperature == 0 {
		call.Temperature = tc.Temperature
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ch, err := p.adapter.Generate(streamCtx, &call)
	var first backend.Delta
	var closed bool
	if err == nil {
		first, closed, err = readFirst(streamCtx, ch)
	}
	latency := r.now().Sub(start)

	attempt := Attempt{Provider: p.id, Model: model, Latency: latency}
	if err != nil {
		cancel()
		attempt.Kind = aierr.KindOf(err)
		attempt.Status = StatusFailed
		if attempt.Kind == aierr.KindProviderUnconfigured {
			attempt.Status = StatusUnconfigured
		}
		attempt.Reason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(attempt.Kind))
		r.record(ctx, attempt)
		return nil, attempt, withRoute(err, p.id, model)
	}

	p.markSuccess()
	attempt.Status = StatusOK
	r.record(ctx, attempt)
	r.duration.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(
		attribute.String("provider", p.id),
		attribute.String("model", model),
	))

	s := &Stream{
		profile: p,
		model:   model,
		tier:    tier,
		ctx:     streamCtx,
		cancel:  cancel,
		ch:      ch,
		closed:  closed,
		now:     r.now,
	}
	if !closed {
		s.pending = &first
	}
	return s, attempt, nil
}

func (r *Router) record(ctx context.Context, a Attempt) {
	r.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", a.Provider),
		attribute.String("model", a.Model),
		attribute.String("status", a.Status),
	))
}

// readFirst blocks until the first meaningful delta, a failure, or the end of the stream
func readFirst(ctx context.Context, ch <-chan backend.Delta) (backend.Delta, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return backend.Delta{}, false, ctx.Err()
		case d, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return backend.Delta{}, false, err
				}
				return backend.Delta{}, true, nil
			}
			if d.Err != nil {
				return backend.Delta{}, false, d.Err
			}
			if d.Text != "" || d.FinishReason != "" {
				return d, false, nil
			}
		}
	}
}

// withRoute stamps the model onto a classified error
func withRoute(err error, provider, model string) error {
	var e *aierr.Error
	if errors.As(err, &e) {
		if e.Provider == "" {
			e.Provider = provider
		}
		if e.Model == "" {
			e.Model = model
		}
	}
	return err
}

// preferModel reorders chain so that model is tried first. An unknown model is
// tried on the provider of the first entry.
func preferModel(chain []config.ChainEntry, model string) []config.ChainEntry {
	if model == "" {
		return chain
	}
	out := make([]config.ChainEntry, 0, len(chain)+1)
	for i, e := range chain {
		if e.Model == model {
			out = append(out, e)
			out = append(out, chain[:i]...)
			return append(out, chain[i+1:]...)
		}
	}
	out = append(out, config.ChainEntry{Provider: chain[0].Provider, Model: model})
	return append(out, chain...)
}

// StageTier returns the tier configured for a stage
func (r *Router) StageTier(stage string) string {
	if tier, ok := r.stages[stage]; ok {
		return tier
	}
	return config.TierMedium
}

// Profiles returns the state of every provider profile
func (r *Router) Profiles() []ProfileState {
	now := r.now()
	out := make([]ProfileState, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.state(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
