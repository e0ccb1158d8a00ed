// Package backendtest provides a scripted in-memory adapter for tests.
package backendtest

import (
	"context"
	"sync"

	"SnippetAI/internal/backend"
)

// Step scripts one Generate call
type Step struct {
	// OpenErr fails the call before any stream is returned
	OpenErr error
	// Deltas are sent in order
	Deltas []string
	// Finish, when set, is reported after the deltas
	Finish string
	// Err is sent as the final delta
	Err error
	// Hold keeps the stream open after the deltas until closed or the context ends
	Hold chan struct{}
}

// Scripted replays Steps, one per Generate call. The last step repeats once the
// script is exhausted.
type Scripted struct {
	name string

	mu       sync.Mutex
	steps    []Step
	requests []backend.Request
}

// New creates a scripted adapter
func New(name string, steps ...Step) *Scripted {
	return &Scripted{name: name, steps: steps}
}

// Text scripts a single successful stream
func Text(name string, deltas ...string) *Scripted {
	return New(name, Step{Deltas: deltas})
}

// Failing scripts a provider that fails every open with err
func Failing(name string, err error) *Scripted {
	return New(name, Step{OpenErr: err})
}

// Name returns the provider identifier
func (s *Scripted) Name() string {
	return s.name
}

// Calls returns how many times Generate was invoked
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns copies of the received requests
func (s *Scripted) Requests() []backend.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Request(nil), s.requests...)
}

// Generate replays the next step
func (s *Scripted) Generate(ctx context.Context, req *backend.Request) (<-chan backend.Delta, error) {
	s.mu.Lock()
	idx := len(s.requests)
	s.requests = append(s.requests, *req)
	var step Step
	if len(s.steps) > 0 {
		if idx >= len(s.steps) {
			idx = len(s.steps) - 1
		}
		step = s.steps[idx]
	}
	s.mu.Unlock()

	if step.OpenErr != nil {
		return nil, step.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan backend.Delta)
	go func() {
		defer close(ch)
		emit := func(d backend.Delta) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- d:
				return true
			}
		}
		for _, text := range step.Deltas {
			if !emit(backend.Delta{Text: text}) {
				return
			}
		}
		if step.Hold != nil {
			select {
			case <-ctx.Done():
				return
			case <-step.Hold:
			}
		}
		if step.Finish != "" && !emit(backend.Delta{FinishReason: step.Finish}) {
			return
		}
		if step.Err != nil {
			emit(backend.Delta{Err: step.Err})
		}
	}()
	return ch, nil
}
