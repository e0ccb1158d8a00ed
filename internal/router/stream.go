package router

import (
	"context"
	"io"
	"time"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/backend"
)

// Stream is a committed generation stream on one chain entry
type Stream struct {
	profile  *Profile
	model    string
	tier     string
	attempts []Attempt

	ctx     context.Context
	cancel  context.CancelFunc
	ch      <-chan backend.Delta
	pending *backend.Delta
	closed  bool
	now     func() time.Time
}

// Provider returns the provider serving the stream
func (s *Stream) Provider() string {
	return s.profile.id
}

// Model returns the model serving the stream
func (s *Stream) Model() string {
	return s.model
}

// Tier returns the tier the stream was opened for
func (s *Stream) Tier() string {
	return s.tier
}

// Attempts returns every chain entry considered before the stream was committed,
// including the serving one.
func (s *Stream) Attempts() []Attempt {
	return append([]Attempt(nil), s.attempts...)
}

// Next returns the next delta, or io.EOF once the provider finished. A failure
// after output was delivered is PipelineExhausted wrapping the cause, except for
// content rejections which are returned as they are.
func (s *Stream) Next(ctx context.Context) (backend.Delta, error) {
	if err := ctx.Err(); err != nil {
		s.Close()
		return backend.Delta{}, err
	}
	if s.pending != nil {
		d := *s.pending
		s.pending = nil
		return d, nil
	}
	if s.closed {
		return backend.Delta{}, io.EOF
	}

	select {
	case <-ctx.Done():
		s.Close()
		return backend.Delta{}, ctx.Err()
	case d, ok := <-s.ch:
		if !ok {
			s.closed = true
			if err := ctx.Err(); err != nil {
				return backend.Delta{}, err
			}
			if err := s.ctx.Err(); err != nil {
				return backend.Delta{}, err
			}
			s.cancel()
			return backend.Delta{}, io.EOF
		}
		if d.Err != nil {
			s.Close()
			if err := ctx.Err(); err != nil {
				return backend.Delta{}, err
			}
			err := withRoute(d.Err, s.profile.id, s.model)
			if aierr.KindOf(err) == aierr.KindContentRejected {
				return backend.Delta{}, err
			}
			if aierr.KindOf(err).Retryable() {
				s.profile.markFailure(s.model, err, s.now())
			}
			return backend.Delta{}, &aierr.Error{
				Kind:     aierr.KindPipelineExhausted,
				Provider: s.profile.id,
				Model:    s.model,
				Message:  "stream failed after output was delivered",
				Err:      err,
			}
		}
		return d, nil
	}
}

// Close aborts the underlying request
func (s *Stream) Close() {
	s.closed = true
	s.pending = nil
	s.cancel()
}
