// Package stream delivers session events to one consumer at a time, in order,
// replaying from a client-supplied sequence number.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"SnippetAI/internal/session"
)

// ErrPreempted is returned to a consumer replaced by a newer one for the same session
var ErrPreempted = errors.New("stream preempted by a newer consumer")

// Frame is the wire form of an event
type Frame struct {
	Type      string         `json:"type"`
	Sequence  int64          `json:"sequence_number"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// FrameOf converts a session event to its wire form
func FrameOf(ev session.Event) Frame {
	return Frame{
		Type:      ev.Type,
		Sequence:  ev.Sequence,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
}

// Sink receives events in sequence order
type Sink interface {
	Send(ev session.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ev session.Event) error

// Send calls f
func (f SinkFunc) Send(ev session.Event) error {
	return f(ev)
}

type consumer struct {
	token  uint64
	cancel context.CancelCauseFunc
}

// Transport streams events from the session store
type Transport struct {
	store  *session.Store
	logger *slog.Logger

	mu        sync.Mutex
	next      uint64
	consumers map[string]consumer
	acks      map[string]int64
}

// New creates a transport over store
func New(store *session.Store, logger *slog.Logger) *Transport {
	return &Transport{
		store:     store,
		logger:    logger,
		consumers: make(map[string]consumer),
		acks:      make(map[string]int64),
	}
}

// Stream sends every event numbered above after to sink, waits for new ones, and
// returns nil once the session's last event was sent. A later Stream call for the
// same session preempts this one.
func (t *Transport) Stream(ctx context.Context, sessionID string, after int64, sink Sink) error {
	ctx, release := t.attach(ctx, sessionID)
	defer release()

	cursor := after
	for {
		events, notify, done, err := t.store.Events(sessionID, cursor)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Sequence <= cursor {
				continue
			}
			if err := ctx.Err(); err != nil {
				return t.cause(ctx)
			}
			if err := sink.Send(ev); err != nil {
				return fmt.Errorf("failed to send event %d: %w", ev.Sequence, err)
			}
			cursor = ev.Sequence
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return t.cause(ctx)
		case <-notify:
		}
	}
}

func (t *Transport) cause(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// attach registers the consumer and cancels the previous one
func (t *Transport) attach(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	t.mu.Lock()
	t.next++
	token := t.next
	if prev, ok := t.consumers[sessionID]; ok {
		prev.cancel(ErrPreempted)
		t.logger.Info("stream consumer preempted", "session_id", sessionID)
	}
	t.consumers[sessionID] = consumer{token: token, cancel: cancel}
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		if cur, ok := t.consumers[sessionID]; ok && cur.token == token {
			delete(t.consumers, sessionID)
		}
		t.mu.Unlock()
		cancel(nil)
	}
}

// Ack records that the client holds every event up to seq
func (t *Transport) Ack(sessionID string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.acks[sessionID]; !ok || seq > cur {
		t.acks[sessionID] = seq
	}
}

// Acked returns the highest acknowledged sequence number, or -1
func (t *Transport) Acked(sessionID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq, ok := t.acks[sessionID]; ok {
		return seq
	}
	return -1
}

// Forget drops the acknowledgement state of a session
func (t *Transport) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.acks, sessionID)
}

// Consumers returns the number of sessions with an attached consumer
func (t *Transport) Consumers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.consumers)
}
