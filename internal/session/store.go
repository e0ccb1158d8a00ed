package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"SnippetAI/internal/aierr"
)

var (
	// ErrSessionExists is returned when a live session already uses the id
	ErrSessionExists = errors.New("session already exists")
	// ErrTerminal is returned when a finished session is mutated
	ErrTerminal = errors.New("session is in a terminal state")
	// ErrNoStage is returned for an unknown stage index
	ErrNoStage = errors.New("no such stage")
)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type entry struct {
	mu     sync.RWMutex
	data   Snapshot
	events []Event
	sealed bool
	notify chan struct{}
}

// wake releases everyone waiting for the next event. Callers hold e.mu.
func (e *entry) wake() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// Store owns all sessions. Only the Writer returned by Create mutates a session.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	tombstones map[string]time.Time
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewStore creates a store whose sessions expire ttl after their last update
func NewStore(ttl time.Duration, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		entries:    make(map[string]*entry),
		tombstones: make(map[string]time.Time),
		ttl:        ttl,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new session and returns its single writer
func (s *Store) Create(id, prompt string, kind Kind) (*Writer, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("session id is empty")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok && !s.expired(e, now) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	delete(s.tombstones, id)

	e := &entry{
		data: Snapshot{
			ID:           id,
			Prompt:       prompt,
			Kind:         kind,
			Status:       StatusCreated,
			Stages:       []StageRecord{},
			CreatedAt:    now,
			UpdatedAt:    now,
			LastSequence: -1,
		},
		notify: make(chan struct{}),
	}
	s.entries[id] = e
	s.logger.Debug("session created", "session_id", id, "kind", kind)

	return &Writer{store: s, e: e, id: id}, nil
}

func (s *Store) expired(e *entry, now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.data.UpdatedAt.Add(s.ttl).After(now)
}

// lookup resolves id, lazily expiring it
func (s *Store) lookup(id string) (*entry, error) {
	now := s.now()

	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if ok && !s.expired(e, now) {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		if cur, still := s.entries[id]; still && cur == e {
			s.expireLocked(id, e, now)
		}
		return nil, &aierr.Error{Kind: aierr.KindSessionExpired, Message: fmt.Sprintf("session %s expired", id)}
	}
	if at, dead := s.tombstones[id]; dead && at.Add(s.ttl).After(now) {
		return nil, &aierr.Error{Kind: aierr.KindSessionExpired, Message: fmt.Sprintf("session %s expired", id)}
	}
	return nil, &aierr.Error{Kind: aierr.KindSessionNotFound, Message: fmt.Sprintf("session %s not found", id)}
}

// expireLocked moves an entry to the tombstones. Callers hold s.mu.
func (s *Store) expireLocked(id string, e *entry, now time.Time) {
	delete(s.entries, id)
	s.tombstones[id] = now

	e.mu.Lock()
	e.sealed = true
	e.wake()
	e.mu.Unlock()
	s.logger.Info("session expired", "session_id", id)
}

// Read returns a deep copy of the session
func (s *Store) Read(id string) (Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data.clone(), nil
}

// Events returns the events numbered above after, a channel that is closed when
// the next event arrives, and whether the session has emitted its last event.
func (s *Store) Events(id string, after int64) ([]Event, <-chan struct{}, bool, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, nil, false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := after + 1
	if start < 0 {
		start = 0
	}
	var out []Event
	if start < int64(len(e.events)) {
		out = append(out, e.events[start:]...)
	}
	return out, e.notify, e.sealed, nil
}

// Expire removes a session. It is idempotent; later reads report SessionNotFound.
func (s *Store) Expire(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	delete(s.tombstones, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	e.mu.Lock()
	e.sealed = true
	e.wake()
	e.mu.Unlock()
	s.logger.Info("session cleared", "session_id", id)
}

// Sweep evicts expired sessions and forgets old tombstones. It returns the number
// of sessions evicted.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			s.expireLocked(id, e, now)
			evicted++
		}
	}
	for id, at := range s.tombstones {
		if !at.Add(s.ttl).After(now) {
			delete(s.tombstones, id)
		}
	}
	return evicted
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
