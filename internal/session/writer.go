package session

import "fmt"

// Writer is the only handle that mutates a session
type Writer struct {
	store *Store
	e     *entry
	id    string
}

// ID returns the session id
func (w *Writer) ID() string {
	return w.id
}

// mutate runs fn under the entry lock unless the session is terminal or evicted
func (w *Writer) mutate(fn func(d *Snapshot) error) error {
	w.e.mu.Lock()
	defer w.e.mu.Unlock()

	if w.e.sealed || w.e.data.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, w.id)
	}
	if err := fn(&w.e.data); err != nil {
		return err
	}
	w.e.data.UpdatedAt = w.store.now()
	return nil
}

// SetStatus moves the session to a non-terminal status. Use Finish for terminal ones.
func (w *Writer) SetStatus(status Status) error {
	if status.Terminal() {
		return fmt.Errorf("use Finish to enter terminal status %s", status)
	}
	return w.mutate(func(d *Snapshot) error {
		d.Status = status
		return nil
	})
}

// AppendStage adds a stage record and returns its index
func (w *Writer) AppendStage(rec StageRecord) (int, error) {
	idx := -1
	err := w.mutate(func(d *Snapshot) error {
		if rec.StartedAt.IsZero() {
			rec.StartedAt = w.store.now()
		}
		rec.CompletedAt = nil
		d.Stages = append(d.Stages, rec)
		idx = len(d.Stages) - 1
		return nil
	})
	return idx, err
}

// AppendOutput extends a stage's accumulated output and returns the new value
func (w *Writer) AppendOutput(idx int, delta string) (string, error) {
	var out string
	err := w.mutate(func(d *Snapshot) error {
		if idx < 0 || idx >= len(d.Stages) {
			return fmt.Errorf("%w: %d", ErrNoStage, idx)
		}
		st := &d.Stages[idx]
		if st.CompletedAt != nil {
			return fmt.Errorf("stage %s already completed", st.Name)
		}
		st.Output += delta
		st.TokenEstimate = estimateTokens(st.Output)
		out = st.Output
		return nil
	})
	return out, err
}

// CompleteStage stamps a stage as finished
func (w *Writer) CompleteStage(idx int, truncated bool) error {
	return w.mutate(func(d *Snapshot) error {
		if idx < 0 || idx >= len(d.Stages) {
			return fmt.Errorf("%w: %d", ErrNoStage, idx)
		}
		at := w.store.now()
		d.Stages[idx].CompletedAt = &at
		d.Stages[idx].Truncated = truncated
		return nil
	})
}

// SetError records the failure that ends the session
func (w *Writer) SetError(info ErrorInfo) error {
	return w.mutate(func(d *Snapshot) error {
		d.Error = &info
		return nil
	})
}

// SetArtifact records the final result
func (w *Writer) SetArtifact(a Artifact) error {
	return w.mutate(func(d *Snapshot) error {
		outputs := make(map[string]string, len(a.Outputs))
		for k, v := range a.Outputs {
			outputs[k] = v
		}
		a.Outputs = outputs
		d.Artifact = &a
		return nil
	})
}

// Emit appends an event and wakes waiting readers. The store assigns the sequence number.
func (w *Writer) Emit(eventType string, payload map[string]any) (Event, error) {
	w.e.mu.Lock()
	defer w.e.mu.Unlock()

	if w.e.sealed {
		return Event{}, fmt.Errorf("%w: %s", ErrTerminal, w.id)
	}
	return w.emitLocked(eventType, payload), nil
}

func (w *Writer) emitLocked(eventType string, payload map[string]any) Event {
	now := w.store.now()
	ev := Event{
		SessionID: w.id,
		Sequence:  int64(len(w.e.events)),
		Type:      eventType,
		Payload:   payload,
		Timestamp: now,
	}
	w.e.events = append(w.e.events, ev)
	w.e.data.LastSequence = ev.Sequence
	w.e.data.UpdatedAt = now
	w.e.wake()
	return ev
}

// Finish enters a terminal status and emits the last event atomically
func (w *Writer) Finish(status Status, eventType string, payload map[string]any) (Event, error) {
	if !status.Terminal() {
		return Event{}, fmt.Errorf("status %s is not terminal", status)
	}

	w.e.mu.Lock()
	defer w.e.mu.Unlock()

	if w.e.data.Status.Terminal() || w.e.sealed {
		return Event{}, fmt.Errorf("%w: %s", ErrTerminal, w.id)
	}
	w.e.data.Status = status
	ev := w.emitLocked(eventType, payload)
	w.e.sealed = true
	return ev, nil
}

// Snapshot returns a copy of the session as the writer sees it, even after the
// store has evicted it.
func (w *Writer) Snapshot() Snapshot {
	w.e.mu.RLock()
	defer w.e.mu.RUnlock()
	return w.e.data.clone()
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
