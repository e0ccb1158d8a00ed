// Package session holds generation sessions, their stage records and their
// ordered progress events.
package session

import (
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind selects the pipeline a session runs
type Kind string

const (
	KindSimpleChain Kind = "SIMPLE_CHAIN"
	KindMultiStep   Kind = "MULTI_STEP"
)

// Valid reports whether k names a known pipeline
func (k Kind) Valid() bool {
	return k == KindSimpleChain || k == KindMultiStep
}

// StageRecord is the outcome of one pipeline step
type StageRecord struct {
	Name          string     `json:"stage_name"`
	Provider      string     `json:"provider_used"`
	Model         string     `json:"model_used"`
	Output        string     `json:"accumulated_output"`
	Tier          string     `json:"tier"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	TokenEstimate int        `json:"token_estimate"`
	Truncated     bool       `json:"truncated"`
	Attempts      int        `json:"attempts"`
}

// ErrorInfo describes a terminal failure
type ErrorInfo struct {
	Kind             string `json:"kind"`
	Message          string `json:"message"`
	Stage            string `json:"stage,omitempty"`
	PartialAvailable bool   `json:"partial_available"`
}

// Artifact is the final result of a pipeline
type Artifact struct {
	Outputs    map[string]string `json:"outputs"`
	Final      string            `json:"final"`
	Incomplete bool              `json:"incomplete"`
}

// Event is one progress event. Sequence numbers start at 0 and have no gaps.
type Event struct {
	SessionID string         `json:"session_id"`
	Sequence  int64          `json:"sequence_number"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Snapshot is a read-only copy of a session
type Snapshot struct {
	ID           string        `json:"session_id"`
	Prompt       string        `json:"prompt"`
	Kind         Kind          `json:"pipeline_kind"`
	Status       Status        `json:"status"`
	Stages       []StageRecord `json:"stages"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Error        *ErrorInfo    `json:"error,omitempty"`
	Artifact     *Artifact     `json:"artifact,omitempty"`
	LastSequence int64         `json:"last_sequence"`
}

func (s *Snapshot) clone() Snapshot {
	out := *s
	out.Stages = make([]StageRecord, len(s.Stages))
	for i, st := range s.Stages {
		if st.CompletedAt != nil {
			at := *st.CompletedAt
			st.CompletedAt = &at
		}
		out.Stages[i] = st
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.Artifact != nil {
		a := *s.Artifact
		a.Outputs = make(map[string]string, len(s.Artifact.Outputs))
		for k, v := range s.Artifact.Outputs {
			a.Outputs[k] = v
		}
		out.Artifact = &a
	}
	return out
}
