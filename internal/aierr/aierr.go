// Package aierr defines the failure taxonomy shared by the generation pipeline.
package aierr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure
type Kind string

const (
	KindUnknown               Kind = ""
	KindRateLimited           Kind = "RateLimited"
	KindTransient             Kind = "Transient"
	KindContentRejected       Kind = "ContentRejected"
	KindProviderUnconfigured  Kind = "ProviderUnconfigured"
	KindPipelineExhausted     Kind = "PipelineExhausted"
	KindContextBudgetExceeded Kind = "ContextBudgetExceeded"
	KindSessionNotFound       Kind = "SessionNotFound"
	KindSessionExpired        Kind = "SessionExpired"
	KindCancelled             Kind = "Cancelled"
	KindBusy                  Kind = "Busy"
	KindInternal              Kind = "Internal"
)

// Retryable reports whether the router may move to the next chain entry
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// Error is a classified pipeline error
type Error struct {
	Kind       Kind
	Provider   string
	Model      string
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Provider, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, aierr.ContentRejected) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Provider == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons
var (
	RateLimited           = &Error{Kind: KindRateLimited}
	Transient             = &Error{Kind: KindTransient}
	ContentRejected       = &Error{Kind: KindContentRejected}
	ProviderUnconfigured  = &Error{Kind: KindProviderUnconfigured}
	PipelineExhausted     = &Error{Kind: KindPipelineExhausted}
	ContextBudgetExceeded = &Error{Kind: KindContextBudgetExceeded}
	SessionNotFound       = &Error{Kind: KindSessionNotFound}
	SessionExpired        = &Error{Kind: KindSessionExpired}
)

// New builds a classified error
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Context cancellation maps to
// KindCancelled and anything unclassified to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// RetryAfterOf returns the retry hint carried by err, if any
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsCancelled reports whether err stems from a cancelled context
func IsCancelled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}
