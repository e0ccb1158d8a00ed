// Package backend implements streaming adapters for the remote generation providers.
package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"SnippetAI/internal/aierr"
)

const (
	// maxErrorBodySize limits how much of an error response is read
	maxErrorBodySize = 1 << 20

	// maxSSELineSize bounds a single streamed line
	maxSSELineSize = 4 << 20

	// FinishLength is reported when a provider stopped on its output limit
	FinishLength = "length"
)

// Request is the provider-neutral generation request
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Delta is one increment of generated text. A Delta with Err set is always the last one
// sent before the channel closes.
type Delta struct {
	Text         string
	FinishReason string
	Err          error
}

// Adapter is a uniform streaming interface to one generation backend.
// The returned channel is finite, not restartable, and closed by the adapter.
// Cancelling ctx aborts the underlying request.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req *Request) (<-chan Delta, error)
}

// EstimateTokens approximates the token count of text (roughly 4 characters per token)
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// send delivers d unless ctx is done first
func send(ctx context.Context, ch chan<- Delta, d Delta) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- d:
		return true
	}
}

// doRequest executes req and classifies transport and status failures
func doRequest(ctx context.Context, client *http.Client, provider string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &aierr.Error{Kind: aierr.KindTransient, Provider: provider, Message: "failed to send request", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, classifyStatus(provider, resp, body)
	}
	return resp, nil
}

// classifyStatus maps a non-200 response onto the failure taxonomy
func classifyStatus(provider string, resp *http.Response, body []byte) *aierr.Error {
	msg := fmt.Sprintf("API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	e := &aierr.Error{Provider: provider, Message: msg}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = aierr.KindRateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = aierr.KindProviderUnconfigured
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusConflict:
		e.Kind = aierr.KindTransient
	case looksBlocked(string(body)):
		e.Kind = aierr.KindContentRejected
	default:
		// Other client errors (unknown model, bad parameters) are provider specific;
		// the next chain entry may accept the same input.
		e.Kind = aierr.KindTransient
	}
	return e
}

// looksBlocked detects policy/safety refusals in an error body
func looksBlocked(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"content_filter", "content_policy", "content policy", "safety", "blocked", "moderation"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// scanSSE calls fn for every `data:` payload of a server-sent event stream until fn
// asks to stop, the body ends, or a read error occurs.
func scanSSE(body io.Reader, fn func(data string) (stop bool, err error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		stop, err := fn(data)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return scanner.Err()
}

// streamError converts a read failure into a classified mid-stream error
func streamError(provider string, err error) error {
	var e *aierr.Error
	if errors.As(err, &e) {
		return err
	}
	return &aierr.Error{Kind: aierr.KindTransient, Provider: provider, Message: "stream interrupted", Err: err}
}
