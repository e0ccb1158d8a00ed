package router

import (
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"SnippetAI/internal/aierr"
	"SnippetAI/internal/backend"
)

// Profile is the mutable availability state of one provider
type Profile struct {
	id       string
	kind     string
	adapter  backend.Adapter
	rpm      int
	cooldown time.Duration
	tiers    []string

	mu         sync.Mutex
	until      time.Time
	modelUntil map[string]time.Time
	limiter    *rate.Limiter
	failures   int
	lastErr    string
}

// ProfileState is a read-only view of a Profile
type ProfileState struct {
	ID                  string    `json:"provider_id"`
	Kind                string    `json:"kind"`
	SupportedTiers      []string  `json:"supported_tiers"`
	Available           bool      `json:"is_available"`
	UnavailableUntil    time.Time `json:"unavailable_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	RequestsInWindow    int       `json:"requests_in_window"`
	RequestsPerMinute   int       `json:"requests_per_minute"`
}

func newProfile(id, kind string, adapter backend.Adapter, rpm int, cooldown time.Duration) *Profile {
	p := &Profile{
		id:         id,
		kind:       kind,
		adapter:    adapter,
		rpm:        rpm,
		cooldown:   cooldown,
		modelUntil: make(map[string]time.Time),
	}
	if rpm > 0 {
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
	}
	return p
}

// blockedUntil reports whether the provider or model is cooling down, and until when
func (p *Profile) blockedUntil(model string, now time.Time) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.until
	if m := p.modelUntil[model]; m.After(until) {
		until = m
	}
	return until, until.After(now)
}

// reserve takes a request slot from the provider's rate budget. When none is
// free it returns the time the next slot becomes available. The reservation is
// nil for providers without a limit.
func (p *Profile) reserve(now time.Time) (*rate.Reservation, time.Time, bool) {
	if p.limiter == nil {
		return nil, time.Time{}, true
	}
	r := p.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil, now.Add(time.Minute), false
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return nil, now.Add(delay), false
	}
	return r, time.Time{}, true
}

// release returns the slot of a request that was never sent
func (p *Profile) release(r *rate.Reservation, at time.Time) {
	if r != nil {
		r.CancelAt(at)
	}
}

// used reports how much of the rate budget is currently taken
func (p *Profile) used(now time.Time) int {
	if p.limiter == nil {
		return 0
	}
	n := p.rpm - int(math.Floor(p.limiter.TokensAt(now)))
	if n < 0 {
		return 0
	}
	return n
}

// markFailure records a retryable failure. Rate limits cool down the whole provider,
// anything else only the model. Deadlines only ever move later.
func (p *Profile) markFailure(model string, err error, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	p.lastErr = err.Error()

	wait := p.cooldown
	if aierr.KindOf(err) == aierr.KindRateLimited {
		if ra := aierr.RetryAfterOf(err); ra > wait {
			wait = ra
		}
		if until := now.Add(wait); until.After(p.until) {
			p.until = until
		}
		return
	}
	if until := now.Add(wait); until.After(p.modelUntil[model]) {
		p.modelUntil[model] = until
	}
}

func (p *Profile) markSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
}

func (p *Profile) state(now time.Time) ProfileState {
	p.mu.Lock()
	defer p.mu.Unlock()

	tiers := append([]string(nil), p.tiers...)
	sort.Strings(tiers)
	s := ProfileState{
		ID:                  p.id,
		Kind:                p.kind,
		SupportedTiers:      tiers,
		Available:           !p.until.After(now),
		ConsecutiveFailures: p.failures,
		LastError:           p.lastErr,
		RequestsInWindow:    p.used(now),
		RequestsPerMinute:   p.rpm,
	}
	if p.until.After(now) {
		s.UnavailableUntil = p.until
	}
	return s
}
