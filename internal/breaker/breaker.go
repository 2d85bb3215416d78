// Package breaker implements the circuit breaker guarding the upstream
// chat-completion dependency.
//
// State machine:
//
//	CLOSED ─(failures ≥ threshold)→ OPEN ─(cooldown elapsed)→ HALF_OPEN
//	HALF_OPEN ─(success)→ CLOSED, ─(failure)→ OPEN (cooldown restarts)
//
// Half-open is a flag overlaid on OPEN rather than a third state: the first
// ShouldBlock call after the cooldown flips the flag and lets the caller
// through as a recovery probe. Concurrent callers arriving inside that window
// may also pass; single-probe exclusivity is intentionally not enforced.
//
// Every transition is appended to a bounded event history and fanned out to
// registered listeners so health dashboards can observe the breaker without
// polling its internals.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/pkg/models"
)

// DefaultEventHistory bounds the in-memory transition history.
const DefaultEventHistory = 100

// Listener receives breaker transition events. Listeners run synchronously
// under the breaker lock and must be fast; they must not call back into the
// breaker.
type Listener func(models.BreakerEvent)

// Breaker tracks consecutive failures against the upstream and blocks
// traffic while the dependency is considered unhealthy.
type Breaker struct {
	mu                  sync.Mutex
	open                bool
	consecutiveFailures int
	openedAt            time.Time
	halfOpenProbe       bool

	failureThreshold int
	cooldown         time.Duration

	events    []models.BreakerEvent
	maxEvents int
	listeners []Listener

	now func() time.Time
}

// New creates a closed breaker.
func New(failureThreshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		maxEvents:        DefaultEventHistory,
		now:              time.Now,
	}
}

// SetClock overrides the breaker's time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Subscribe registers a listener for state transition events.
func (b *Breaker) Subscribe(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// ShouldBlock reports whether outbound traffic must be rejected right now.
// When the cooldown has elapsed on an open breaker it flips to half-open and
// returns false, permitting a recovery probe.
func (b *Breaker) ShouldBlock() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}
	if b.now().Sub(b.openedAt) > b.cooldown {
		if !b.halfOpenProbe {
			b.halfOpenProbe = true
			b.emit(models.BreakerHalfOpen)
		}
		return false
	}
	return true
}

// ReportOutcome records the terminal outcome of one logical request. The
// retry engine calls this exactly once per logical call.
func (b *Breaker) ReportOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		wasOpen := b.open
		b.open = false
		b.halfOpenProbe = false
		b.consecutiveFailures = 0
		if wasOpen {
			b.emit(models.BreakerClosed)
			log.Info().Msg("circuit breaker closed after successful probe")
		}
		return
	}

	if b.open {
		// Failed probe (or failure while open): restart the cooldown clock.
		b.openedAt = b.now()
		b.halfOpenProbe = false
		b.emit(models.BreakerOpened)
		log.Warn().Msg("circuit breaker re-opened after failed probe")
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.open = true
		b.openedAt = b.now()
		b.halfOpenProbe = false
		b.emit(models.BreakerOpened)
		log.Warn().
			Int("consecutive_failures", b.consecutiveFailures).
			Msg("circuit breaker opened")
	}
}

// State returns a short label for the current state: closed, open, half-open.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Events returns up to limit most recent transition events, newest first.
// limit <= 0 returns the full history.
func (b *Breaker) Events(limit int) []models.BreakerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.BreakerEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.events[n-1-i]
	}
	return out
}

func (b *Breaker) stateLocked() string {
	switch {
	case b.open && b.halfOpenProbe:
		return "half-open"
	case b.open:
		return "open"
	default:
		return "closed"
	}
}

// emit appends a transition event and notifies listeners. Caller holds b.mu.
func (b *Breaker) emit(kind models.BreakerEventType) {
	ev := models.BreakerEvent{
		Timestamp: b.now().UTC(),
		EventType: kind,
		State:     b.stateLocked(),
	}
	b.events = append(b.events, ev)
	if len(b.events) > b.maxEvents {
		b.events = b.events[len(b.events)-b.maxEvents:]
	}
	for _, fn := range b.listeners {
		fn(ev)
	}
}
