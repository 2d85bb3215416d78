// Package retry wraps a single upstream attempt with bounded
// exponential-backoff retries, gated by the rate limiter and circuit breaker.
//
// Gating happens before any attempt: a blocked breaker or an empty token
// bucket fails the call immediately and is never retried. Retries apply only
// to transport errors and the retriable status set {408, 429, 500, 502, 503,
// 504}. A 429 carrying Retry-After overrides the computed backoff. The
// terminal outcome, final success or final failure, is reported to the
// breaker exactly once.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/breaker"
	"github.com/modelgate/modelgate/internal/ratelimit"
)

// Jitter modes for backoff delays.
const (
	JitterFull = "full"
	JitterNone = "none"
)

var retriableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// ── Errors ───────────────────────────────────────────────────

// RateLimitedError signals the local token bucket denied the request.
// It fails fast and is never retried internally.
type RateLimitedError struct{}

func (e *RateLimitedError) Error() string { return "rate limited: local token bucket exhausted" }

// CircuitOpenError signals the breaker is blocking traffic. It carries the
// breaker state at rejection time for observability.
type CircuitOpenError struct {
	State    string
	Failures int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s after %d consecutive failures", e.State, e.Failures)
}

// ExhaustedError is the terminal error after all retries failed.
type ExhaustedError struct {
	Attempts   int
	LastStatus int
	LastErr    error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("upstream failed after %d attempts: %v", e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("upstream failed after %d attempts, last status %d", e.Attempts, e.LastStatus)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// ── Engine ───────────────────────────────────────────────────

// AttemptFunc performs one upstream attempt. The engine owns the response
// body of failed retriable attempts; the caller owns the final one.
type AttemptFunc func(ctx context.Context) (*http.Response, error)

// Config tunes the retry envelope.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     string
}

// Engine executes attempts against the shared limiter and breaker.
type Engine struct {
	cfg     Config
	bucket  *ratelimit.Bucket
	breaker *breaker.Breaker

	// sleep is injectable so tests run without real delays.
	sleep func(ctx context.Context, d time.Duration) error
	// randFloat draws the full-jitter fraction in [0,1).
	randFloat func() float64
}

// NewEngine creates a retry engine sharing the given bucket and breaker.
func NewEngine(cfg Config, bucket *ratelimit.Bucket, brk *breaker.Breaker) *Engine {
	return &Engine{
		cfg:       cfg,
		bucket:    bucket,
		breaker:   brk,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
}

// SetSleep overrides the backoff sleep. Intended for tests.
func (e *Engine) SetSleep(fn func(ctx context.Context, d time.Duration) error) { e.sleep = fn }

// SetRand overrides the jitter source. Intended for tests.
func (e *Engine) SetRand(fn func() float64) { e.randFloat = fn }

// Gate applies the fail-fast checks for one logical request: a blocked
// breaker or an empty bucket rejects immediately, consuming one token on
// success. Gate is not retried and must run exactly once per logical call.
func (e *Engine) Gate() error {
	if e.breaker.ShouldBlock() {
		return &CircuitOpenError{State: e.breaker.State(), Failures: e.breaker.Failures()}
	}
	if !e.bucket.TryAcquire() {
		return &RateLimitedError{}
	}
	return nil
}

// Do gates and then runs the attempt loop for one logical request.
func (e *Engine) Do(ctx context.Context, attempt AttemptFunc) (*http.Response, error) {
	if err := e.Gate(); err != nil {
		return nil, err
	}
	return e.Run(ctx, attempt)
}

// Run executes the attempt loop without gating. Attempts are strictly
// sequential; no two attempts for the same call are ever in flight at once.
func (e *Engine) Run(ctx context.Context, attempt AttemptFunc) (*http.Response, error) {
	var lastStatus int
	var lastErr error
	attempts := 0

	for n := 0; n <= e.cfg.MaxRetries; n++ {
		attempts++
		resp, err := attempt(ctx)

		if err == nil && !retriableStatus[resp.StatusCode] {
			// Terminal: the upstream answered with a non-retriable status.
			// That counts as a healthy dependency for the breaker even when
			// the status is a caller error; the caller decides what a
			// non-2xx body means.
			e.breaker.ReportOutcome(true)
			return resp, nil
		}

		if err != nil {
			lastStatus = 0
			lastErr = err
		} else {
			lastStatus = resp.StatusCode
			lastErr = nil
		}

		if n == e.cfg.MaxRetries {
			if resp != nil {
				resp.Body.Close()
			}
			break
		}

		delay := e.Delay(n)
		if resp != nil {
			if retryAfter, ok := parseRetryAfter(resp, time.Now()); ok && resp.StatusCode == http.StatusTooManyRequests {
				delay = retryAfter
				if delay > e.cfg.MaxDelay {
					delay = e.cfg.MaxDelay
				}
			}
			resp.Body.Close()
		}

		log.Debug().
			Int("attempt", n+1).
			Int("status", lastStatus).
			Dur("delay", delay).
			Msg("retrying upstream call")

		if err := e.sleep(ctx, delay); err != nil {
			e.breaker.ReportOutcome(false)
			return nil, &ExhaustedError{Attempts: attempts, LastStatus: lastStatus, LastErr: err}
		}
	}

	e.breaker.ReportOutcome(false)
	return nil, &ExhaustedError{Attempts: attempts, LastStatus: lastStatus, LastErr: lastErr}
}

// Delay computes the backoff for attempt n (0-based): base·2ⁿ capped at
// MaxDelay, with full jitter drawing uniformly from [0, capped].
func (e *Engine) Delay(n int) time.Duration {
	d := float64(e.cfg.BaseDelay) * math.Pow(2, float64(n))
	if d > float64(e.cfg.MaxDelay) {
		d = float64(e.cfg.MaxDelay)
	}
	if e.cfg.Jitter == JitterFull {
		d = d * e.randFloat()
	}
	return time.Duration(d)
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP-date.
func parseRetryAfter(resp *http.Response, now time.Time) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
