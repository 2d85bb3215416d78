// Package agent orchestrates chat-completion calls on top of the gateway:
// consent gating for live upstream access, provenance recording for every
// call, continuation capture for truncated streams, and a single-step tool
// planner.
package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/continuation"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/notify"
	"github.com/modelgate/modelgate/internal/provenance"
	"github.com/modelgate/modelgate/internal/stream"
	"github.com/modelgate/modelgate/pkg/models"
)

// ConsentError rejects a live upstream call made without explicit consent.
// Stub-mode calls never require consent.
type ConsentError struct{}

func (e *ConsentError) Error() string {
	return "live upstream call requires explicit consent"
}

// Orchestrator coordinates the gateway with provenance, continuations, and
// registered tools.
type Orchestrator struct {
	gw            *gateway.Gateway
	recorder      *provenance.Recorder
	continuations *continuation.Store
	consentNeeded bool
	tools         *toolRegistry
	notifier      *notify.Notifier
	now           func() time.Time
}

// New creates an orchestrator. consentRequired applies only to live calls.
func New(gw *gateway.Gateway, recorder *provenance.Recorder, continuations *continuation.Store, consentRequired bool) *Orchestrator {
	return &Orchestrator{
		gw:            gw,
		recorder:      recorder,
		continuations: continuations,
		consentNeeded: consentRequired,
		tools:         newToolRegistry(),
		now:           time.Now,
	}
}

// SetClock overrides the orchestrator's time source. Intended for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SetNotifier attaches a webhook notifier for truncation events. A nil
// notifier is allowed and inert.
func (o *Orchestrator) SetNotifier(n *notify.Notifier) { o.notifier = n }

// ListModels returns the logical model names the gateway can serve.
func (o *Orchestrator) ListModels() []string { return o.gw.Models() }

// Live reports whether calls go to a real upstream.
func (o *Orchestrator) Live() bool { return o.gw.Live() }

// Continuations returns the continuation store for listing.
func (o *Orchestrator) Continuations() *continuation.Store { return o.continuations }

// Provenance returns the provenance recorder for listing.
func (o *Orchestrator) Provenance() *provenance.Recorder { return o.recorder }

func (o *Orchestrator) checkConsent(consent bool) error {
	if o.gw.Live() && o.consentNeeded && !consent {
		return &ConsentError{}
	}
	return nil
}

// Invoke performs one non-streaming call and records its provenance,
// success or failure.
func (o *Orchestrator) Invoke(ctx context.Context, req models.ChatRequest, consent bool) (*models.ChatResult, error) {
	if err := o.checkConsent(consent); err != nil {
		return nil, err
	}

	prompt := promptOf(req)
	start := o.now()
	res, err := o.gw.InvokeChat(ctx, req)

	rec := models.ProvenanceRecord{
		TimestampMs: start.UnixMilli(),
		ModelName:   req.ModelName,
		PromptHash:  provenance.HashPrompt(prompt),
		PromptBytes: len(prompt),
		LatencyMs:   o.now().Sub(start).Milliseconds(),
		Success:     err == nil,
	}
	if err != nil {
		rec.ErrorMessage = err.Error()
	} else {
		rec.Usage = res.Usage
	}
	o.recorder.Record(rec)

	if err != nil {
		return nil, err
	}
	return res, nil
}

// Stream opens a streaming call. The returned session forwards the
// gateway's events; when the stream hits its token limit the session stores
// a continuation and attaches its id to the limit notice. A terminal
// provenance record is written once the sequence ends.
func (o *Orchestrator) Stream(ctx context.Context, req models.ChatRequest, consent bool) (*Session, error) {
	if err := o.checkConsent(consent); err != nil {
		return nil, err
	}
	return o.startSession(ctx, req, "")
}

// ContinueStream resumes a stored continuation as a fresh streaming call.
// The continuation is read-only; resuming does not consume it.
func (o *Orchestrator) ContinueStream(ctx context.Context, id, directive string, consent bool) (*Session, error) {
	if err := o.checkConsent(consent); err != nil {
		return nil, err
	}

	resume, err := o.continuations.Resume(id, directive)
	if err != nil {
		return nil, err
	}

	req := models.ChatRequest{
		ModelName: resume.ModelName,
		Messages:  []models.ChatMessage{{Role: "user", Content: resume.Prompt}},
	}
	return o.startSession(ctx, req, resume.ContinuationID)
}

// Session is a running orchestrated stream.
type Session struct {
	events chan models.StreamEvent
	done   chan struct{}
	inner  *stream.Stream
	cancel context.CancelFunc

	result *models.StreamResult
	err    error

	// ContinuationID is set when the stream was truncated and a
	// continuation was stored. Valid after the event channel closes.
	ContinuationID string
}

// Events returns the forwarded event channel.
func (s *Session) Events() <-chan models.StreamEvent { return s.events }

// Result blocks until the sequence ends and returns the aggregate.
func (s *Session) Result() (*models.StreamResult, error) {
	<-s.done
	return s.result, s.err
}

// Cancel stops the underlying stream and unblocks the forwarder. The event
// channel closes shortly after; draining it is optional.
func (s *Session) Cancel() {
	s.cancel()
	s.inner.Cancel()
}

func (o *Orchestrator) startSession(ctx context.Context, req models.ChatRequest, continuationOf string) (*Session, error) {
	inner, err := o.gw.InvokeChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		events: make(chan models.StreamEvent, 4),
		done:   make(chan struct{}),
		inner:  inner,
		cancel: cancel,
	}

	prompt := promptOf(req)
	start := o.now()

	go func() {
		defer close(s.done)
		defer close(s.events)
		defer cancel()

		var output []byte
		var applied models.LimitDecision

	forward:
		for ev := range inner.Events() {
			switch ev.Kind {
			case models.EventLimitInfo:
				applied = models.LimitDecision{Limit: ev.Limit, Rationale: ev.Rationale}
			case models.EventDelta:
				output = append(output, ev.Delta...)
			case models.EventLimitNotice:
				s.ContinuationID = o.continuations.Create(req.ModelName, prompt, string(output), applied)
				ev.ContinuationID = s.ContinuationID
			}
			select {
			case s.events <- ev:
			case <-sctx.Done():
				break forward
			}
		}

		res, err := inner.Result()
		s.result, s.err = res, err

		rec := models.ProvenanceRecord{
			TimestampMs:    start.UnixMilli(),
			ModelName:      req.ModelName,
			PromptHash:     provenance.HashPrompt(prompt),
			PromptBytes:    len(prompt),
			LatencyMs:      o.now().Sub(start).Milliseconds(),
			Success:        err == nil,
			AppliedLimit:   applied.Limit,
			LimitRationale: applied.Rationale,
			ContinuationOf: continuationOf,
		}
		if err != nil {
			rec.ErrorMessage = err.Error()
		} else {
			rec.Usage = res.Usage
			rec.Truncated = res.Truncated
		}
		o.recorder.Record(rec)

		if s.ContinuationID != "" {
			log.Info().
				Str("model", req.ModelName).
				Str("continuation_id", s.ContinuationID).
				Msg("stream truncated, continuation stored")
			o.notifier.Publish(notify.EventStreamTruncated, map[string]any{
				"model":           req.ModelName,
				"continuation_id": s.ContinuationID,
				"applied_limit":   applied.Limit,
			})
		}
	}()

	return s, nil
}

// promptOf extracts the newest user message for hashing and continuations.
func promptOf(req models.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	if len(req.Messages) > 0 {
		return req.Messages[len(req.Messages)-1].Content
	}
	return ""
}
