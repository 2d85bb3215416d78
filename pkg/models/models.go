// Package models defines the shared wire and domain types for ModelGate:
// chat requests and results, streaming events, provenance records, and
// circuit breaker events.
package models

import (
	"time"
)

// ── Chat ─────────────────────────────────────────────────────

// ChatMessage is a single message in a chat-completion conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one outbound chat-completion call.
type ChatRequest struct {
	ModelName   string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

// TokenUsage holds token accounting as reported by the upstream service.
// Keys follow the upstream field names (prompt_tokens, completion_tokens,
// total_tokens); nil when the upstream omits usage.
type TokenUsage map[string]int

// ChatResult is the outcome of a non-streaming chat-completion call.
type ChatResult struct {
	ModelName  string     `json:"model"`
	OutputText string     `json:"output_text"`
	Usage      TokenUsage `json:"usage,omitempty"`
	Raw        []byte     `json:"-"`
}

// ── Streaming Events ─────────────────────────────────────────

// StreamEventKind discriminates the events produced by a streaming call.
type StreamEventKind string

const (
	// EventLimitInfo is emitted exactly once, first, announcing the token
	// limit chosen for the stream.
	EventLimitInfo StreamEventKind = "limit_info"

	// EventDelta carries one content fragment.
	EventDelta StreamEventKind = "delta"

	// EventLimitNotice is emitted exactly once if and only if the running
	// token estimate reaches the policy limit before natural completion.
	EventLimitNotice StreamEventKind = "limit_notice"
)

// StreamEvent is one event in the lazy, forward-only stream sequence.
type StreamEvent struct {
	Kind           StreamEventKind `json:"event"`
	Delta          string          `json:"delta,omitempty"`
	Tokens         int             `json:"tokens,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Rationale      string          `json:"rationale,omitempty"`
	ContinuationID string          `json:"continuation_id,omitempty"`
}

// StreamResult is the final aggregate of a streaming call, available once
// the event sequence has ended.
type StreamResult struct {
	ModelName  string     `json:"model"`
	OutputText string     `json:"output_text"`
	Truncated  bool       `json:"truncated"`
	Usage      TokenUsage `json:"usage,omitempty"`
}

// ── Limit Policy ─────────────────────────────────────────────

// LimitDecision is the token budget chosen for one stream, computed once at
// stream start and immutable for the stream's duration.
type LimitDecision struct {
	Limit     int    `json:"limit"`
	Rationale string `json:"rationale"`
}

// ── Provenance ───────────────────────────────────────────────

// ProvenanceRecord is an immutable, content-free audit entry for one call.
// It never contains the literal prompt or response text; the prompt is
// represented only by its SHA-256 hash and byte length.
type ProvenanceRecord struct {
	ID             string     `json:"id"`
	TimestampMs    int64      `json:"timestamp_ms"`
	ModelName      string     `json:"model"`
	PromptHash     string     `json:"prompt_hash"`
	PromptBytes    int        `json:"prompt_bytes"`
	LatencyMs      int64      `json:"latency_ms"`
	Success        bool       `json:"success"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Usage          TokenUsage `json:"usage,omitempty"`
	AppliedLimit   int        `json:"applied_limit,omitempty"`
	LimitRationale string     `json:"limit_rationale,omitempty"`
	Truncated      bool       `json:"truncated"`
	ContinuationOf string     `json:"continuation_of,omitempty"`
}

// ── Circuit Breaker Events ───────────────────────────────────

// BreakerEventType labels a circuit breaker state transition.
type BreakerEventType string

const (
	BreakerOpened   BreakerEventType = "open"
	BreakerHalfOpen BreakerEventType = "half-open"
	BreakerClosed   BreakerEventType = "close"
)

// BreakerEvent is an observable circuit breaker state transition.
type BreakerEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	EventType BreakerEventType `json:"event_type"`
	State     string           `json:"current_state"`
}

// ── Continuations ────────────────────────────────────────────

// ContinuationSummary is the listable view of a stored continuation.
type ContinuationSummary struct {
	ID        string    `json:"id"`
	ModelName string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Limit     int       `json:"limit"`
}
