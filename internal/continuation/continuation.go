// Package continuation persists truncated-stream state so a caller can
// resume generation with added context.
//
// Entries expire after a TTL and are lazily evicted on every store, list,
// and resume operation; a capacity cap evicts oldest-first. Exactly one
// live context exists per truncation event.
package continuation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/pkg/models"
)

// tailChars bounds how much accumulated output a resume prompt carries.
const tailChars = 4000

// truncationMarker separates the original prompt from the carried partial
// output in a resume prompt.
const truncationMarker = "\n\n[The previous response was truncated by a streaming limit. " +
	"Continue from where it left off; the partial output so far follows.]\n\n"

// ErrNotFound is returned when a continuation id is unknown or expired.
var ErrNotFound = fmt.Errorf("continuation not found or expired")

// Context is the saved state of one truncated stream.
type Context struct {
	ID             string
	ModelName      string
	OriginalPrompt string
	OutputSoFar    string
	LimitMeta      models.LimitDecision
	CreatedAt      time.Time
}

// ResumeRequest is the fresh streaming request a resume produces.
type ResumeRequest struct {
	ModelName      string
	Prompt         string
	ContinuationID string
}

// Store holds live continuation contexts. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Context
	order   []string // insertion order, oldest first

	ttl time.Duration
	cap int

	now func() time.Time
}

// NewStore creates a continuation store with the given TTL and entry cap.
func NewStore(ttl time.Duration, capacity int) *Store {
	return &Store{
		entries: make(map[string]*Context),
		ttl:     ttl,
		cap:     capacity,
		now:     time.Now,
	}
}

// SetClock overrides the store's time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create registers a new continuation and returns its id.
func (s *Store) Create(modelName, originalPrompt, outputSoFar string, limitMeta models.LimitDecision) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	for len(s.order) >= s.cap && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}

	c := &Context{
		ID:             uuid.New().String(),
		ModelName:      modelName,
		OriginalPrompt: originalPrompt,
		OutputSoFar:    outputSoFar,
		LimitMeta:      limitMeta,
		CreatedAt:      s.now(),
	}
	s.entries[c.ID] = c
	s.order = append(s.order, c.ID)

	log.Debug().
		Str("continuation_id", c.ID).
		Str("model", modelName).
		Int("output_chars", len(outputSoFar)).
		Msg("continuation stored")
	return c.ID
}

// Resume builds the fresh streaming request for a stored continuation:
// original prompt, truncation marker, the trailing portion of the partial
// output, and the optional extra directive. The context is read-only; it is
// not consumed.
func (s *Store) Resume(id, extraDirective string) (ResumeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	c, ok := s.entries[id]
	if !ok {
		return ResumeRequest{}, fmt.Errorf("resume %s: %w", id, ErrNotFound)
	}

	tail := c.OutputSoFar
	if len(tail) > tailChars {
		tail = tail[len(tail)-tailChars:]
	}

	prompt := c.OriginalPrompt + truncationMarker + tail
	if extraDirective != "" {
		prompt += "\n\n" + extraDirective
	}

	return ResumeRequest{
		ModelName:      c.ModelName,
		Prompt:         prompt,
		ContinuationID: c.ID,
	}, nil
}

// List returns summaries of live continuations, oldest first.
func (s *Store) List() []models.ContinuationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	out := make([]models.ContinuationSummary, 0, len(s.order))
	for _, id := range s.order {
		c := s.entries[id]
		out = append(out, models.ContinuationSummary{
			ID:        c.ID,
			ModelName: c.ModelName,
			CreatedAt: c.CreatedAt,
			Limit:     c.LimitMeta.Limit,
		})
	}
	return out
}

// evictExpiredLocked drops entries older than the TTL. Caller holds s.mu.
func (s *Store) evictExpiredLocked() {
	cutoff := s.now().Add(-s.ttl)
	kept := s.order[:0]
	for _, id := range s.order {
		c := s.entries[id]
		if c.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
