// Package provenance records a content-free audit trail of every upstream
// call. Records hold the SHA-256 of the prompt, never its text, and are
// addressed by the SHA-256 of their canonicalized JSON body (RFC 8785), so
// identical metadata always yields the same id.
//
// Records live in a fixed-capacity ring buffer (oldest dropped on overflow)
// and are optionally appended to a durable JSONL journal. Journal failures
// never reach the caller; they only bump the journal's error counter.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/modelgate/modelgate/internal/journal"
	"github.com/modelgate/modelgate/pkg/models"
)

// Recorder stores provenance records. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	ring    []models.ProvenanceRecord
	next    int
	entries int

	sink *journal.Writer
}

// NewRecorder creates a recorder with the given ring capacity and optional
// durable sink (nil disables persistence).
func NewRecorder(capacity int, sink *journal.Writer) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recorder{
		ring: make([]models.ProvenanceRecord, capacity),
		sink: sink,
	}
}

// HashPrompt returns the hex SHA-256 of the prompt text. Stable for
// identical prompts, non-reversible.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Record finalizes and stores one record: the ID is assigned from the
// canonical-JSON digest of the record body, the record is appended to the
// ring, and the durable sink (if any) is fed best-effort.
func (r *Recorder) Record(rec models.ProvenanceRecord) models.ProvenanceRecord {
	rec.ID = addressOf(rec)

	r.mu.Lock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % len(r.ring)
	if r.entries < len(r.ring) {
		r.entries++
	}
	r.mu.Unlock()

	r.sink.Append(rec)
	return rec
}

// List returns up to limit most recent records, newest first. limit <= 0
// returns everything retained.
func (r *Recorder) List(limit int) []models.ProvenanceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.entries
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.ProvenanceRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.ring) + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// SinkErrors exposes the durable sink's failure count.
func (r *Recorder) SinkErrors() uint64 {
	return r.sink.Errors()
}

// addressOf computes the record's hash address: hex SHA-256 over the
// JCS-canonicalized JSON of the record with its ID cleared.
func addressOf(rec models.ProvenanceRecord) string {
	rec.ID = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
