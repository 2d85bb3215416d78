// Package journal provides a best-effort append-only JSONL sink used for
// durable provenance and circuit-breaker event trails.
//
// Appends never surface errors to the caller's request path: failures are
// counted and visible through Errors(), in the spirit of fire-and-forget
// side effects that tests can still assert on.
package journal

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Writer appends JSON lines to a single file. A nil Writer is valid and
// discards everything. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	path string

	errs atomic.Uint64
}

// New creates a journal writer for path. An empty path returns nil, which
// all methods tolerate.
func New(path string) *Writer {
	if path == "" {
		return nil
	}
	return &Writer{path: path}
}

// Append marshals v and appends it as one line. Failures increment the
// error counter and are logged, never returned.
func (w *Writer) Append(v any) {
	if w == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		w.errs.Add(1)
		log.Warn().Err(err).Msg("journal: marshal failed")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.errs.Add(1)
		log.Warn().Err(err).Str("path", w.path).Msg("journal: open failed")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		w.errs.Add(1)
		log.Warn().Err(err).Str("path", w.path).Msg("journal: write failed")
	}
}

// Errors returns the number of failed appends since creation. Zero for a
// nil Writer.
func (w *Writer) Errors() uint64 {
	if w == nil {
		return 0
	}
	return w.errs.Load()
}
