// Package stream decodes a Server-Sent-Events chat-completion stream into a
// lazy, forward-only sequence of structured events, enforcing a token-budget
// policy with graceful truncation.
//
// The sequence produced for one stream is:
//
//	limit_info                     exactly once, first
//	delta {text, tokens, limit}    per content fragment
//	limit_notice                   once, iff the budget is reached early
//
// followed by an aggregate result. Oversized SSE events and unparseable
// JSON fragments are skipped, never fatal; only an unreadable underlying
// stream terminates with an error. The parser never cancels the underlying
// network body; that is the stream owner's job via its cancel handle.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/pkg/models"
)

// DefaultMaxEventBytes bounds memory against a misbehaving upstream.
const DefaultMaxEventBytes = 64 * 1024

// doneSentinel terminates a well-formed stream.
const doneSentinel = "[DONE]"

// Options configures one parse run.
type Options struct {
	ModelName     string
	Limit         models.LimitDecision
	MaxEventBytes int
	Estimate      func(string) int
}

// Stream is a running parse: a pull-based event sequence plus the final
// aggregate, available once the event channel closes.
type Stream struct {
	events chan models.StreamEvent
	done   chan struct{}
	cancel context.CancelFunc

	result *models.StreamResult
	err    error
}

// Events returns the event channel. It closes when the sequence ends,
// whether by completion, truncation, cancellation, or stream failure.
func (s *Stream) Events() <-chan models.StreamEvent { return s.events }

// Result blocks until the sequence has ended and returns the aggregate.
func (s *Stream) Result() (*models.StreamResult, error) {
	<-s.done
	return s.result, s.err
}

// Cancel terminates the read loop at its next suspension point. The
// underlying body still must be closed by whoever owns it.
func (s *Stream) Cancel() { s.cancel() }

// chunk is the upstream's incremental SSE frame shape.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]int `json:"usage"`
}

// Parse starts decoding body in a background goroutine and returns the
// stream handle immediately. The body is closed when the loop exits.
func Parse(ctx context.Context, body io.ReadCloser, opts Options) *Stream {
	if opts.MaxEventBytes <= 0 {
		opts.MaxEventBytes = DefaultMaxEventBytes
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan models.StreamEvent, 4),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go s.run(ctx, body, opts)
	return s
}

func (s *Stream) run(ctx context.Context, body io.ReadCloser, opts Options) {
	defer close(s.done)
	defer close(s.events)
	defer body.Close()

	result := &models.StreamResult{ModelName: opts.ModelName}
	s.result = result

	if !s.send(ctx, models.StreamEvent{
		Kind:      models.EventLimitInfo,
		Limit:     opts.Limit.Limit,
		Rationale: opts.Limit.Rationale,
	}) {
		return
	}

	var output strings.Builder
	var usage models.TokenUsage
	tokens := 0

	lines := newLineReader(body, opts.MaxEventBytes)
	var data strings.Builder
	oversized := false

	for {
		if ctx.Err() != nil {
			s.err = ctx.Err()
			s.finish(result, output.String(), usage, false)
			return
		}

		line, tooLong, err := lines.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Upstream closed without [DONE]; treat what we have as the
				// natural end.
				s.finish(result, output.String(), usage, false)
			} else {
				s.err = fmt.Errorf("stream: read: %w", err)
				s.finish(result, output.String(), usage, false)
			}
			return
		}
		if tooLong {
			oversized = true
			continue
		}

		if line != "" {
			if payload, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimSpace(payload))
				// The cap bounds the whole event, which may span many
				// data lines.
				if data.Len() > opts.MaxEventBytes {
					oversized = true
					data.Reset()
				}
			}
			continue
		}

		// Blank line: event boundary.
		payload := data.String()
		data.Reset()
		if oversized {
			oversized = false
			log.Warn().Int("max_bytes", opts.MaxEventBytes).Msg("skipping oversized stream event")
			continue
		}
		if payload == "" {
			continue
		}
		if payload == doneSentinel {
			s.finish(result, output.String(), usage, false)
			return
		}

		var c chunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			log.Debug().Err(err).Msg("skipping unparseable stream event")
			continue
		}
		if c.Usage != nil {
			usage = c.Usage
		}
		if len(c.Choices) == 0 || c.Choices[0].Delta.Content == "" {
			continue
		}

		delta := c.Choices[0].Delta.Content
		output.WriteString(delta)
		tokens = opts.Estimate(output.String())

		if !s.send(ctx, models.StreamEvent{
			Kind:   models.EventDelta,
			Delta:  delta,
			Tokens: tokens,
			Limit:  opts.Limit.Limit,
		}) {
			s.finish(result, output.String(), usage, false)
			return
		}

		if tokens >= opts.Limit.Limit {
			s.send(ctx, models.StreamEvent{
				Kind:      models.EventLimitNotice,
				Limit:     opts.Limit.Limit,
				Tokens:    tokens,
				Rationale: opts.Limit.Rationale,
			})
			s.finish(result, output.String(), usage, true)
			return
		}
	}
}

// send delivers one event, abandoning on cancellation. Reports delivery.
func (s *Stream) send(ctx context.Context, ev models.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) finish(result *models.StreamResult, output string, usage models.TokenUsage, truncated bool) {
	result.OutputText = output
	result.Usage = usage
	result.Truncated = truncated
}

// ── Line reading ─────────────────────────────────────────────

// lineReader yields one line at a time, flagging (and fully consuming)
// lines longer than the configured maximum instead of failing the stream.
type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 16*1024), max: max}
}

// next returns the next line without its terminator. tooLong marks a line
// that exceeded the maximum; its content is discarded.
func (lr *lineReader) next() (line string, tooLong bool, err error) {
	var buf strings.Builder
	discarding := false

	for {
		part, err := lr.r.ReadSlice('\n')
		if len(part) > 0 {
			if !discarding {
				buf.Write(part)
				if buf.Len() > lr.max {
					discarding = true
					buf.Reset()
				}
			}
		}

		switch {
		case err == nil:
			text := strings.TrimRight(buf.String(), "\r\n")
			return text, discarding, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (buf.Len() > 0 || discarding):
			return strings.TrimRight(buf.String(), "\r"), discarding, nil
		default:
			return "", false, err
		}
	}
}
