// Package handlers implements the HTTP handlers for the ModelGate API:
// chat invocation, streaming, continuations, provenance, and breaker
// observability.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/agent"
	"github.com/modelgate/modelgate/internal/breaker"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/continuation"
	"github.com/modelgate/modelgate/internal/credentials"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/retry"
	"github.com/modelgate/modelgate/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Cfg     *config.Config
	Orch    *agent.Orchestrator
	Breaker *breaker.Breaker
}

// New creates a Handlers instance.
func New(cfg *config.Config, orch *agent.Orchestrator, brk *breaker.Breaker) *Handlers {
	return &Handlers{Cfg: cfg, Orch: orch, Breaker: brk}
}

// chatPayload is the request body for invoke, stream, and plan.
type chatPayload struct {
	Model       string               `json:"model"`
	Prompt      string               `json:"prompt,omitempty"`
	Messages    []models.ChatMessage `json:"messages,omitempty"`
	Temperature float64              `json:"temperature,omitempty"`
	Consent     bool                 `json:"consent,omitempty"`
}

func (p *chatPayload) toRequest() (models.ChatRequest, error) {
	if p.Model == "" {
		return models.ChatRequest{}, fmt.Errorf("model is required")
	}
	msgs := p.Messages
	if len(msgs) == 0 {
		if p.Prompt == "" {
			return models.ChatRequest{}, fmt.Errorf("prompt or messages required")
		}
		msgs = []models.ChatMessage{{Role: "user", Content: p.Prompt}}
	}
	return models.ChatRequest{
		ModelName:   p.Model,
		Messages:    msgs,
		Temperature: p.Temperature,
	}, nil
}

// ── Models ───────────────────────────────────────────────────

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"models": h.Orch.ListModels(),
		"live":   h.Orch.Live(),
	})
}

// ── Invoke ───────────────────────────────────────────────────

func (h *Handlers) Invoke(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Orch.Invoke(r.Context(), req, payload.Consent)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) Plan(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Orch.PlanAndExecute(r.Context(), req, payload.Consent)
	if err != nil {
		respondForError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ── Streaming ────────────────────────────────────────────────

func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.Orch.Stream(r.Context(), req, payload.Consent)
	if err != nil {
		respondForError(w, err)
		return
	}
	h.writeEventStream(w, r, session)
}

type resumePayload struct {
	Directive string `json:"directive,omitempty"`
	Consent   bool   `json:"consent,omitempty"`
}

func (h *Handlers) ResumeContinuation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "continuationID")

	var payload resumePayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	session, err := h.Orch.ContinueStream(r.Context(), id, payload.Directive, payload.Consent)
	if err != nil {
		respondForError(w, err)
		return
	}
	h.writeEventStream(w, r, session)
}

// writeEventStream relays an orchestrated session as server-sent events,
// one JSON event per frame, terminated by a [DONE] sentinel.
func (h *Handlers) writeEventStream(w http.ResponseWriter, r *http.Request, session *agent.Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		session.Cancel()
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range session.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Msg("encoding stream event")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if _, err := session.Result(); err != nil {
		log.Warn().Err(err).Msg("stream ended with error")
		fmt.Fprintf(w, "data: {\"event\":\"error\",\"message\":%q}\n\n", err.Error())
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// ── Continuations ────────────────────────────────────────────

func (h *Handlers) ListContinuations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orch.Continuations().List())
}

// ── Provenance ───────────────────────────────────────────────

func (h *Handlers) ListProvenance(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orch.Provenance().List(queryLimit(r, 50)))
}

// ── Breaker ──────────────────────────────────────────────────

func (h *Handlers) BreakerEvents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"state":  h.Breaker.State(),
		"events": h.Breaker.Events(queryLimit(r, 50)),
	})
}

// ── Helpers ──────────────────────────────────────────────────

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// respondForError maps domain errors onto HTTP statuses.
func respondForError(w http.ResponseWriter, err error) {
	var (
		consentErr  *agent.ConsentError
		rateErr     *retry.RateLimitedError
		openErr     *retry.CircuitOpenError
		exhausted   *retry.ExhaustedError
		exchangeErr *credentials.ExchangeError
		cfgErr      *gateway.ConfigError
	)
	switch {
	case errors.As(err, &consentErr):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &rateErr):
		respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &openErr):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &exhausted), errors.As(err, &exchangeErr):
		respondError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &cfgErr):
		respondError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, continuation.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
