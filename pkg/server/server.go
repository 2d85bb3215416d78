// Package server provides the public entry point for initializing the
// ModelGate server.
//
// This package exists in pkg/ (not internal/) so that embedding programs
// can compose the gateway with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/agent"
	"github.com/modelgate/modelgate/internal/api"
	"github.com/modelgate/modelgate/internal/api/handlers"
	"github.com/modelgate/modelgate/internal/breaker"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/continuation"
	"github.com/modelgate/modelgate/internal/credentials"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/journal"
	"github.com/modelgate/modelgate/internal/notify"
	"github.com/modelgate/modelgate/internal/provenance"
	"github.com/modelgate/modelgate/internal/ratelimit"
	"github.com/modelgate/modelgate/internal/retry"
	"github.com/modelgate/modelgate/internal/telemetry"
	"github.com/modelgate/modelgate/internal/tokenizer"
	"github.com/modelgate/modelgate/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized ModelGate service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Orchestrator is exposed for embedding programs that call the
	// gateway directly instead of over HTTP.
	Orchestrator *agent.Orchestrator

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from the environment and returns a ready
// Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the service with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	bucket := ratelimit.NewBucket(cfg.RateLimit.Capacity, cfg.RateLimit.RefillInterval)
	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)

	// Breaker transitions are logged and, when configured, journaled and
	// pushed to the webhook.
	breakerJournal := journal.New(cfg.Breaker.EventLogPath)
	notifier := notify.New(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret)
	brk.Subscribe(func(ev models.BreakerEvent) {
		log.Warn().
			Str("event", string(ev.EventType)).
			Str("state", ev.State).
			Msg("circuit breaker transition")
		breakerJournal.Append(ev)
		notifier.Publish(notify.EventBreakerTransition, map[string]any{
			"event": string(ev.EventType),
			"state": ev.State,
		})
	})

	engine := retry.NewEngine(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Jitter:     cfg.Retry.Jitter,
	}, bucket, brk)

	creds := credentials.NewResolver(cfg.Upstream)
	gw := gateway.New(cfg, engine, creds)

	recorder := provenance.NewRecorder(cfg.Provenance.RingSize, journal.New(cfg.Provenance.LogPath))
	continuations := continuation.NewStore(cfg.Continuation.TTL, cfg.Continuation.Capacity)

	orch := agent.New(gw, recorder, continuations, cfg.Consent.Required)
	orch.SetNotifier(notifier)
	registerBuiltinTools(orch)

	if gw.Live() {
		log.Info().
			Str("endpoint", cfg.Upstream.Endpoint).
			Int("models", len(cfg.Upstream.Deployments)).
			Msg("upstream configured")
	} else {
		log.Info().Msg("no upstream endpoint configured, serving stub responses")
	}

	h := handlers.New(cfg, orch, brk)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Orchestrator: orch,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// registerBuiltinTools installs the default planner tools.
func registerBuiltinTools(orch *agent.Orchestrator) {
	orch.RegisterTool("current_time", func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]string{"utc": time.Now().UTC().Format(time.RFC3339)}, nil
	})

	orch.RegisterTool("estimate_tokens", func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("estimate_tokens: %w", err)
		}
		return map[string]int{"tokens": tokenizer.Estimate(in.Text)}, nil
	})

	orch.RegisterTool("list_models", func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"models": orch.ListModels()}, nil
	})
}
