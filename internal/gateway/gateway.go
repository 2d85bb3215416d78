// Package gateway performs resilient outbound calls to the remote
// chat-completion service.
//
// Each logical call is gated cheapest-first: token bucket, circuit breaker,
// then the retry envelope around credential resolution and the network
// attempt. Streaming calls return immediately with a cancel handle and a
// lazy event sequence decoded by the stream package.
//
// With no upstream endpoint configured the gateway runs in stub mode:
// deterministic offline responses, no network, no credentials.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/credentials"
	"github.com/modelgate/modelgate/internal/policy"
	"github.com/modelgate/modelgate/internal/retry"
	"github.com/modelgate/modelgate/internal/stream"
	"github.com/modelgate/modelgate/internal/tokenizer"
	"github.com/modelgate/modelgate/pkg/models"
)

var tracer = otel.Tracer("modelgate-gateway")

// ConfigError marks a call that failed on configuration, not on the
// network. Never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration: " + e.Reason }

// Gateway composes the resilience pieces around the upstream HTTP call.
type Gateway struct {
	upstream config.UpstreamConfig
	streams  config.StreamConfig

	client  *http.Client
	engine  *retry.Engine
	creds   *credentials.Resolver
	limiter *policy.Limiter
}

// New creates a gateway from configuration and the shared retry engine.
func New(cfg *config.Config, engine *retry.Engine, creds *credentials.Resolver) *Gateway {
	return &Gateway{
		upstream: cfg.Upstream,
		streams:  cfg.Stream,
		client:   &http.Client{Timeout: 120 * time.Second},
		engine:   engine,
		creds:    creds,
		limiter:  policy.NewLimiter(cfg.Stream.TokenBase, cfg.Stream.TokenMax),
	}
}

// SetHTTPClient overrides the upstream client. Intended for tests.
func (g *Gateway) SetHTTPClient(c *http.Client) { g.client = c }

// Live reports whether a real upstream is configured.
func (g *Gateway) Live() bool { return g.upstream.Live() }

// Models lists the logical model names with a mapped deployment, sorted.
func (g *Gateway) Models() []string {
	names := make([]string, 0, len(g.upstream.Deployments))
	for name := range g.upstream.Deployments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecideLimit exposes the streaming limit policy for a prompt, applying the
// legacy hard cap when configured and smaller.
func (g *Gateway) DecideLimit(prompt, modelName string) models.LimitDecision {
	d := g.limiter.Decide(prompt, modelName)
	if g.streams.LegacyTokenCap > 0 && g.streams.LegacyTokenCap < d.Limit {
		d = models.LimitDecision{
			Limit:     g.streams.LegacyTokenCap,
			Rationale: "legacy hard cap",
		}
	}
	return d
}

// ── Wire types ───────────────────────────────────────────────

type completionRequest struct {
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage map[string]int `json:"usage"`
}

// ── Non-streaming ────────────────────────────────────────────

// InvokeChat performs one non-streaming chat-completion call.
func (g *Gateway) InvokeChat(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error) {
	if !g.Live() {
		return g.stubInvoke(req), nil
	}

	ctx, span := tracer.Start(ctx, "gateway.invoke_chat")
	defer span.End()
	span.SetAttributes(attribute.String("gen_ai.request.model", req.ModelName))

	resp, err := g.call(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway: upstream status %d: %s", resp.StatusCode, string(body))
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("gateway: decode response: %w", err)
	}

	content := ""
	if len(parsed.Choices) > 0 {
		content = parsed.Choices[0].Message.Content
	}

	return &models.ChatResult{
		ModelName:  req.ModelName,
		OutputText: content,
		Usage:      parsed.Usage,
		Raw:        body,
	}, nil
}

// ── Streaming ────────────────────────────────────────────────

// InvokeChatStream opens a streaming call and returns its event sequence
// immediately; the body is consumed lazily by the stream parser. Callers
// that stop reading early must Cancel the stream.
func (g *Gateway) InvokeChatStream(ctx context.Context, req models.ChatRequest) (*stream.Stream, error) {
	limit := g.DecideLimit(lastUserContent(req.Messages), req.ModelName)

	opts := stream.Options{
		ModelName:     req.ModelName,
		Limit:         limit,
		MaxEventBytes: g.streams.MaxEventBytes,
		Estimate:      tokenizer.Estimate,
	}

	if !g.Live() {
		return stream.Parse(ctx, g.stubStreamBody(req), opts), nil
	}

	ctx, span := tracer.Start(ctx, "gateway.invoke_chat_stream")
	span.SetAttributes(
		attribute.String("gen_ai.request.model", req.ModelName),
		attribute.Int("modelgate.stream.limit", limit.Limit),
	)

	resp, err := g.call(ctx, req, true)
	if err != nil {
		span.End()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		span.End()
		return nil, fmt.Errorf("gateway: upstream status %d: %s", resp.StatusCode, string(body))
	}

	span.End()
	return stream.Parse(ctx, resp.Body, opts), nil
}

// ── Shared call path ─────────────────────────────────────────

// call runs the gated, retried upstream request and returns its response.
func (g *Gateway) call(ctx context.Context, req models.ChatRequest, streaming bool) (*http.Response, error) {
	deployment, ok := g.upstream.Deployments[req.ModelName]
	if !ok {
		return nil, &ConfigError{Reason: fmt.Sprintf("no deployment mapped for model %q", req.ModelName)}
	}

	if err := g.engine.Gate(); err != nil {
		return nil, err
	}

	// Credential resolution sits between the gates and the attempt loop:
	// exchange failures are never retried.
	headers, err := g.creds.AuthHeaders(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(completionRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      streaming,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		g.upstream.Endpoint, deployment, g.upstream.APIVersion)

	start := time.Now()
	resp, err := g.engine.Run(ctx, func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gateway: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
		return g.client.Do(httpReq)
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("model", req.ModelName).
		Str("deployment", deployment).
		Bool("streaming", streaming).
		Dur("latency", time.Since(start)).
		Int("status", resp.StatusCode).
		Msg("upstream call completed")
	return resp, nil
}

// lastUserContent extracts the newest user message for limit heuristics.
func lastUserContent(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}
