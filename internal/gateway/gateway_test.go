package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/breaker"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/credentials"
	"github.com/modelgate/modelgate/internal/ratelimit"
	"github.com/modelgate/modelgate/internal/retry"
	"github.com/modelgate/modelgate/pkg/models"
)

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			Endpoint:    endpoint,
			APIVersion:  "2024-06-01",
			APIKey:      "test-key",
			Deployments: map[string]string{"gpt-4o": "gpt4o-prod", "gpt-35": "gpt35-prod"},
		},
		Retry: config.RetryConfig{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			Jitter:     retry.JitterNone,
		},
		Stream: config.StreamConfig{
			MaxEventBytes: 64 * 1024,
			TokenBase:     800,
			TokenMax:      2000,
		},
	}
}

func newTestGateway(cfg *config.Config) *Gateway {
	bucket := ratelimit.NewBucket(100, time.Minute)
	brk := breaker.New(5, time.Minute)
	engine := retry.NewEngine(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Jitter:     cfg.Retry.Jitter,
	}, bucket, brk)
	engine.SetSleep(func(context.Context, time.Duration) error { return nil })
	creds := credentials.NewResolver(cfg.Upstream)
	return New(cfg, engine, creds)
}

func TestInvokeChat(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "ok"}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 1},
		})
	}))
	defer srv.Close()

	gw := newTestGateway(testConfig(srv.URL))
	res, err := gw.InvokeChat(context.Background(), models.ChatRequest{
		ModelName: "gpt-4o",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("InvokeChat() error = %v", err)
	}
	if res.OutputText != "ok" {
		t.Errorf("OutputText = %q, want %q", res.OutputText, "ok")
	}
	if res.Usage["completion_tokens"] != 1 {
		t.Errorf("Usage[completion_tokens] = %d, want 1", res.Usage["completion_tokens"])
	}
	if gotPath != "/openai/deployments/gpt4o-prod/chat/completions" {
		t.Errorf("request path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api-key header = %q, want %q", gotKey, "test-key")
	}
	if _, ok := gotBody["stream"]; ok {
		t.Errorf("non-streaming request carried stream flag: %v", gotBody["stream"])
	}
}

func TestInvokeChatRetriesTransient(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "recovered"}}},
		})
	}))
	defer srv.Close()

	gw := newTestGateway(testConfig(srv.URL))
	res, err := gw.InvokeChat(context.Background(), models.ChatRequest{
		ModelName: "gpt-4o",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("InvokeChat() error = %v", err)
	}
	if res.OutputText != "recovered" {
		t.Errorf("OutputText = %q, want %q", res.OutputText, "recovered")
	}
	if calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

func TestInvokeChatUnknownModel(t *testing.T) {
	gw := newTestGateway(testConfig("http://unused.example"))
	_, err := gw.InvokeChat(context.Background(), models.ChatRequest{ModelName: "nope"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("InvokeChat() error = %v, want *ConfigError", err)
	}
}

func TestInvokeChatStubMode(t *testing.T) {
	gw := newTestGateway(testConfig(""))
	if gw.Live() {
		t.Fatal("Live() = true with empty endpoint")
	}

	req := models.ChatRequest{
		ModelName: "gpt-4o",
		Messages:  []models.ChatMessage{{Role: "user", Content: "what is up"}},
	}
	first, err := gw.InvokeChat(context.Background(), req)
	if err != nil {
		t.Fatalf("InvokeChat() error = %v", err)
	}
	second, err := gw.InvokeChat(context.Background(), req)
	if err != nil {
		t.Fatalf("InvokeChat() error = %v", err)
	}
	if first.OutputText != second.OutputText {
		t.Errorf("stub output not deterministic: %q vs %q", first.OutputText, second.OutputText)
	}
	if !strings.Contains(first.OutputText, "what is up") {
		t.Errorf("stub output %q does not echo the prompt", first.OutputText)
	}
}

func TestInvokeChatStreamStub(t *testing.T) {
	gw := newTestGateway(testConfig(""))
	s, err := gw.InvokeChatStream(context.Background(), models.ChatRequest{
		ModelName: "gpt-4o",
		Messages:  []models.ChatMessage{{Role: "user", Content: "stream me"}},
	})
	if err != nil {
		t.Fatalf("InvokeChatStream() error = %v", err)
	}

	var kinds []models.StreamEventKind
	var text strings.Builder
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
		text.WriteString(ev.Delta)
	}
	res, err := s.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if len(kinds) == 0 || kinds[0] != models.EventLimitInfo {
		t.Fatalf("first event kind = %v, want limit_info", kinds)
	}
	if !strings.Contains(text.String(), "stream me") {
		t.Errorf("streamed text %q does not echo the prompt", text.String())
	}
	if res.Truncated {
		t.Error("stub stream unexpectedly truncated")
	}
}

func TestInvokeChatStreamLive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("streaming request missing stream flag")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hello"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":" World"}}]}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	gw := newTestGateway(testConfig(srv.URL))
	s, err := gw.InvokeChatStream(context.Background(), models.ChatRequest{
		ModelName: "gpt-4o",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("InvokeChatStream() error = %v", err)
	}
	for range s.Events() {
	}
	res, err := s.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if res.OutputText != "Hello World" {
		t.Errorf("OutputText = %q, want %q", res.OutputText, "Hello World")
	}
}

func TestInvokeChatStreamUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	gw := newTestGateway(testConfig(srv.URL))
	_, err := gw.InvokeChatStream(context.Background(), models.ChatRequest{
		ModelName: "gpt-4o",
		Messages:  []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("InvokeChatStream() error = %v, want 401 status error", err)
	}
}

func TestModelsSorted(t *testing.T) {
	gw := newTestGateway(testConfig(""))
	got := gw.Models()
	if len(got) != 2 || got[0] != "gpt-35" || got[1] != "gpt-4o" {
		t.Errorf("Models() = %v, want [gpt-35 gpt-4o]", got)
	}
}

func TestDecideLimitLegacyCap(t *testing.T) {
	cfg := testConfig("")
	cfg.Stream.LegacyTokenCap = 500
	gw := newTestGateway(cfg)
	d := gw.DecideLimit("a normal length prompt that is comfortably past the short threshold", "gpt-4o")
	if d.Limit != 500 {
		t.Errorf("Limit = %d, want 500 (legacy cap)", d.Limit)
	}
}
