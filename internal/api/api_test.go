package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/retry"
	"github.com/modelgate/modelgate/pkg/models"
	"github.com/modelgate/modelgate/pkg/server"
)

func newTestServer(t *testing.T, endpoint string, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Port:    0,
		Version: "test",
		Upstream: config.UpstreamConfig{
			Endpoint:    endpoint,
			APIVersion:  "2024-06-01",
			APIKey:      "test-key",
			Deployments: map[string]string{"gpt-4o": "gpt4o-prod"},
		},
		Retry: config.RetryConfig{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			Jitter:     retry.JitterNone,
		},
		Breaker:   config.BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute},
		RateLimit: config.RateLimitConfig{Capacity: 100, RefillInterval: time.Minute},
		Stream: config.StreamConfig{
			MaxEventBytes: 64 * 1024,
			TokenBase:     800,
			TokenMax:      2000,
		},
		Continuation: config.ContinuationConfig{TTL: 15 * time.Minute, Capacity: 50},
		Provenance:   config.ProvenanceConfig{RingSize: 32},
		Consent:      config.ConsentConfig{Required: true},
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := server.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, "", nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatalf("GET /version: %v", err)
	}
	defer resp2.Body.Close()
	var v map[string]string
	json.NewDecoder(resp2.Body).Decode(&v)
	if v["version"] != "test" {
		t.Errorf("version = %q, want test", v["version"])
	}
}

func TestInvokeAgainstMockUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer upstream.Close()

	ts := newTestServer(t, upstream.URL, nil)
	resp := postJSON(t, ts.URL+"/api/v1/invoke", map[string]any{
		"model":   "gpt-4o",
		"prompt":  "hello",
		"consent": true,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res models.ChatResult
	json.NewDecoder(resp.Body).Decode(&res)
	if res.OutputText != "ok" {
		t.Errorf("output_text = %q, want ok", res.OutputText)
	}
}

func TestInvokeConsentRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream called without consent")
	}))
	defer upstream.Close()

	ts := newTestServer(t, upstream.URL, nil)
	resp := postJSON(t, ts.URL+"/api/v1/invoke", map[string]any{
		"model":  "gpt-4o",
		"prompt": "hello",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestInvokeStubNoConsentNeeded(t *testing.T) {
	ts := newTestServer(t, "", nil)
	resp := postJSON(t, ts.URL+"/api/v1/invoke", map[string]any{
		"model":  "gpt-4o",
		"prompt": "hello offline",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var res models.ChatResult
	json.NewDecoder(resp.Body).Decode(&res)
	if !strings.Contains(res.OutputText, "hello offline") {
		t.Errorf("stub output %q does not echo prompt", res.OutputText)
	}
}

func TestInvokeBadRequest(t *testing.T) {
	ts := newTestServer(t, "", nil)

	resp := postJSON(t, ts.URL+"/api/v1/invoke", map[string]any{"prompt": "no model"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing model: status = %d, want 400", resp.StatusCode)
	}
}

func TestInvokeUnknownModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	ts := newTestServer(t, upstream.URL, nil)
	resp := postJSON(t, ts.URL+"/api/v1/invoke", map[string]any{
		"model":   "unmapped",
		"prompt":  "hello",
		"consent": true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

// readSSE collects the data frames of an event-stream response.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

func TestStreamStub(t *testing.T) {
	ts := newTestServer(t, "", nil)
	resp := postJSON(t, ts.URL+"/api/v1/stream", map[string]any{
		"model":  "gpt-4o",
		"prompt": "stream this",
	})
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	frames := readSSE(t, resp)
	if len(frames) < 2 {
		t.Fatalf("frames = %v", frames)
	}

	var first models.StreamEvent
	if err := json.Unmarshal([]byte(frames[0]), &first); err != nil {
		t.Fatalf("first frame %q: %v", frames[0], err)
	}
	if first.Kind != models.EventLimitInfo {
		t.Errorf("first event = %q, want limit_info", first.Kind)
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Errorf("last frame = %q, want [DONE]", frames[len(frames)-1])
	}
}

func TestStreamTruncationAndResume(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"alpha beta", " gamma delta", " epsilon zeta eta"} {
			chunk, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": d}}},
			})
			w.Write([]byte("data: "))
			w.Write(chunk)
			w.Write([]byte("\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	ts := newTestServer(t, upstream.URL, func(cfg *config.Config) {
		cfg.Stream.LegacyTokenCap = 3
	})

	resp := postJSON(t, ts.URL+"/api/v1/stream", map[string]any{
		"model":   "gpt-4o",
		"prompt":  "recite the alphabet",
		"consent": true,
	})
	defer resp.Body.Close()

	var continuationID string
	for _, frame := range readSSE(t, resp) {
		if frame == "[DONE]" {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(frame), &ev); err != nil {
			t.Fatalf("frame %q: %v", frame, err)
		}
		if ev.Kind == models.EventLimitNotice {
			continuationID = ev.ContinuationID
		}
	}
	if continuationID == "" {
		t.Fatal("no continuation id in limit notice")
	}

	// The continuation should be listed
	listResp, err := http.Get(ts.URL + "/api/v1/continuations")
	if err != nil {
		t.Fatalf("GET continuations: %v", err)
	}
	defer listResp.Body.Close()
	var summaries []models.ContinuationSummary
	json.NewDecoder(listResp.Body).Decode(&summaries)
	if len(summaries) != 1 || summaries[0].ID != continuationID {
		t.Fatalf("continuations = %+v", summaries)
	}

	// Resume it
	resumeResp := postJSON(t, ts.URL+"/api/v1/continuations/"+continuationID+"/resume",
		map[string]any{"consent": true})
	defer resumeResp.Body.Close()
	if resumeResp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resumeResp.StatusCode)
	}
	frames := readSSE(t, resumeResp)
	if len(frames) == 0 || frames[len(frames)-1] != "[DONE]" {
		t.Errorf("resume frames = %v", frames)
	}
}

func TestResumeUnknownContinuation(t *testing.T) {
	ts := newTestServer(t, "", nil)
	resp := postJSON(t, ts.URL+"/api/v1/continuations/missing/resume", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProvenanceListing(t *testing.T) {
	ts := newTestServer(t, "", nil)

	resp := postJSON(t, ts.URL+"/api/v1/invoke", map[string]any{
		"model":  "gpt-4o",
		"prompt": "leave a trace",
	})
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/api/v1/provenance")
	if err != nil {
		t.Fatalf("GET provenance: %v", err)
	}
	defer listResp.Body.Close()
	var recs []models.ProvenanceRecord
	json.NewDecoder(listResp.Body).Decode(&recs)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if strings.Contains(recs[0].PromptHash, "leave a trace") {
		t.Error("prompt text leaked into record")
	}
	if len(recs[0].PromptHash) != 64 {
		t.Errorf("PromptHash length = %d, want 64", len(recs[0].PromptHash))
	}
}

func TestBreakerEventsEndpoint(t *testing.T) {
	ts := newTestServer(t, "", nil)

	resp, err := http.Get(ts.URL + "/api/v1/breaker/events")
	if err != nil {
		t.Fatalf("GET breaker events: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		State  string               `json:"state"`
		Events []models.BreakerEvent `json:"events"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.State != "closed" {
		t.Errorf("state = %q, want closed", body.State)
	}
	if len(body.Events) != 0 {
		t.Errorf("events = %+v, want none", body.Events)
	}
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t, "", nil)
	resp, err := http.Get(ts.URL + "/api/v1/models")
	if err != nil {
		t.Fatalf("GET models: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Models []string `json:"models"`
		Live   bool     `json:"live"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Live {
		t.Error("live = true, want false")
	}
	if len(body.Models) != 1 || body.Models[0] != "gpt-4o" {
		t.Errorf("models = %v", body.Models)
	}
}
