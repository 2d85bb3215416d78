package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendSignsPayload(t *testing.T) {
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-ModelGate-Signature")
		gotEvent = r.Header.Get("X-ModelGate-Event")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	n := New(srv.URL, "hush")
	err := n.send(context.Background(), Event{
		Type:    EventBreakerTransition,
		Service: "modelgate",
		Payload: map[string]any{"state": "open"},
	})
	if err != nil {
		t.Fatalf("send() error = %v", err)
	}

	if gotEvent != string(EventBreakerTransition) {
		t.Errorf("event header = %q", gotEvent)
	}

	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var ev Event
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if ev.Payload["state"] != "open" {
		t.Errorf("payload = %+v", ev.Payload)
	}
}

func TestSendNoSecretSkipsSignature(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-ModelGate-Signature")
	}))
	defer srv.Close()

	n := New(srv.URL, "")
	if err := n.send(context.Background(), Event{Type: EventStreamTruncated}); err != nil {
		t.Fatalf("send() error = %v", err)
	}
	if gotSig != "" {
		t.Errorf("signature = %q, want empty", gotSig)
	}
}

func TestSendRetriesOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	n := New(srv.URL, "")
	var slept []time.Duration
	n.sleep = func(d time.Duration) { slept = append(slept, d) }

	if err := n.send(context.Background(), Event{Type: EventBreakerTransition}); err != nil {
		t.Fatalf("send() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
	if len(slept) != 2 {
		t.Errorf("sleeps = %v, want 2 backoffs", slept)
	}
}

func TestSendGivesUpAfterThreeAttempts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, "")
	n.sleep = func(time.Duration) {}

	if err := n.send(context.Background(), Event{Type: EventBreakerTransition}); err == nil {
		t.Fatal("send() error = nil, want failure")
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want 3", calls)
	}
}

func TestNilNotifierInert(t *testing.T) {
	var n *Notifier
	n.Publish(EventBreakerTransition, nil) // must not panic
}

func TestNewWithoutURL(t *testing.T) {
	if New("", "secret") != nil {
		t.Error("New(\"\") != nil")
	}
}
