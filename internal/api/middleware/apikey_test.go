package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/modelgate/modelgate/internal/api/middleware"
)

func TestAPIKeyAuth_Disabled(t *testing.T) {
	os.Unsetenv("MODELGATE_API_KEYS")

	auth := middleware.NewAPIKeyAuth()
	if auth.Enabled() {
		t.Error("Expected auth to be disabled when MODELGATE_API_KEYS is not set")
	}

	// When disabled, all requests should pass through
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	os.Setenv("MODELGATE_API_KEYS", "test-key-1,test-key-2")
	defer os.Unsetenv("MODELGATE_API_KEYS")

	auth := middleware.NewAPIKeyAuth()
	if !auth.Enabled() {
		t.Fatal("Expected auth to be enabled")
	}

	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Bearer token
	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("Authorization", "Bearer test-key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Valid Bearer key: status = %d, want %d", w.Code, http.StatusOK)
	}

	// X-API-Key header
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req2.Header.Set("X-API-Key", "test-key-2")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("Valid X-API-Key: status = %d, want %d", w2.Code, http.StatusOK)
	}

	// Query parameter
	req3 := httptest.NewRequest(http.MethodGet, "/api/v1/stream?api_key=test-key-1", nil)
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Errorf("Valid query key: status = %d, want %d", w3.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_InvalidKey(t *testing.T) {
	os.Setenv("MODELGATE_API_KEYS", "test-key-1")
	defer os.Unsetenv("MODELGATE_API_KEYS")

	auth := middleware.NewAPIKeyAuth()
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Invalid key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	os.Setenv("MODELGATE_API_KEYS", "test-key-1")
	defer os.Unsetenv("MODELGATE_API_KEYS")

	auth := middleware.NewAPIKeyAuth()
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	os.Setenv("MODELGATE_API_KEYS", "test-key-1")
	defer os.Unsetenv("MODELGATE_API_KEYS")

	auth := middleware.NewAPIKeyAuth()
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("Public path %s: status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}
