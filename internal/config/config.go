// Package config loads ModelGate configuration from environment variables.
// A .env file in the working directory is honored if present.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the ModelGate server.
type Config struct {
	Port    int
	Version string

	Upstream     UpstreamConfig
	Retry        RetryConfig
	Breaker      BreakerConfig
	RateLimit    RateLimitConfig
	Stream       StreamConfig
	Continuation ContinuationConfig
	Provenance   ProvenanceConfig
	Consent      ConsentConfig
	Notify       NotifyConfig
	Telemetry    TelemetryConfig
}

// UpstreamConfig describes the remote chat-completion service and how to
// authenticate against it. An empty Endpoint puts the gateway in stub mode.
type UpstreamConfig struct {
	Endpoint   string
	APIVersion string

	// Static key mode
	APIKey string

	// OAuth2 client-credentials mode
	TenantID     string
	ClientID     string
	ClientSecret string
	Authority    string

	// Deployments maps a logical model name to a backend deployment id.
	Deployments map[string]string
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     string // "full" or "none"
}

type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	EventLogPath     string
}

type RateLimitConfig struct {
	Capacity       int
	RefillInterval time.Duration
}

type StreamConfig struct {
	MaxEventBytes  int
	TokenBase      int
	TokenMax       int
	LegacyTokenCap int // 0 = no override
}

type ContinuationConfig struct {
	TTL      time.Duration
	Capacity int
}

type ProvenanceConfig struct {
	RingSize int
	LogPath  string
}

type ConsentConfig struct {
	Required bool
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	// Best-effort .env load; absence is not an error.
	_ = godotenv.Load()

	return &Config{
		Port:    envInt("MODELGATE_PORT", 8080),
		Version: envStr("MODELGATE_VERSION", "0.2.0"),
		Upstream: UpstreamConfig{
			Endpoint:     envStr("AZURE_OPENAI_ENDPOINT", ""),
			APIVersion:   envStr("AZURE_OPENAI_API_VERSION", "2024-02-15-preview"),
			APIKey:       envStr("AZURE_OPENAI_API_KEY", ""),
			TenantID:     envStr("AZURE_TENANT_ID", ""),
			ClientID:     envStr("AZURE_CLIENT_ID", ""),
			ClientSecret: envStr("AZURE_CLIENT_SECRET", ""),
			Authority:    envStr("AZURE_AUTHORITY", "microsoftonline.com"),
			Deployments:  envJSONMap("MODELGATE_DEPLOYMENTS"),
		},
		Retry: RetryConfig{
			MaxRetries: envInt("MODELGATE_RETRIES", 3),
			BaseDelay:  envMs("MODELGATE_RETRY_BASE_MS", 250),
			MaxDelay:   envMs("MODELGATE_RETRY_MAX_MS", 8000),
			Jitter:     envStr("MODELGATE_RETRY_JITTER", "full"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: envInt("MODELGATE_BREAKER_THRESHOLD", 5),
			Cooldown:         envMs("MODELGATE_BREAKER_COOLDOWN_MS", 30000),
			EventLogPath:     envStr("MODELGATE_BREAKER_LOG", ""),
		},
		RateLimit: RateLimitConfig{
			Capacity:       envInt("MODELGATE_RATE_CAPACITY", 60),
			RefillInterval: envMs("MODELGATE_RATE_REFILL_MS", 60000),
		},
		Stream: StreamConfig{
			MaxEventBytes:  envInt("MODELGATE_MAX_SSE_EVENT_BYTES", 64*1024),
			TokenBase:      envInt("MODELGATE_STREAM_TOKEN_BASE", 800),
			TokenMax:       envInt("MODELGATE_STREAM_TOKEN_MAX", 2000),
			LegacyTokenCap: envInt("MODELGATE_LEGACY_TOKEN_CAP", 0),
		},
		Continuation: ContinuationConfig{
			TTL:      envMs("MODELGATE_CONTINUATION_TTL_MS", 15*60*1000),
			Capacity: envInt("MODELGATE_CONTINUATION_CAP", 200),
		},
		Provenance: ProvenanceConfig{
			RingSize: envInt("MODELGATE_PROVENANCE_RING", 256),
			LogPath:  envStr("MODELGATE_PROVENANCE_LOG", ""),
		},
		Consent: ConsentConfig{
			Required: envBool("MODELGATE_CONSENT_REQUIRED", true),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("MODELGATE_WEBHOOK_URL", ""),
			WebhookSecret: envStr("MODELGATE_WEBHOOK_SECRET", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "modelgate"),
		},
	}
}

// Live reports whether a real upstream endpoint is configured. When false,
// the gateway serves deterministic stub responses without any network calls.
func (u UpstreamConfig) Live() bool {
	return u.Endpoint != ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envMs(key string, fallbackMs int) time.Duration {
	return time.Duration(envInt(key, fallbackMs)) * time.Millisecond
}

func envJSONMap(key string) map[string]string {
	m := make(map[string]string)
	v := os.Getenv(key)
	if v == "" {
		return m
	}
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("ignoring malformed JSON map in environment")
		return make(map[string]string)
	}
	return m
}
