// Package credentials resolves per-request auth headers for the upstream
// chat-completion service.
//
// Two mutually exclusive modes, chosen by configuration presence:
//
//  1. Static API key: returns a fixed api-key header, no network call.
//  2. OAuth2 client credentials: exchanges tenant/client/secret for a
//     short-lived bearer token at the Microsoft identity endpoint and caches
//     it until five minutes before expiry.
//
// If neither mode is configured, resolution fails; an unauthenticated call
// is never attempted.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/config"
)

// expirySafetyWindow is how long before expiry a cached token stops being used.
const expirySafetyWindow = 5 * time.Minute

// ErrNotConfigured means neither auth mode is present in configuration.
var ErrNotConfigured = fmt.Errorf("credentials: no api key and no client-credential fields configured")

// ExchangeError reports a failed token exchange, carrying the upstream
// status and response body for diagnosis.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("credentials: token exchange failed with status %d: %s", e.Status, e.Body)
}

// Resolver produces auth headers, caching bearer tokens across calls.
// Safe for concurrent use.
type Resolver struct {
	cfg    config.UpstreamConfig
	client *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	tokenEndpoint string
	now           func() time.Time
}

// NewResolver creates a resolver for the given upstream configuration.
func NewResolver(cfg config.UpstreamConfig) *Resolver {
	return &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

// SetHTTPClient overrides the exchange client. Intended for tests.
func (r *Resolver) SetHTTPClient(c *http.Client) { r.client = c }

// SetClock overrides the resolver's time source. Intended for tests.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// SetTokenEndpoint overrides the token exchange URL. Intended for tests.
func (r *Resolver) SetTokenEndpoint(u string) { r.tokenEndpoint = u }

// AuthHeaders returns the headers to attach to one upstream request.
func (r *Resolver) AuthHeaders(ctx context.Context) (map[string]string, error) {
	if r.cfg.APIKey != "" {
		return map[string]string{"api-key": r.cfg.APIKey}, nil
	}
	if r.cfg.TenantID != "" && r.cfg.ClientID != "" && r.cfg.ClientSecret != "" {
		token, err := r.bearerToken(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}
	return nil, ErrNotConfigured
}

// bearerToken returns a cached token while it remains comfortably unexpired,
// performing a fresh exchange otherwise.
func (r *Resolver) bearerToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && r.expiresAt.Add(-expirySafetyWindow).After(r.now()) {
		return r.token, nil
	}

	token, expiresAt, err := r.exchange(ctx)
	if err != nil {
		return "", err
	}
	r.token = token
	r.expiresAt = expiresAt

	log.Debug().
		Time("expires_at", expiresAt).
		Msg("bearer token refreshed")
	return token, nil
}

// exchange performs the OAuth2 client-credentials grant.
func (r *Resolver) exchange(ctx context.Context) (string, time.Time, error) {
	tokenURL := r.tokenEndpoint
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.%s/%s/oauth2/v2.0/token", r.cfg.Authority, r.cfg.TenantID)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", r.cfg.ClientID)
	form.Set("client_secret", r.cfg.ClientSecret)
	form.Set("scope", "https://cognitiveservices.azure.com/.default")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("credentials: create exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("credentials: token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", time.Time{}, &ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.AccessToken == "" {
		return "", time.Time{}, &ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}

	expiresAt := r.expiryOf(parsed.AccessToken, parsed.ExpiresIn)
	return parsed.AccessToken, expiresAt, nil
}

// expiryOf derives token expiry from expires_in, falling back to the JWT exp
// claim when the endpoint omits it.
func (r *Resolver) expiryOf(token string, expiresIn int64) time.Time {
	if expiresIn > 0 {
		return r.now().Add(time.Duration(expiresIn) * time.Second)
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}

	// Unknown lifetime: assume a short one so we refresh aggressively.
	return r.now().Add(10 * time.Minute)
}
