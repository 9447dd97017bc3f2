package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const (
	jwtEndpoint              = "/get-jwt-v1"
	instanceSettingsEndpoint = "/get-instance-settings-v1"

	defaultExchangeTimeout = 30 * time.Second
)

type (
	// AuthSession owns the long-lived API key and the short-lived bearer
	// token. The token has no exposed expiry; validity is discovered
	// reactively when a request comes back unauthorized, at which point the
	// caller invokes Refresh. Refresh must never be called speculatively.
	//
	// Safe for concurrent use: the token cache is guarded by a mutex so two
	// workers observing a 401 at the same time serialize their refreshes
	// instead of corrupting the cache.
	AuthSession struct {
		hubURL string
		apiKey string
		client *http.Client

		mu       sync.Mutex
		token    string
		settings map[string]*InstanceSettings
	}
)

// NewAuthSession creates a session against the hub base address. A nil
// httpClient falls back to a client with a bounded timeout.
func NewAuthSession(hubURL, apiKey string, httpClient *http.Client) *AuthSession {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultExchangeTimeout}
	}

	return &AuthSession{
		hubURL:   hubURL,
		apiKey:   apiKey,
		client:   httpClient,
		settings: make(map[string]*InstanceSettings),
	}
}

// Token returns the cached bearer token, exchanging the API key for one on
// first use.
func (s *AuthSession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		return s.token, nil
	}

	return s.exchangeLocked(ctx)
}

// Refresh unconditionally repeats the token exchange and replaces the cached
// token. Callers must invoke this only after observing an authorization
// failure.
func (s *AuthSession) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.exchangeLocked(ctx)
}

// exchangeLocked performs the API-key-for-token exchange. Callers hold s.mu.
// Network errors are fatal for this call; retry policy belongs to the
// gateway's resilience wrapper, not here.
func (s *AuthSession) exchangeLocked(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{"api_key": s.apiKey})
	if err != nil {
		return "", fmt.Errorf("encoding token exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hubURL+jwtEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building token exchange request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &AuthError{Reason: "token exchange request failed", Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Reason: fmt.Sprintf("token exchange returned status %d", resp.StatusCode)}
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &ProtocolError{Endpoint: jwtEndpoint, Reason: "unparseable token exchange response"}
	}

	token, ok := body["accessToken"].(string)
	if !ok || token == "" {
		return "", &ProtocolError{Endpoint: jwtEndpoint, Reason: "response missing accessToken"}
	}

	s.token = token

	return token, nil
}

// InstanceSettings fetches the settings for owner/name, caching the result
// for the process lifetime. Requires a valid token; a response missing any
// required field or carrying a malformed api_url is a configuration error.
func (s *AuthSession) InstanceSettings(ctx context.Context, owner, name string) (*InstanceSettings, error) {
	cacheKey := owner + "/" + name

	s.mu.Lock()
	if cached, ok := s.settings[cacheKey]; ok {
		s.mu.Unlock()

		return cached, nil
	}
	s.mu.Unlock()

	token, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"owner": owner, "name": name})
	if err != nil {
		return nil, fmt.Errorf("encoding instance settings request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.hubURL+instanceSettingsEndpoint, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("building instance settings request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instance settings request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Endpoint:   instanceSettingsEndpoint,
			Detail:     fmt.Sprintf("instance %s not available", cacheKey),
		}
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ProtocolError{Endpoint: instanceSettingsEndpoint, Reason: "unparseable response"}
	}

	settings, err := InstanceSettingsFromMap(body)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.settings[cacheKey] = settings
	s.mu.Unlock()

	return settings, nil
}
