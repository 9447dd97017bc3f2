package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const defaultRequestTimeout = 60 * time.Second

type (
	// Gateway is the typed request/response layer over the remote record
	// API. Every method accepts structured parameters and returns decoded
	// records or a typed error; every request runs inside the resilience
	// wrapper (auth-refresh-once plus bounded transient retry) and behind a
	// client-side rate limiter so a parallel workflow cannot stampede the
	// store.
	Gateway struct {
		tokens   TokenSource
		settings *InstanceSettings
		client   *http.Client
		limiter  *rate.Limiter
		policy   RetryPolicy
		logger   *slog.Logger
	}

	// GatewayConfig carries the dependencies for NewGateway.
	GatewayConfig struct {
		Tokens       TokenSource
		Settings     *InstanceSettings
		HTTPClient   *http.Client
		MaxRetries   int
		RetryDelay   time.Duration
		RequestRPS   int
		RequestBurst int
		Logger       *slog.Logger
	}

	// GetRecordParams identifies a single record fetch.
	GetRecordParams struct {
		Module             string
		Model              string
		IDOrUID            string
		LimitToMany        int
		IncludeForeignKeys bool
	}

	// SearchParams shapes a filtered, ordered, paginated record search.
	SearchParams struct {
		Module string
		Model  string
		Filter map[string]any
		Order  []string
		Select []string
		Limit  int
		Offset int
	}

	// CreateRecordParams carries the fields for a record creation.
	CreateRecordParams struct {
		Module string
		Model  string
		Fields map[string]any
	}

	// UpdateRecordParams carries a partial update for an existing record.
	UpdateRecordParams struct {
		Module string
		Model  string
		UID    string
		Fields map[string]any
	}
)

// NewGateway creates a gateway bound to one instance. A nil HTTPClient falls
// back to a client with a bounded timeout; a zero RequestRPS disables the
// outbound throttle.
func NewGateway(cfg GatewayConfig) *Gateway {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestRPS > 0 {
		burst := cfg.RequestBurst
		if burst < 1 {
			burst = cfg.RequestRPS
		}

		limiter = rate.NewLimiter(rate.Limit(cfg.RequestRPS), burst)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		tokens:   cfg.Tokens,
		settings: cfg.Settings,
		client:   httpClient,
		limiter:  limiter,
		policy:   RetryPolicy{MaxRetries: cfg.MaxRetries, Delay: cfg.RetryDelay},
		logger:   logger,
	}
}

// Settings returns the instance settings the gateway is bound to.
func (g *Gateway) Settings() *InstanceSettings {
	return g.settings
}

// modelURL builds the record endpoint for a module/model, optionally suffixed
// with an id or uid segment.
func (g *Gateway) modelURL(module, model, idOrUID string) string {
	u := fmt.Sprintf("%s/instances/%s/modules/%s/%s", g.settings.APIURL, g.settings.ID, module, model)
	if idOrUID != "" {
		u += "/" + url.PathEscape(idOrUID)
	}

	return u
}

// do executes one HTTP call inside the resilience wrapper and returns the
// decoded JSON body. A nil body is returned for empty responses.
func (g *Gateway) do(ctx context.Context, method, rawURL string, query url.Values, body any) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var payload []byte

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}

		payload = encoded
	}

	result, err := executeWithResilience(ctx, g.tokens, g.policy, rawURL, g.logger,
		func(ctx context.Context, token string) (*callResult, error) {
			req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}

			if len(query) > 0 {
				req.URL.RawQuery = query.Encode()
			}

			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+token)

			resp, err := g.client.Do(req)
			if err != nil {
				return nil, err
			}

			defer func() {
				_ = resp.Body.Close()
			}()

			responseBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}

			return &callResult{StatusCode: resp.StatusCode, Body: responseBody}, nil
		})
	if err != nil {
		return nil, err
	}

	if result.StatusCode < http.StatusOK || result.StatusCode >= http.StatusMultipleChoices {
		return nil, &RequestError{
			StatusCode: result.StatusCode,
			Endpoint:   rawURL,
			Detail:     string(result.Body),
		}
	}

	if len(result.Body) == 0 {
		return nil, nil
	}

	var decoded any
	if err := json.Unmarshal(result.Body, &decoded); err != nil {
		return nil, &ProtocolError{Endpoint: rawURL, Reason: "unparseable response body"}
	}

	return decoded, nil
}

// asObject asserts a decoded response is a JSON object.
func asObject(decoded any, endpoint string) (map[string]any, error) {
	object, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ProtocolError{Endpoint: endpoint, Reason: "expected a JSON object"}
	}

	return object, nil
}

// asList asserts a decoded response is a JSON array of objects.
func asList(decoded any, endpoint string) ([]map[string]any, error) {
	if decoded == nil {
		return nil, nil
	}

	raw, ok := decoded.([]any)
	if !ok {
		return nil, &ProtocolError{Endpoint: endpoint, Reason: "expected a JSON array"}
	}

	records := make([]map[string]any, 0, len(raw))

	for _, entry := range raw {
		object, ok := entry.(map[string]any)
		if !ok {
			return nil, &ProtocolError{Endpoint: endpoint, Reason: "expected array of JSON objects"}
		}

		records = append(records, object)
	}

	return records, nil
}

// GetRecord fetches a single record by id or uid.
func (g *Gateway) GetRecord(ctx context.Context, params GetRecordParams) (map[string]any, error) {
	endpoint := g.modelURL(params.Module, params.Model, params.IDOrUID)

	query := url.Values{"schema_id": {g.settings.SchemaID}}
	if params.LimitToMany > 0 {
		query.Set("limit_to_many", strconv.Itoa(params.LimitToMany))
	}

	if params.IncludeForeignKeys {
		query.Set("include_foreign_keys", "true")
	}

	decoded, err := g.do(ctx, http.MethodPost, endpoint, query, nil)
	if err != nil {
		return nil, err
	}

	return asObject(decoded, endpoint)
}

// SearchRecords runs a filtered search and returns matching records in
// remote order.
func (g *Gateway) SearchRecords(ctx context.Context, params SearchParams) ([]map[string]any, error) {
	endpoint := g.modelURL(params.Module, params.Model, "")

	body := map[string]any{}
	if len(params.Filter) > 0 {
		body["filter"] = params.Filter
	}

	if len(params.Order) > 0 {
		body["order_by"] = params.Order
	}

	if len(params.Select) > 0 {
		body["select"] = params.Select
	}

	if params.Limit > 0 {
		body["limit"] = params.Limit
	}

	if params.Offset > 0 {
		body["offset"] = params.Offset
	}

	query := url.Values{"schema_id": {g.settings.SchemaID}}

	decoded, err := g.do(ctx, http.MethodPost, endpoint, query, body)
	if err != nil {
		return nil, err
	}

	return asList(decoded, endpoint)
}

// CreateRecord creates one record and returns the created object. A success
// status with an empty or malformed body is a protocol error, not a success
// with a null payload.
func (g *Gateway) CreateRecord(ctx context.Context, params CreateRecordParams) (map[string]any, error) {
	endpoint := g.modelURL(params.Module, params.Model, "")

	query := url.Values{"schema_id": {g.settings.SchemaID}}

	decoded, err := g.do(ctx, http.MethodPut, endpoint, query, params.Fields)
	if err != nil {
		return nil, err
	}

	// Create responses may carry the created object directly or as a
	// single-element array.
	switch value := decoded.(type) {
	case map[string]any:
		return value, nil
	case []any:
		if len(value) > 0 {
			if object, ok := value[0].(map[string]any); ok {
				return object, nil
			}
		}
	}

	return nil, &ProtocolError{Endpoint: endpoint, Reason: "create response missing created record"}
}

// UpdateRecord applies a partial update to an existing record.
func (g *Gateway) UpdateRecord(ctx context.Context, params UpdateRecordParams) error {
	endpoint := g.modelURL(params.Module, params.Model, params.UID)

	query := url.Values{"schema_id": {g.settings.SchemaID}}

	_, err := g.do(ctx, http.MethodPatch, endpoint, query, params.Fields)

	return err
}

// CreateTransform creates a transform record. The response must contain the
// nested transform object even on HTTP success.
func (g *Gateway) CreateTransform(ctx context.Context, fields map[string]any) (*Transform, error) {
	endpoint := fmt.Sprintf("%s/instances/%s/transforms", g.settings.APIURL, g.settings.ID)

	decoded, err := g.do(ctx, http.MethodPost, endpoint, nil, fields)
	if err != nil {
		return nil, err
	}

	object, err := asObject(decoded, endpoint)
	if err != nil {
		return nil, err
	}

	nested, ok := object["transform"].(map[string]any)
	if !ok {
		return nil, &ProtocolError{Endpoint: endpoint, Reason: "response missing transform object"}
	}

	return TransformFromMap(nested)
}

// CreateArtifact creates an artifact record. The response must contain the
// nested artifact object under body.
func (g *Gateway) CreateArtifact(ctx context.Context, fields map[string]any) (*Artifact, error) {
	return g.artifactCall(ctx, "create", fields)
}

// UploadArtifact registers an artifact binary upload. Same response contract
// as CreateArtifact.
func (g *Gateway) UploadArtifact(ctx context.Context, fields map[string]any) (*Artifact, error) {
	return g.artifactCall(ctx, "upload", fields)
}

func (g *Gateway) artifactCall(ctx context.Context, verb string, fields map[string]any) (*Artifact, error) {
	endpoint := fmt.Sprintf("%s/instances/%s/artifacts/%s", g.settings.APIURL, g.settings.ID, verb)

	decoded, err := g.do(ctx, http.MethodPost, endpoint, nil, fields)
	if err != nil {
		return nil, err
	}

	object, err := asObject(decoded, endpoint)
	if err != nil {
		return nil, err
	}

	body, ok := object["body"].(map[string]any)
	if !ok {
		return nil, &ProtocolError{Endpoint: endpoint, Reason: "response missing body object"}
	}

	nested, ok := body["artifact"].(map[string]any)
	if !ok {
		return nil, &ProtocolError{Endpoint: endpoint, Reason: "response missing artifact object"}
	}

	return ArtifactFromMap(nested)
}

// InstanceStatistics returns the non-empty-table summary for the instance.
func (g *Gateway) InstanceStatistics(ctx context.Context) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/instances/%s/statistics", g.settings.APIURL, g.settings.ID)

	decoded, err := g.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}

	return asObject(decoded, endpoint)
}

// Account returns the caller identity.
func (g *Gateway) Account(ctx context.Context) (*Account, error) {
	endpoint := g.settings.APIURL + "/account"

	decoded, err := g.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, err
	}

	object, err := asObject(decoded, endpoint)
	if err != nil {
		return nil, err
	}

	return AccountFromMap(object)
}
