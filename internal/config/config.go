package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// EnvProd selects the production hub.
	EnvProd = "prod"

	// EnvStaging selects the staging hub.
	EnvStaging = "staging"

	// EnvCustom selects an operator-supplied hub address.
	EnvCustom = "custom"

	prodHubURL    = "https://hub.laminar.io"
	stagingHubURL = "https://hub-staging.laminar.io"

	defaultMaxRetries   = 3
	defaultRetryDelay   = 5 * time.Second
	defaultRequestRPS   = 20
	defaultRequestBurst = 40
)

// Configuration validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrInstanceEmpty indicates the instance identifier is missing.
	ErrInstanceEmpty = errors.New("instance identifier cannot be empty")

	// ErrInstanceFormat indicates the instance identifier is not "owner/name".
	ErrInstanceFormat = errors.New("instance identifier must contain exactly one '/'")

	// ErrInstanceWhitespace indicates leading or trailing whitespace in the instance identifier.
	ErrInstanceWhitespace = errors.New("instance identifier cannot have leading or trailing whitespace")

	// ErrInstanceEmptySegment indicates an empty owner or name segment.
	ErrInstanceEmptySegment = errors.New("instance owner and name cannot be empty")

	// ErrAPIKeyEmpty indicates the API key is missing.
	ErrAPIKeyEmpty = errors.New("API key cannot be empty")

	// ErrUnknownEnvironment indicates an environment name outside prod/staging/custom.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrHubURLRequired indicates the custom environment was selected without a hub URL.
	ErrHubURLRequired = errors.New("custom environment requires an explicit hub URL")
)

type (
	// Config carries every value the lineage client consumes. The loader is
	// thin env-var glue; all validation happens in Load so misconfiguration
	// fails before the first network call.
	Config struct {
		// InstanceOwner and InstanceName identify the remote database
		// instance, split from the "owner/name" form of LAMINAR_INSTANCE.
		InstanceOwner string
		InstanceName  string

		// APIKey is the long-lived credential exchanged for bearer tokens.
		APIKey string

		// Environment is one of prod, staging, custom.
		Environment string

		// HubURL is the resolved hub base address for the environment.
		HubURL string

		// MaxRetries and RetryDelay bound the transient-failure retry policy.
		MaxRetries int
		RetryDelay time.Duration

		// TransformID and RunID are manual overrides. When set, the resolver
		// reuses the existing records instead of looking up or creating.
		TransformID string
		RunID       string

		// ProjectUIDs and ULabelUIDs are root-level metadata applied to every
		// created Run and tracked Artifact.
		ProjectUIDs []string
		ULabelUIDs  []string

		// TrackingEnabled is an env-level kill-switch for file tracking. When
		// false the rule tree is ignored and no artifacts are recorded.
		TrackingEnabled bool

		// TrackingConfigPath points at the YAML artifact-tracking rule tree.
		// Empty means track-everything defaults.
		TrackingConfigPath string

		// KafkaBrokers and KafkaTopic configure the optional run-event
		// mirror. Empty brokers disable it.
		KafkaBrokers []string
		KafkaTopic   string

		// RequestRPS and RequestBurst throttle outbound hub requests.
		RequestRPS   int
		RequestBurst int

		LogLevel slog.Level
	}
)

// SplitInstance splits an "owner/name" instance identifier.
//
// Rejected inputs:
//   - empty string
//   - leading or trailing whitespace
//   - anything without exactly one "/"
//   - empty owner or name segment.
func SplitInstance(instance string) (string, string, error) {
	if instance == "" {
		return "", "", ErrInstanceEmpty
	}

	if instance != strings.TrimSpace(instance) {
		return "", "", fmt.Errorf("%w: %q", ErrInstanceWhitespace, instance)
	}

	if strings.Count(instance, "/") != 1 {
		return "", "", fmt.Errorf("%w: %q", ErrInstanceFormat, instance)
	}

	owner, name, _ := strings.Cut(instance, "/")
	if owner == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInstanceEmptySegment, instance)
	}

	return owner, name, nil
}

// HubURLForEnvironment resolves the hub base address for an environment name.
// The override, when non-empty, wins for every environment; the custom
// environment requires it.
func HubURLForEnvironment(environment, override string) (string, error) {
	if override != "" {
		return strings.TrimRight(override, "/"), nil
	}

	switch environment {
	case EnvProd:
		return prodHubURL, nil
	case EnvStaging:
		return stagingHubURL, nil
	case EnvCustom:
		return "", ErrHubURLRequired
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, environment)
	}
}

// Load reads the client configuration from environment variables and
// validates it.
//
// Environment variables:
//   - LAMINAR_INSTANCE: "owner/name" instance identifier (required)
//   - LAMINAR_API_KEY: hub API key (required)
//   - LAMINAR_ENV: prod (default), staging, or custom
//   - LAMINAR_HUB_URL: hub base address override (required for custom)
//   - LAMINAR_MAX_RETRIES / LAMINAR_RETRY_DELAY: transient retry budget
//   - LAMINAR_TRANSFORM_ID / LAMINAR_RUN_ID: manual record overrides
//   - LAMINAR_PROJECTS / LAMINAR_ULABELS: comma-separated metadata UIDs
//   - LAMINAR_TRACKING_ENABLED: file-tracking kill-switch (default true)
//   - LAMINAR_TRACKING_CONFIG: path to the YAML tracking rule tree
//   - LAMINAR_KAFKA_BROKERS / LAMINAR_KAFKA_TOPIC: optional run-event mirror
//   - LAMINAR_REQUEST_RPS / LAMINAR_REQUEST_BURST: outbound throttle
//   - LAMINAR_LOG_LEVEL: debug, info (default), warn, error
func Load() (*Config, error) {
	owner, name, err := SplitInstance(GetEnvStr("LAMINAR_INSTANCE", ""))
	if err != nil {
		return nil, err
	}

	apiKey := GetEnvStr("LAMINAR_API_KEY", "")
	if apiKey == "" {
		return nil, ErrAPIKeyEmpty
	}

	environment := GetEnvStr("LAMINAR_ENV", EnvProd)

	hubURL, err := HubURLForEnvironment(environment, GetEnvStr("LAMINAR_HUB_URL", ""))
	if err != nil {
		return nil, err
	}

	return &Config{
		InstanceOwner:      owner,
		InstanceName:       name,
		APIKey:             apiKey,
		Environment:        environment,
		HubURL:             hubURL,
		MaxRetries:         GetEnvInt("LAMINAR_MAX_RETRIES", defaultMaxRetries),
		RetryDelay:         GetEnvDuration("LAMINAR_RETRY_DELAY", defaultRetryDelay),
		TransformID:        GetEnvStr("LAMINAR_TRANSFORM_ID", ""),
		RunID:              GetEnvStr("LAMINAR_RUN_ID", ""),
		ProjectUIDs:        ParseCommaSeparatedList(GetEnvStr("LAMINAR_PROJECTS", "")),
		ULabelUIDs:         ParseCommaSeparatedList(GetEnvStr("LAMINAR_ULABELS", "")),
		TrackingEnabled:    GetEnvBool("LAMINAR_TRACKING_ENABLED", true),
		TrackingConfigPath: GetEnvStr("LAMINAR_TRACKING_CONFIG", ""),
		KafkaBrokers:       ParseCommaSeparatedList(GetEnvStr("LAMINAR_KAFKA_BROKERS", "")),
		KafkaTopic:         GetEnvStr("LAMINAR_KAFKA_TOPIC", "lineage-run-events"),
		RequestRPS:         GetEnvInt("LAMINAR_REQUEST_RPS", defaultRequestRPS),
		RequestBurst:       GetEnvInt("LAMINAR_REQUEST_BURST", defaultRequestBurst),
		LogLevel:           GetEnvLogLevel("LAMINAR_LOG_LEVEL", slog.LevelInfo),
	}, nil
}
