package hub

import (
	"fmt"
	"net/url"
	"strings"
)

type (
	// InstanceSettings identifies a remote database instance. Fetched once
	// per configured instance and cached for the process lifetime.
	InstanceSettings struct {
		ID       string
		Owner    string
		Name     string
		SchemaID string
		APIURL   string
	}

	// Transform identifies what pipeline produced a run: a repository plus
	// entry script at a specific revision.
	Transform struct {
		ID          int64
		UID         string
		Key         string
		Version     string
		SourceCode  string
		Type        string
		Reference   string
		Description string
	}

	// Run is one execution instance of a Transform. Only status and
	// timestamps are mutated after creation.
	Run struct {
		ID          int64
		UID         string
		TransformID int64
		Name        string
		StatusCode  int
		CreatedAt   string
		StartedAt   string
		FinishedAt  string
	}

	// Storage is a deduplicated record of a storage root, keyed remotely by
	// (root, type).
	Storage struct {
		ID   int64
		UID  string
		Root string
		Type string
	}

	// Artifact is a tracked file, linked to exactly one Run and one Storage.
	Artifact struct {
		ID        int64
		UID       string
		Key       string
		Suffix    string
		Size      int64
		StorageID int64
		RunID     int64
		CreatedAt string
		UpdatedAt string
	}

	// Account is the caller identity reported by the API.
	Account struct {
		ID     string
		Handle string
		Name   string
	}
)

// stringField extracts a required non-empty string field from a decoded
// JSON object.
func stringField(m map[string]any, endpoint, key string) (string, error) {
	value, ok := m[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", &ProtocolError{Endpoint: endpoint, Reason: fmt.Sprintf("missing or empty field %q", key)}
	}

	return value, nil
}

// optionalString extracts a string field, returning "" when absent or null.
func optionalString(m map[string]any, key string) string {
	value, _ := m[key].(string)

	return value
}

// intField extracts a required numeric field. JSON numbers decode as float64.
func intField(m map[string]any, endpoint, key string) (int64, error) {
	switch value := m[key].(type) {
	case float64:
		return int64(value), nil
	case int64:
		return value, nil
	default:
		return 0, &ProtocolError{Endpoint: endpoint, Reason: fmt.Sprintf("missing or non-numeric field %q", key)}
	}
}

// optionalInt extracts a numeric field, returning 0 when absent or null.
func optionalInt(m map[string]any, key string) int64 {
	switch value := m[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	default:
		return 0
	}
}

// InstanceSettingsFromMap builds validated InstanceSettings from a decoded
// response. Every field is required; api_url must be a well-formed absolute
// address. Violations are configuration errors because they indicate a
// misconfigured or unsupported instance, not a transport fault.
func InstanceSettingsFromMap(m map[string]any) (*InstanceSettings, error) {
	const endpoint = "get-instance-settings-v1"

	settings := &InstanceSettings{}

	for _, field := range []struct {
		key  string
		dest *string
	}{
		{"id", &settings.ID},
		{"owner", &settings.Owner},
		{"name", &settings.Name},
		{"schema_id", &settings.SchemaID},
		{"api_url", &settings.APIURL},
	} {
		value, err := stringField(m, endpoint, field.key)
		if err != nil {
			return nil, fmt.Errorf("%w: instance settings %v", ErrConfiguration, err)
		}

		*field.dest = value
	}

	parsed, err := url.Parse(settings.APIURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: instance api_url %q is not a well-formed address", ErrConfiguration, settings.APIURL)
	}

	settings.APIURL = strings.TrimRight(settings.APIURL, "/")

	return settings, nil
}

// TransformFromMap builds a validated Transform from a decoded record.
func TransformFromMap(m map[string]any) (*Transform, error) {
	const endpoint = "transform"

	id, err := intField(m, endpoint, "id")
	if err != nil {
		return nil, err
	}

	key, err := stringField(m, endpoint, "key")
	if err != nil {
		return nil, err
	}

	return &Transform{
		ID:          id,
		UID:         optionalString(m, "uid"),
		Key:         key,
		Version:     optionalString(m, "version"),
		SourceCode:  optionalString(m, "source_code"),
		Type:        optionalString(m, "type"),
		Reference:   optionalString(m, "reference"),
		Description: optionalString(m, "description"),
	}, nil
}

// RunFromMap builds a validated Run from a decoded record.
func RunFromMap(m map[string]any) (*Run, error) {
	const endpoint = "run"

	id, err := intField(m, endpoint, "id")
	if err != nil {
		return nil, err
	}

	uid, err := stringField(m, endpoint, "uid")
	if err != nil {
		return nil, err
	}

	return &Run{
		ID:          id,
		UID:         uid,
		TransformID: optionalInt(m, "transform_id"),
		Name:        optionalString(m, "name"),
		StatusCode:  int(optionalInt(m, "_status_code")),
		CreatedAt:   optionalString(m, "created_at"),
		StartedAt:   optionalString(m, "started_at"),
		FinishedAt:  optionalString(m, "finished_at"),
	}, nil
}

// StorageFromMap builds a validated Storage from a decoded record.
func StorageFromMap(m map[string]any) (*Storage, error) {
	const endpoint = "storage"

	id, err := intField(m, endpoint, "id")
	if err != nil {
		return nil, err
	}

	root, err := stringField(m, endpoint, "root")
	if err != nil {
		return nil, err
	}

	return &Storage{
		ID:   id,
		UID:  optionalString(m, "uid"),
		Root: root,
		Type: optionalString(m, "type"),
	}, nil
}

// ArtifactFromMap builds a validated Artifact from a decoded record.
func ArtifactFromMap(m map[string]any) (*Artifact, error) {
	const endpoint = "artifact"

	id, err := intField(m, endpoint, "id")
	if err != nil {
		return nil, err
	}

	key, err := stringField(m, endpoint, "key")
	if err != nil {
		return nil, err
	}

	return &Artifact{
		ID:        id,
		UID:       optionalString(m, "uid"),
		Key:       key,
		Suffix:    optionalString(m, "suffix"),
		Size:      optionalInt(m, "size"),
		StorageID: optionalInt(m, "storage_id"),
		RunID:     optionalInt(m, "run_id"),
		CreatedAt: optionalString(m, "created_at"),
		UpdatedAt: optionalString(m, "updated_at"),
	}, nil
}

// AccountFromMap builds a validated Account from a decoded response.
func AccountFromMap(m map[string]any) (*Account, error) {
	const endpoint = "account"

	id, err := stringField(m, endpoint, "id")
	if err != nil {
		return nil, err
	}

	handle, err := stringField(m, endpoint, "handle")
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:     id,
		Handle: handle,
		Name:   optionalString(m, "name"),
	}, nil
}
