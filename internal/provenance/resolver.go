package provenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/laminar-io/laminar/internal/hub"
	"github.com/laminar-io/laminar/internal/tracking"
)

const (
	coreModule     = "core"
	transformModel = "transform"
	runModel       = "run"
	storageModel   = "storage"
	artifactModel  = "artifact"

	runUIDLength = 20
)

// Resolver errors (static sentinel errors for errors.Is() checks).
var (
	// ErrNoTransform indicates a run operation before ResolveTransform.
	ErrNoTransform = errors.New("no transform resolved yet")

	// ErrNoRun indicates a run mutation or file event before CreateRun.
	ErrNoRun = errors.New("no run created yet")

	// ErrTransformOverride indicates a manual transform override that does
	// not exist remotely.
	ErrTransformOverride = errors.New("transform override not found")

	// ErrRunOverride indicates a manual run override that does not exist
	// remotely.
	ErrRunOverride = errors.New("run override not found")
)

type (
	// Gateway is the subset of the hub client the resolver consumes.
	Gateway interface {
		GetRecord(ctx context.Context, params hub.GetRecordParams) (map[string]any, error)
		SearchRecords(ctx context.Context, params hub.SearchParams) ([]map[string]any, error)
		CreateRecord(ctx context.Context, params hub.CreateRecordParams) (map[string]any, error)
		UpdateRecord(ctx context.Context, params hub.UpdateRecordParams) error
		CreateTransform(ctx context.Context, fields map[string]any) (*hub.Transform, error)
		CreateArtifact(ctx context.Context, fields map[string]any) (*hub.Artifact, error)
	}

	// RunEvent mirrors one run lifecycle change to an optional secondary
	// sink.
	RunEvent struct {
		RunUID       string    `json:"runUid"`
		RunName      string    `json:"runName"`
		TransformKey string    `json:"transformKey"`
		Status       Status    `json:"status"`
		StatusCode   int       `json:"statusCode"`
		OccurredAt   time.Time `json:"occurredAt"`
	}

	// EventSink receives run lifecycle events. Publishing is best-effort:
	// failures are logged by the resolver and never propagate into the
	// provenance path.
	EventSink interface {
		Publish(ctx context.Context, event RunEvent) error
	}

	// Options carries the dependencies and per-execution configuration for
	// NewResolver. There is no process-wide state: everything the resolver
	// needs arrives here.
	Options struct {
		Gateway Gateway
		Engine  *tracking.Engine
		Sink    EventSink
		Logger  *slog.Logger

		// ProjectUIDs and ULabelUIDs are root-level metadata merged into
		// every created run.
		ProjectUIDs []string
		ULabelUIDs  []string

		// TransformID and RunID are manual overrides bypassing
		// lookup-or-create.
		TransformID string
		RunID       string
	}

	// RunParams shapes run creation. All fields are optional.
	RunParams struct {
		// Name is the run display name; a generated name is used when empty.
		Name string

		// Reference and ReferenceType record the host engine's own run
		// identifier on the Run.
		Reference     string
		ReferenceType string

		// ProjectUIDs and ULabelUIDs are run-scoped metadata, merged and
		// deduplicated with the root-level configuration.
		ProjectUIDs []string
		ULabelUIDs  []string
	}

	// Resolver records provenance for one workflow execution. The host may
	// deliver process and file events from many worker threads at once; all
	// shared state (cached transform and run handles, the per-run seen set,
	// the storage cache) sits behind one mutex, and remote calls are kept
	// outside the critical section so workflow progress is not serialized
	// behind a single in-flight request.
	Resolver struct {
		gateway Gateway
		engine  *tracking.Engine
		sink    EventSink
		logger  *slog.Logger

		projectUIDs       []string
		ulabelUIDs        []string
		transformOverride string
		runOverride       string

		mu        sync.Mutex
		transform *hub.Transform
		run       *hub.Run
		status    Status
		seen      map[string]struct{}
		storages  map[string]*hub.Storage
	}
)

// NewResolver creates a resolver for one execution.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Gateway == nil {
		return nil, errors.New("provenance: gateway is required")
	}

	engine := opts.Engine
	if engine == nil {
		var err error

		engine, err = tracking.NewEngine(nil)
		if err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		gateway:           opts.Gateway,
		engine:            engine,
		sink:              opts.Sink,
		logger:            logger,
		projectUIDs:       opts.ProjectUIDs,
		ulabelUIDs:        opts.ULabelUIDs,
		transformOverride: opts.TransformID,
		runOverride:       opts.RunID,
		seen:              make(map[string]struct{}),
		storages:          make(map[string]*hub.Storage),
	}, nil
}

// Transform returns the cached transform handle, or nil before
// ResolveTransform.
func (r *Resolver) Transform() *hub.Transform {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.transform
}

// Run returns the cached run handle, or nil before CreateRun.
func (r *Resolver) Run() *hub.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.run
}

// ResolveTransform finds or creates the Transform for the running pipeline,
// keyed by the provenance's (key, version). An existing record is always
// reused; if remote duplicates exist the first result by remote ordering is
// picked with a warning. A manual override identifier bypasses the lookup
// entirely and fails loudly when the record does not exist.
func (r *Resolver) ResolveTransform(ctx context.Context, prov Provenance) (*hub.Transform, error) {
	r.mu.Lock()
	if r.transform != nil {
		cached := r.transform
		r.mu.Unlock()

		return cached, nil
	}
	r.mu.Unlock()

	transform, err := r.lookupOrCreateTransform(ctx, prov)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.transform = transform
	r.mu.Unlock()

	return transform, nil
}

func (r *Resolver) lookupOrCreateTransform(ctx context.Context, prov Provenance) (*hub.Transform, error) {
	if r.transformOverride != "" {
		record, err := r.gateway.GetRecord(ctx, hub.GetRecordParams{
			Module:  coreModule,
			Model:   transformModel,
			IDOrUID: r.transformOverride,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTransformOverride, r.transformOverride, err)
		}

		return hub.TransformFromMap(record)
	}

	key := prov.TransformKey()
	version := prov.TransformVersion()

	matches, err := r.gateway.SearchRecords(ctx, hub.SearchParams{
		Module: coreModule,
		Model:  transformModel,
		Filter: map[string]any{"key": key, "version": version},
	})
	if err != nil {
		return nil, fmt.Errorf("looking up transform %s %s: %w", key, version, err)
	}

	if len(matches) > 0 {
		if len(matches) > 1 {
			r.logger.Warn("Multiple transforms match, picking the first",
				slog.String("key", key),
				slog.String("version", version),
				slog.Int("matches", len(matches)),
			)
		}

		return hub.TransformFromMap(matches[0])
	}

	created, err := r.gateway.CreateTransform(ctx, map[string]any{
		"key":         key,
		"version":     version,
		"source_code": prov.SourceCode(),
		"type":        "pipeline",
		"reference":   prov.Repository,
		"description": "pipeline run of " + key,
	})
	if err != nil {
		return nil, fmt.Errorf("creating transform %s %s: %w", key, version, err)
	}

	r.logger.Info("Created transform",
		slog.String("key", created.Key),
		slog.String("version", created.Version),
		slog.String("uid", created.UID),
	)

	return created, nil
}

// CreateRun creates the Run record for this execution in SCHEDULED state,
// linked to the resolved transform, with root-level and run-scoped metadata
// merged and deduplicated. A manual run override reuses the existing record
// instead; only its status and timestamps are mutated afterwards.
func (r *Resolver) CreateRun(ctx context.Context, params RunParams) (*hub.Run, error) {
	r.mu.Lock()
	if r.run != nil {
		cached := r.run
		r.mu.Unlock()

		return cached, nil
	}

	transform := r.transform
	r.mu.Unlock()

	if transform == nil {
		return nil, ErrNoTransform
	}

	run, status, err := r.fetchOrCreateRun(ctx, transform, params)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.run = run
	r.status = status
	r.mu.Unlock()

	r.publish(ctx, run, status)

	return run, nil
}

func (r *Resolver) fetchOrCreateRun(
	ctx context.Context, transform *hub.Transform, params RunParams,
) (*hub.Run, Status, error) {
	if r.runOverride != "" {
		record, err := r.gateway.GetRecord(ctx, hub.GetRecordParams{
			Module:  coreModule,
			Model:   runModel,
			IDOrUID: r.runOverride,
		})
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s: %w", ErrRunOverride, r.runOverride, err)
		}

		run, err := hub.RunFromMap(record)
		if err != nil {
			return nil, "", err
		}

		return run, statusFromCode(run.StatusCode), nil
	}

	uid := newRunUID()

	name := params.Name
	if name == "" {
		name = "run-" + uid[:8]
	}

	scheduledCode, err := StatusScheduled.Code()
	if err != nil {
		return nil, "", err
	}

	fields := map[string]any{
		"uid":          uid,
		"name":         name,
		"transform_id": transform.ID,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
		"_status_code": scheduledCode,
	}

	if projects := unionUIDs(r.projectUIDs, params.ProjectUIDs); len(projects) > 0 {
		fields["projects"] = projects
	}

	if ulabels := unionUIDs(r.ulabelUIDs, params.ULabelUIDs); len(ulabels) > 0 {
		fields["ulabels"] = ulabels
	}

	if params.Reference != "" {
		fields["reference"] = params.Reference
		fields["reference_type"] = params.ReferenceType
	}

	record, err := r.gateway.CreateRecord(ctx, hub.CreateRecordParams{
		Module: coreModule,
		Model:  runModel,
		Fields: fields,
	})
	if err != nil {
		return nil, "", fmt.Errorf("creating run for transform %s: %w", transform.Key, err)
	}

	run, err := hub.RunFromMap(record)
	if err != nil {
		return nil, "", err
	}

	r.logger.Info("Created run",
		slog.String("uid", run.UID),
		slog.String("name", run.Name),
		slog.String("transform", transform.Key),
	)

	return run, StatusScheduled, nil
}

// TransitionRun moves the run to a new status, stamping started_at on the
// transition to STARTED and finished_at on the transition to a terminal
// status. This is the only permitted mutation path for a Run after creation.
func (r *Resolver) TransitionRun(ctx context.Context, to Status) error {
	r.mu.Lock()
	run := r.run
	from := r.status
	r.mu.Unlock()

	if run == nil {
		return ErrNoRun
	}

	if err := ValidateTransition(from, to); err != nil {
		return err
	}

	code, err := to.Code()
	if err != nil {
		return err
	}

	fields := map[string]any{"_status_code": code}

	now := time.Now().UTC().Format(time.RFC3339)
	if field := to.timestampField(); field != "" {
		fields[field] = now
	}

	err = r.gateway.UpdateRecord(ctx, hub.UpdateRecordParams{
		Module: coreModule,
		Model:  runModel,
		UID:    run.UID,
		Fields: fields,
	})
	if err != nil {
		return fmt.Errorf("transitioning run %s to %s: %w", run.UID, to, err)
	}

	r.mu.Lock()
	r.status = to
	r.run.StatusCode = code

	switch to {
	case StatusStarted:
		r.run.StartedAt = now
	case StatusCompleted, StatusErrored, StatusAborted:
		r.run.FinishedAt = now
	}

	updated := r.run
	r.mu.Unlock()

	r.logger.Info("Run status updated",
		slog.String("uid", updated.UID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	r.publish(ctx, updated, to)

	return nil
}

// TrackFile consults the rule engine for a file event and, when the path is
// tracked, resolves or creates the backing Storage and creates the Artifact
// linked to the run. A path already recorded for this run is silently
// skipped; the returned artifact is nil when nothing was tracked.
func (r *Resolver) TrackFile(ctx context.Context, filePath string, dir tracking.Direction) (*hub.Artifact, error) {
	r.mu.Lock()
	run := r.run
	if run == nil {
		r.mu.Unlock()

		return nil, ErrNoRun
	}

	if _, tracked := r.seen[filePath]; tracked {
		r.mu.Unlock()

		return nil, nil
	}

	// Reserve the path so a concurrent event for the same file cannot
	// create a second artifact while this one is in flight.
	r.seen[filePath] = struct{}{}
	r.mu.Unlock()

	artifact, err := r.trackReserved(ctx, run, filePath, dir)
	if err != nil {
		r.mu.Lock()
		delete(r.seen, filePath)
		r.mu.Unlock()

		return nil, err
	}

	return artifact, nil
}

func (r *Resolver) trackReserved(
	ctx context.Context, run *hub.Run, filePath string, dir tracking.Direction,
) (*hub.Artifact, error) {
	decision := r.engine.Evaluate(filePath, dir)
	if !decision.Track {
		r.logger.Debug("Path not tracked",
			slog.String("path", filePath),
			slog.String("direction", string(dir)),
		)

		return nil, nil
	}

	root, storageType, key := splitStoragePath(filePath)

	storage, err := r.resolveStorage(ctx, root, storageType)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"run_id":     run.ID,
		"storage_id": storage.ID,
		"key":        key,
		"suffix":     path.Ext(key),
		"size":       fileSize(filePath),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}

	if decision.Kind != "" {
		fields["kind"] = decision.Kind
	}

	if len(decision.ULabelUIDs) > 0 {
		fields["ulabels"] = decision.ULabelUIDs
	}

	if len(decision.ProjectUIDs) > 0 {
		fields["projects"] = decision.ProjectUIDs
	}

	artifact, err := r.gateway.CreateArtifact(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("creating artifact for %s: %w", filePath, err)
	}

	r.logger.Info("Tracked artifact",
		slog.String("path", filePath),
		slog.String("direction", string(dir)),
		slog.String("uid", artifact.UID),
	)

	return artifact, nil
}

// resolveStorage finds or creates the Storage record for (root, type),
// consulting the in-process cache first. Remote duplicates are tolerated
// with a warning and a deterministic first pick.
func (r *Resolver) resolveStorage(ctx context.Context, root, storageType string) (*hub.Storage, error) {
	cacheKey := root + "|" + storageType

	r.mu.Lock()
	if cached, ok := r.storages[cacheKey]; ok {
		r.mu.Unlock()

		return cached, nil
	}
	r.mu.Unlock()

	matches, err := r.gateway.SearchRecords(ctx, hub.SearchParams{
		Module: coreModule,
		Model:  storageModel,
		Filter: map[string]any{"root": root, "type": storageType},
	})
	if err != nil {
		return nil, fmt.Errorf("looking up storage %s: %w", root, err)
	}

	var storage *hub.Storage

	if len(matches) > 0 {
		if len(matches) > 1 {
			r.logger.Warn("Multiple storages match, picking the first",
				slog.String("root", root),
				slog.String("type", storageType),
				slog.Int("matches", len(matches)),
			)
		}

		storage, err = hub.StorageFromMap(matches[0])
		if err != nil {
			return nil, err
		}
	} else {
		record, err := r.gateway.CreateRecord(ctx, hub.CreateRecordParams{
			Module: coreModule,
			Model:  storageModel,
			Fields: map[string]any{
				"root":       root,
				"type":       storageType,
				"created_at": time.Now().UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("creating storage %s: %w", root, err)
		}

		storage, err = hub.StorageFromMap(record)
		if err != nil {
			return nil, err
		}

		r.logger.Info("Created storage",
			slog.String("root", root),
			slog.String("type", storageType),
		)
	}

	r.mu.Lock()
	r.storages[cacheKey] = storage
	r.mu.Unlock()

	return storage, nil
}

// publish mirrors a run lifecycle change to the optional sink. Best-effort:
// a sink failure is logged and never surfaces to the host.
func (r *Resolver) publish(ctx context.Context, run *hub.Run, status Status) {
	if r.sink == nil {
		return
	}

	code, err := status.Code()
	if err != nil {
		return
	}

	var transformKey string
	if transform := r.Transform(); transform != nil {
		transformKey = transform.Key
	}

	event := RunEvent{
		RunUID:       run.UID,
		RunName:      run.Name,
		TransformKey: transformKey,
		Status:       status,
		StatusCode:   code,
		OccurredAt:   time.Now().UTC(),
	}

	if err := r.sink.Publish(ctx, event); err != nil {
		r.logger.Warn("Run event mirror failed",
			slog.String("run_uid", run.UID),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
	}
}

// newRunUID generates a 20-character run identifier.
func newRunUID() string {
	compact := strings.ReplaceAll(uuid.NewString(), "-", "")

	return compact[:runUIDLength]
}

// unionUIDs merges UID lists into a deduplicated union, preserving first
// contribution order.
func unionUIDs(lists ...[]string) []string {
	seen := make(map[string]struct{})

	var result []string

	for _, list := range lists {
		for _, uid := range list {
			if _, ok := seen[uid]; ok {
				continue
			}

			seen[uid] = struct{}{}
			result = append(result, uid)
		}
	}

	return result
}

// splitStoragePath splits a path into its storage root, storage type, and
// the key under the root. Remote URIs root at scheme://authority with the
// scheme as storage type; local paths fall back to the filesystem root with
// type "local".
func splitStoragePath(filePath string) (root, storageType, key string) {
	schemeIdx := strings.Index(filePath, "://")
	if schemeIdx < 0 {
		return "/", "local", strings.TrimPrefix(filePath, "/")
	}

	scheme := filePath[:schemeIdx]
	rest := filePath[schemeIdx+len("://"):]

	slash := strings.Index(rest, "/")
	if slash < 0 {
		return scheme + "://" + rest, scheme, ""
	}

	return scheme + "://" + rest[:slash], scheme, rest[slash+1:]
}

// fileSize returns the local file size, or zero for remote or unreadable
// paths. Size is advisory metadata; a stat failure never blocks tracking.
func fileSize(filePath string) int64 {
	if strings.Contains(filePath, "://") {
		return 0
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return 0
	}

	return info.Size()
}
