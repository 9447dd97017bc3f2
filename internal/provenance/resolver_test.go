package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminar-io/laminar/internal/hub"
	"github.com/laminar-io/laminar/internal/tracking"
)

type (
	// fakeGateway records every call and serves canned results. Responses
	// go through a JSON round trip so numeric fields decode as float64,
	// exactly as they would from the wire.
	fakeGateway struct {
		mu sync.Mutex

		searchResults map[string][][]map[string]any
		records       map[string]map[string]any
		artifactErr   error

		searches         []hub.SearchParams
		gets             []hub.GetRecordParams
		creates          []hub.CreateRecordParams
		updates          []hub.UpdateRecordParams
		transformCreates []map[string]any
		artifactCreates  []map[string]any

		nextID int64
	}

	fakeSink struct {
		mu     sync.Mutex
		events []RunEvent
		err    error
	}
)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		searchResults: make(map[string][][]map[string]any),
		records:       make(map[string]map[string]any),
	}
}

func jsonRoundTrip(t *testing.T, in map[string]any) map[string]any {
	t.Helper()

	encoded, err := json.Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(encoded, &out))

	return out
}

func (f *fakeGateway) queueSearch(model string, results []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.searchResults[model] = append(f.searchResults[model], results)
}

func (f *fakeGateway) GetRecord(_ context.Context, params hub.GetRecordParams) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets = append(f.gets, params)

	record, ok := f.records[params.Model+"/"+params.IDOrUID]
	if !ok {
		return nil, &hub.RequestError{
			StatusCode: http.StatusNotFound,
			Endpoint:   params.Model,
			Detail:     "no such record",
		}
	}

	return record, nil
}

func (f *fakeGateway) SearchRecords(_ context.Context, params hub.SearchParams) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.searches = append(f.searches, params)

	queue := f.searchResults[params.Model]
	if len(queue) == 0 {
		return nil, nil
	}

	f.searchResults[params.Model] = queue[1:]

	return queue[0], nil
}

func (f *fakeGateway) CreateRecord(_ context.Context, params hub.CreateRecordParams) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates = append(f.creates, params)
	f.nextID++

	created := map[string]any{"id": f.nextID}
	for key, value := range params.Fields {
		created[key] = value
	}

	if _, ok := created["uid"]; !ok {
		created["uid"] = "generated-uid-000000"
	}

	encoded, err := json.Marshal(created)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (f *fakeGateway) UpdateRecord(_ context.Context, params hub.UpdateRecordParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, params)

	return nil
}

func (f *fakeGateway) CreateTransform(_ context.Context, fields map[string]any) (*hub.Transform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.transformCreates = append(f.transformCreates, fields)
	f.nextID++

	return &hub.Transform{
		ID:         f.nextID,
		UID:        "tr-created-uid",
		Key:        fields["key"].(string),
		Version:    fields["version"].(string),
		SourceCode: fields["source_code"].(string),
		Type:       fields["type"].(string),
	}, nil
}

func (f *fakeGateway) CreateArtifact(_ context.Context, fields map[string]any) (*hub.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.artifactErr != nil {
		err := f.artifactErr
		f.artifactErr = nil

		return nil, err
	}

	f.artifactCreates = append(f.artifactCreates, fields)
	f.nextID++

	key, _ := fields["key"].(string)

	return &hub.Artifact{ID: f.nextID, UID: "art-created-uid-0000", Key: key}, nil
}

func (s *fakeSink) Publish(_ context.Context, event RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.events = append(s.events, event)

	return nil
}

func testProvenance() Provenance {
	return Provenance{
		Repository: "https://example.com/org/repo",
		MainScript: "main.nf",
		Revision:   "v1.0",
		CommitID:   "abc123def456abc123de",
		Kind:       RevisionTag,
	}
}

func newTestResolver(t *testing.T, gateway *fakeGateway, opts Options) *Resolver {
	t.Helper()

	opts.Gateway = gateway

	resolver, err := NewResolver(opts)
	require.NoError(t, err)

	return resolver
}

func TestResolveTransform_CreatesWhenAbsent(t *testing.T) {
	gateway := newFakeGateway()
	resolver := newTestResolver(t, gateway, Options{})

	transform, err := resolver.ResolveTransform(context.Background(), testProvenance())

	require.NoError(t, err)
	require.Len(t, gateway.transformCreates, 1)

	fields := gateway.transformCreates[0]
	assert.Equal(t, "https://example.com/org/repo", fields["key"])
	assert.Equal(t, "v1.0", fields["version"])
	assert.Equal(t, "pipeline", fields["type"])
	assert.Contains(t, fields["source_code"], "commit: abc123def456abc123de")
	assert.Equal(t, "https://example.com/org/repo", transform.Key)

	// The handle is cached; a second resolve makes no further calls.
	searchesBefore := len(gateway.searches)
	again, err := resolver.ResolveTransform(context.Background(), testProvenance())
	require.NoError(t, err)
	assert.Same(t, transform, again)
	assert.Len(t, gateway.searches, searchesBefore)
}

func TestResolveTransform_ReusesExisting(t *testing.T) {
	gateway := newFakeGateway()
	gateway.queueSearch(transformModel, []map[string]any{
		jsonRoundTrip(t, map[string]any{"id": 41, "uid": "tr-existing-uid", "key": "https://example.com/org/repo", "version": "v1.0"}),
	})

	resolver := newTestResolver(t, gateway, Options{})

	transform, err := resolver.ResolveTransform(context.Background(), testProvenance())

	require.NoError(t, err)
	assert.Equal(t, int64(41), transform.ID)
	assert.Empty(t, gateway.transformCreates)

	filter := gateway.searches[0].Filter
	assert.Equal(t, "https://example.com/org/repo", filter["key"])
	assert.Equal(t, "v1.0", filter["version"])
}

func TestResolveTransform_DuplicatesPickFirstDeterministically(t *testing.T) {
	gateway := newFakeGateway()
	gateway.queueSearch(transformModel, []map[string]any{
		jsonRoundTrip(t, map[string]any{"id": 41, "uid": "tr-first-uid", "key": "k"}),
		jsonRoundTrip(t, map[string]any{"id": 42, "uid": "tr-second-uid", "key": "k"}),
	})

	resolver := newTestResolver(t, gateway, Options{})

	transform, err := resolver.ResolveTransform(context.Background(), testProvenance())

	require.NoError(t, err)
	assert.Equal(t, int64(41), transform.ID)
}

func TestResolveTransform_OverrideBypassesLookup(t *testing.T) {
	gateway := newFakeGateway()
	gateway.records["transform/77"] = jsonRoundTrip(t, map[string]any{"id": 77, "uid": "tr-override-uid", "key": "k"})

	resolver := newTestResolver(t, gateway, Options{TransformID: "77"})

	transform, err := resolver.ResolveTransform(context.Background(), testProvenance())

	require.NoError(t, err)
	assert.Equal(t, int64(77), transform.ID)
	assert.Empty(t, gateway.searches)
}

func TestResolveTransform_OverrideMissingFailsLoudly(t *testing.T) {
	gateway := newFakeGateway()
	resolver := newTestResolver(t, gateway, Options{TransformID: "999"})

	_, err := resolver.ResolveTransform(context.Background(), testProvenance())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransformOverride)
}

func TestCreateRun_RequiresResolvedTransform(t *testing.T) {
	resolver := newTestResolver(t, newFakeGateway(), Options{})

	_, err := resolver.CreateRun(context.Background(), RunParams{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTransform)
}

func TestCreateRun_ScheduledWithMergedMetadata(t *testing.T) {
	gateway := newFakeGateway()
	resolver := newTestResolver(t, gateway, Options{
		ProjectUIDs: []string{"proj-1", "proj-2"},
		ULabelUIDs:  []string{"nextflow"},
	})

	_, err := resolver.ResolveTransform(context.Background(), testProvenance())
	require.NoError(t, err)

	run, err := resolver.CreateRun(context.Background(), RunParams{
		Name:          "nightly",
		Reference:     "nf-7Xa2",
		ReferenceType: "engine_id",
		ProjectUIDs:   []string{"proj-2", "proj-3"},
	})

	require.NoError(t, err)
	assert.Equal(t, "nightly", run.Name)
	assert.Equal(t, -3, run.StatusCode)
	assert.Len(t, run.UID, 20)

	require.Len(t, gateway.creates, 1)
	fields := gateway.creates[0].Fields
	assert.Equal(t, runModel, gateway.creates[0].Model)
	assert.Equal(t, -3, fields["_status_code"])
	assert.Equal(t, []string{"proj-1", "proj-2", "proj-3"}, fields["projects"])
	assert.Equal(t, []string{"nextflow"}, fields["ulabels"])
	assert.Equal(t, "nf-7Xa2", fields["reference"])
	assert.Equal(t, "engine_id", fields["reference_type"])
}

func TestCreateRun_OverrideReusesExistingRun(t *testing.T) {
	gateway := newFakeGateway()
	gateway.records["run/existing-run-uid-0001"] = jsonRoundTrip(t, map[string]any{
		"id": 55, "uid": "existing-run-uid-0001", "_status_code": -1,
	})

	resolver := newTestResolver(t, gateway, Options{RunID: "existing-run-uid-0001"})

	_, err := resolver.ResolveTransform(context.Background(), testProvenance())
	require.NoError(t, err)

	run, err := resolver.CreateRun(context.Background(), RunParams{})

	require.NoError(t, err)
	assert.Equal(t, int64(55), run.ID)
	assert.Empty(t, gateway.creates)

	// The reused run is already STARTED; only status and timestamps may
	// change from here.
	require.NoError(t, resolver.TransitionRun(context.Background(), StatusCompleted))
}

func TestTransitionRun_StampsTimestamps(t *testing.T) {
	gateway := newFakeGateway()
	resolver := newTestResolver(t, gateway, Options{})

	_, err := resolver.ResolveTransform(context.Background(), testProvenance())
	require.NoError(t, err)
	_, err = resolver.CreateRun(context.Background(), RunParams{})
	require.NoError(t, err)

	require.NoError(t, resolver.TransitionRun(context.Background(), StatusStarted))
	require.NoError(t, resolver.TransitionRun(context.Background(), StatusCompleted))

	require.Len(t, gateway.updates, 2)

	started := gateway.updates[0].Fields
	assert.Equal(t, -1, started["_status_code"])
	assert.Contains(t, started, "started_at")
	assert.NotContains(t, started, "finished_at")

	finished := gateway.updates[1].Fields
	assert.Equal(t, 0, finished["_status_code"])
	assert.Contains(t, finished, "finished_at")
	assert.NotContains(t, finished, "started_at")

	run := resolver.Run()
	assert.NotEmpty(t, run.StartedAt)
	assert.NotEmpty(t, run.FinishedAt)
}

func TestTransitionRun_InvalidTransitionRejected(t *testing.T) {
	gateway := newFakeGateway()
	resolver := newTestResolver(t, gateway, Options{})

	_, err := resolver.ResolveTransform(context.Background(), testProvenance())
	require.NoError(t, err)
	_, err = resolver.CreateRun(context.Background(), RunParams{})
	require.NoError(t, err)

	require.NoError(t, resolver.TransitionRun(context.Background(), StatusCompleted))

	err = resolver.TransitionRun(context.Background(), StatusStarted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminalStatus)
	// The invalid transition never reached the remote store.
	assert.Len(t, gateway.updates, 1)
}

func TestTransitionRun_WithoutRun(t *testing.T) {
	resolver := newTestResolver(t, newFakeGateway(), Options{})

	err := resolver.TransitionRun(context.Background(), StatusStarted)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRun)
}

func startedResolver(t *testing.T, gateway *fakeGateway, opts Options) *Resolver {
	t.Helper()

	resolver := newTestResolver(t, gateway, opts)

	_, err := resolver.ResolveTransform(context.Background(), testProvenance())
	require.NoError(t, err)
	_, err = resolver.CreateRun(context.Background(), RunParams{})
	require.NoError(t, err)

	return resolver
}

func TestTrackFile_CreatesArtifactExactlyOnce(t *testing.T) {
	gateway := newFakeGateway()
	resolver := startedResolver(t, gateway, Options{})

	first, err := resolver.TrackFile(context.Background(), "s3://bucket/results/matrix.h5ad", tracking.DirectionOutput)
	require.NoError(t, err)
	require.NotNil(t, first)

	// A re-submitted task reports the same resolved path again.
	second, err := resolver.TrackFile(context.Background(), "s3://bucket/results/matrix.h5ad", tracking.DirectionOutput)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.Len(t, gateway.artifactCreates, 1)

	fields := gateway.artifactCreates[0]
	assert.Equal(t, "results/matrix.h5ad", fields["key"])
	assert.Equal(t, ".h5ad", fields["suffix"])
}

func TestTrackFile_UntrackedPathCreatesNothing(t *testing.T) {
	engine, err := tracking.NewEngine(&tracking.Config{
		Settings: tracking.Settings{ExcludePattern: `\.tmp$`},
	})
	require.NoError(t, err)

	gateway := newFakeGateway()
	resolver := startedResolver(t, gateway, Options{Engine: engine})

	artifact, err := resolver.TrackFile(context.Background(), "s3://bucket/scratch.tmp", tracking.DirectionOutput)

	require.NoError(t, err)
	assert.Nil(t, artifact)
	assert.Empty(t, gateway.artifactCreates)
}

func TestTrackFile_AttachesRuleMetadata(t *testing.T) {
	engine, err := tracking.NewEngine(&tracking.Config{
		Settings: tracking.Settings{ULabelUIDs: tracking.StringList{"base"}},
		Rules: []tracking.Rule{
			{Name: "matrices", Pattern: `\.h5ad$`, Kind: "dataset", ULabelUIDs: tracking.StringList{"matrix"}},
		},
	})
	require.NoError(t, err)

	gateway := newFakeGateway()
	resolver := startedResolver(t, gateway, Options{Engine: engine})

	_, err = resolver.TrackFile(context.Background(), "s3://bucket/out/matrix.h5ad", tracking.DirectionOutput)
	require.NoError(t, err)

	require.Len(t, gateway.artifactCreates, 1)
	fields := gateway.artifactCreates[0]
	assert.Equal(t, "dataset", fields["kind"])
	assert.ElementsMatch(t, []string{"base", "matrix"}, fields["ulabels"])
}

func TestTrackFile_ReusesStorageForSameRoot(t *testing.T) {
	gateway := newFakeGateway()
	resolver := startedResolver(t, gateway, Options{})

	_, err := resolver.TrackFile(context.Background(), "s3://bucket/results/a.csv", tracking.DirectionOutput)
	require.NoError(t, err)
	_, err = resolver.TrackFile(context.Background(), "s3://bucket/results/b.csv", tracking.DirectionOutput)
	require.NoError(t, err)

	storageSearches := 0

	for _, search := range gateway.searches {
		if search.Model == storageModel {
			storageSearches++
			assert.Equal(t, "s3://bucket", search.Filter["root"])
			assert.Equal(t, "s3", search.Filter["type"])
		}
	}

	assert.Equal(t, 1, storageSearches)
	assert.Len(t, gateway.artifactCreates, 2)
}

func TestTrackFile_ReusesExistingStorageRecord(t *testing.T) {
	gateway := newFakeGateway()
	gateway.queueSearch(storageModel, []map[string]any{
		jsonRoundTrip(t, map[string]any{"id": 8, "uid": "st-existing-uid", "root": "s3://bucket", "type": "s3"}),
	})

	resolver := startedResolver(t, gateway, Options{})

	_, err := resolver.TrackFile(context.Background(), "s3://bucket/results/a.csv", tracking.DirectionOutput)
	require.NoError(t, err)

	for _, create := range gateway.creates {
		assert.NotEqual(t, storageModel, create.Model, "existing storage must be reused")
	}

	require.Len(t, gateway.artifactCreates, 1)
	assert.Equal(t, int64(8), gateway.artifactCreates[0]["storage_id"])
}

func TestTrackFile_FailureAllowsRetry(t *testing.T) {
	gateway := newFakeGateway()
	resolver := startedResolver(t, gateway, Options{})

	gateway.artifactErr = errors.New("store unavailable")

	_, err := resolver.TrackFile(context.Background(), "s3://bucket/results/a.csv", tracking.DirectionOutput)
	require.Error(t, err)

	// The failed path was not recorded as seen; the retry succeeds.
	artifact, err := resolver.TrackFile(context.Background(), "s3://bucket/results/a.csv", tracking.DirectionOutput)
	require.NoError(t, err)
	assert.NotNil(t, artifact)
}

func TestTrackFile_WithoutRun(t *testing.T) {
	resolver := newTestResolver(t, newFakeGateway(), Options{})

	_, err := resolver.TrackFile(context.Background(), "s3://bucket/a.csv", tracking.DirectionOutput)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestSink_ReceivesLifecycleEvents(t *testing.T) {
	gateway := newFakeGateway()
	collected := &fakeSink{}
	resolver := newTestResolver(t, gateway, Options{Sink: collected})

	_, err := resolver.ResolveTransform(context.Background(), testProvenance())
	require.NoError(t, err)
	_, err = resolver.CreateRun(context.Background(), RunParams{})
	require.NoError(t, err)
	require.NoError(t, resolver.TransitionRun(context.Background(), StatusStarted))
	require.NoError(t, resolver.TransitionRun(context.Background(), StatusCompleted))

	require.Len(t, collected.events, 3)
	assert.Equal(t, StatusScheduled, collected.events[0].Status)
	assert.Equal(t, StatusStarted, collected.events[1].Status)
	assert.Equal(t, StatusCompleted, collected.events[2].Status)
	assert.Equal(t, "https://example.com/org/repo", collected.events[2].TransformKey)
}

func TestSink_FailureDoesNotBlockTransitions(t *testing.T) {
	gateway := newFakeGateway()
	broken := &fakeSink{err: errors.New("broker down")}
	resolver := newTestResolver(t, gateway, Options{Sink: broken})

	_, err := resolver.ResolveTransform(context.Background(), testProvenance())
	require.NoError(t, err)
	_, err = resolver.CreateRun(context.Background(), RunParams{})
	require.NoError(t, err)

	require.NoError(t, resolver.TransitionRun(context.Background(), StatusStarted))
}

func TestTrackFile_ConcurrentSamePathTrackedOnce(t *testing.T) {
	gateway := newFakeGateway()
	resolver := startedResolver(t, gateway, Options{})

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := resolver.TrackFile(context.Background(), "s3://bucket/results/shared.csv", tracking.DirectionOutput)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Len(t, gateway.artifactCreates, 1)
}
