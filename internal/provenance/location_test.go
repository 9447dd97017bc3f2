package provenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminar-io/laminar/internal/hub"
)

func locationGateway(t *testing.T) *fakeGateway {
	t.Helper()

	gateway := newFakeGateway()
	gateway.records["storage/4"] = jsonRoundTrip(t, map[string]any{
		"id": 4, "uid": "st-results-uid", "root": "s3://bucket/", "type": "s3",
	})

	return gateway
}

func TestResolveArtifactLocation_InvalidLengthFailsBeforeAnyCall(t *testing.T) {
	gateway := newFakeGateway()
	resolver := newTestResolver(t, gateway, Options{})

	for _, uid := range []string{"", "short", "abcd1234efgh56789", "abcd1234efgh5678abcd1234"} {
		_, err := resolver.ResolveArtifactLocation(context.Background(), uid)

		require.Error(t, err)
		assert.ErrorIs(t, err, hub.ErrConfiguration)
	}

	assert.Empty(t, gateway.searches)
	assert.Empty(t, gateway.gets)
}

func TestResolveArtifactLocation_ExactVersion(t *testing.T) {
	gateway := locationGateway(t)
	gateway.queueSearch(artifactModel, []map[string]any{
		jsonRoundTrip(t, map[string]any{"id": 9, "uid": "abcd1234efgh56780001", "key": "results/matrix.h5ad", "storage_id": 4}),
	})

	resolver := newTestResolver(t, gateway, Options{})

	location, err := resolver.ResolveArtifactLocation(context.Background(), "abcd1234efgh56780001")

	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/results/matrix.h5ad", location)

	require.Len(t, gateway.searches, 1)
	assert.Equal(t, map[string]any{"uid": "abcd1234efgh56780001"}, gateway.searches[0].Filter)
	assert.Empty(t, gateway.searches[0].Order)
}

func TestResolveArtifactLocation_BaseUIDPicksMostRecent(t *testing.T) {
	gateway := locationGateway(t)
	// Results arrive already ordered by -updated_at; the first one wins.
	gateway.queueSearch(artifactModel, []map[string]any{
		jsonRoundTrip(t, map[string]any{"id": 12, "uid": "abcd1234efgh56780003", "key": "results/v3.h5ad", "storage_id": 4}),
		jsonRoundTrip(t, map[string]any{"id": 9, "uid": "abcd1234efgh56780001", "key": "results/v1.h5ad", "storage_id": 4}),
	})

	resolver := newTestResolver(t, gateway, Options{})

	location, err := resolver.ResolveArtifactLocation(context.Background(), "abcd1234efgh5678")

	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/results/v3.h5ad", location)

	require.Len(t, gateway.searches, 1)
	assert.Equal(t, map[string]any{"uid__startswith": "abcd1234efgh5678"}, gateway.searches[0].Filter)
	assert.Equal(t, []string{"-updated_at"}, gateway.searches[0].Order)
}

func TestResolveArtifactLocation_NotFound(t *testing.T) {
	resolver := newTestResolver(t, newFakeGateway(), Options{})

	_, err := resolver.ResolveArtifactLocation(context.Background(), "abcd1234efgh5678")

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrNotFound)
}

func TestResolveArtifactLocation_AmbiguousExactMatch(t *testing.T) {
	gateway := locationGateway(t)
	gateway.queueSearch(artifactModel, []map[string]any{
		jsonRoundTrip(t, map[string]any{"id": 9, "uid": "abcd1234efgh56780001", "key": "a", "storage_id": 4}),
		jsonRoundTrip(t, map[string]any{"id": 10, "uid": "abcd1234efgh56780001", "key": "b", "storage_id": 4}),
	})

	resolver := newTestResolver(t, gateway, Options{})

	_, err := resolver.ResolveArtifactLocation(context.Background(), "abcd1234efgh56780001")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguousArtifact)
}
