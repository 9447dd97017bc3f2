package provenance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/laminar-io/laminar/internal/hub"
)

const (
	artifactUIDBase = 16
	artifactUIDFull = 20
)

// ErrAmbiguousArtifact indicates an artifact UID matching more than one
// record.
var ErrAmbiguousArtifact = errors.New("artifact uid is ambiguous")

// ResolveArtifactLocation resolves an artifact identifier to a concrete
// storage path by joining the owning Storage's root with the Artifact's key.
//
// A 16-character identifier selects the most recently updated version of the
// artifact; a 20-character identifier selects that exact version. Any other
// length is a configuration error raised before any network call. Zero
// matches fail with the attempted UID; multiple exact matches are ambiguous.
func (r *Resolver) ResolveArtifactLocation(ctx context.Context, uid string) (string, error) {
	switch len(uid) {
	case artifactUIDBase, artifactUIDFull:
	default:
		return "", fmt.Errorf(
			"%w: artifact uid must be %d or %d characters, got %d",
			hub.ErrConfiguration, artifactUIDBase, artifactUIDFull, len(uid),
		)
	}

	artifact, err := r.findArtifact(ctx, uid)
	if err != nil {
		return "", err
	}

	record, err := r.gateway.GetRecord(ctx, hub.GetRecordParams{
		Module:  coreModule,
		Model:   storageModel,
		IDOrUID: strconv.FormatInt(artifact.StorageID, 10),
	})
	if err != nil {
		return "", fmt.Errorf("fetching storage for artifact %s: %w", uid, err)
	}

	storage, err := hub.StorageFromMap(record)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(storage.Root, "/") + "/" + artifact.Key, nil
}

func (r *Resolver) findArtifact(ctx context.Context, uid string) (*hub.Artifact, error) {
	if len(uid) == artifactUIDFull {
		matches, err := r.gateway.SearchRecords(ctx, hub.SearchParams{
			Module: coreModule,
			Model:  artifactModel,
			Filter: map[string]any{"uid": uid},
		})
		if err != nil {
			return nil, fmt.Errorf("looking up artifact %s: %w", uid, err)
		}

		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: artifact %s", hub.ErrNotFound, uid)
		}

		if len(matches) > 1 {
			return nil, fmt.Errorf("%w: %s matches %d records", ErrAmbiguousArtifact, uid, len(matches))
		}

		return hub.ArtifactFromMap(matches[0])
	}

	// Base identifier: every version shares the 16-character prefix; the
	// most recently updated one wins.
	matches, err := r.gateway.SearchRecords(ctx, hub.SearchParams{
		Module: coreModule,
		Model:  artifactModel,
		Filter: map[string]any{"uid__startswith": uid},
		Order:  []string{"-updated_at"},
	})
	if err != nil {
		return nil, fmt.Errorf("looking up artifact %s: %w", uid, err)
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: artifact %s", hub.ErrNotFound, uid)
	}

	return hub.ArtifactFromMap(matches[0])
}
