package provenance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransformKey_DefaultScriptOmitted(t *testing.T) {
	prov := Provenance{
		Repository: "https://example.com/org/repo",
		MainScript: "main.nf",
	}

	assert.Equal(t, "https://example.com/org/repo", prov.TransformKey())
}

func TestTransformKey_NonDefaultScriptSuffixed(t *testing.T) {
	prov := Provenance{
		Repository: "https://example.com/org/repo",
		MainScript: "workflows/align.nf",
	}

	assert.Equal(t, "https://example.com/org/repo:workflows/align.nf", prov.TransformKey())
}

func TestTransformVersion_PrefersRevision(t *testing.T) {
	prov := Provenance{Revision: "v1.0", CommitID: "abc123def456abc123de"}

	assert.Equal(t, "v1.0", prov.TransformVersion())
}

func TestTransformVersion_FallsBackToCommit(t *testing.T) {
	prov := Provenance{CommitID: "abc123def456abc123de"}

	assert.Equal(t, "abc123def456abc123de", prov.TransformVersion())
}

func TestSourceCode_TagEmitsCommitLine(t *testing.T) {
	prov := Provenance{
		Repository: "https://example.com/org/repo",
		MainScript: "main.nf",
		Revision:   "v1.0",
		CommitID:   "abc123def456abc123de",
		Kind:       RevisionTag,
	}

	source := prov.SourceCode()

	assert.Contains(t, source, "commit: abc123def456abc123de")
	assert.NotContains(t, source, "branch:")
}

func TestSourceCode_BranchEmitsBranchLineEvenWithCommit(t *testing.T) {
	// A branch slides even when a concrete commit hash is available.
	prov := Provenance{
		Repository: "https://example.com/org/repo",
		MainScript: "main.nf",
		Revision:   "main",
		CommitID:   "abc123def456abc123de",
		Kind:       RevisionBranch,
	}

	source := prov.SourceCode()

	assert.Contains(t, source, "branch: main")
	assert.NotContains(t, source, "commit:")
}

func TestSourceCode_CommitKindUsesRevisionWhenHashMissing(t *testing.T) {
	prov := Provenance{
		Repository: "https://example.com/org/repo",
		Revision:   "abc123def456abc123de",
		Kind:       RevisionCommit,
	}

	assert.Contains(t, prov.SourceCode(), "commit: abc123def456abc123de")
}

func TestSourceCode_UnknownKindPrefersCommitHash(t *testing.T) {
	withHash := Provenance{
		Repository: "https://example.com/org/repo",
		Revision:   "mystery",
		CommitID:   "abc123def456abc123de",
		Kind:       RevisionUnknown,
	}

	assert.Contains(t, withHash.SourceCode(), "commit: abc123def456abc123de")

	withoutHash := Provenance{
		Repository: "https://example.com/org/repo",
		Revision:   "mystery",
		Kind:       RevisionUnknown,
	}

	assert.Contains(t, withoutHash.SourceCode(), "branch: mystery")
}

func TestSourceCode_IncludesEntrypoint(t *testing.T) {
	prov := Provenance{
		Repository: "https://example.com/org/repo",
		MainScript: "main.nf",
		Entrypoint: "ALIGN",
		Revision:   "v2.1",
		Kind:       RevisionTag,
	}

	source := prov.SourceCode()

	assert.Contains(t, source, "repository: https://example.com/org/repo")
	assert.Contains(t, source, "mainScript: main.nf")
	assert.Contains(t, source, "entrypoint: ALIGN")
}
