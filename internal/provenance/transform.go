// Package provenance orchestrates lineage recording for one workflow
// execution: it resolves or creates the Transform identifying the pipeline,
// creates exactly one Run and drives it through its status lifecycle, and
// turns file events into tracked Artifacts.
package provenance

import (
	"strings"
)

// DefaultEntryScript is the conventional pipeline entry script. A transform
// key is suffixed with the script path only when it differs from this.
const DefaultEntryScript = "main.nf"

type (
	// RevisionKind classifies how a pipeline revision was specified.
	// Tags and commits pin an immutable code state; branches slide.
	RevisionKind string

	// Provenance describes where the running pipeline's code came from.
	Provenance struct {
		// Repository is the pipeline repository URL.
		Repository string

		// MainScript is the entry script path within the repository.
		MainScript string

		// Entrypoint is the optional workflow entry name.
		Entrypoint string

		// Revision is the tag, branch, or commit the run was launched with.
		Revision string

		// CommitID is the concrete commit hash when known.
		CommitID string

		// Kind classifies Revision. RevisionUnknown triggers the commit-
		// over-branch fallback in SourceCode.
		Kind RevisionKind
	}
)

// Revision kinds.
const (
	RevisionTag     RevisionKind = "tag"
	RevisionCommit  RevisionKind = "commit"
	RevisionBranch  RevisionKind = "branch"
	RevisionUnknown RevisionKind = "unknown"
)

// TransformKey derives the transform key: the repository URL, suffixed with
// the entry script path when it is not the default.
func (p Provenance) TransformKey() string {
	key := p.Repository
	if p.MainScript != "" && p.MainScript != DefaultEntryScript {
		key += ":" + p.MainScript
	}

	return key
}

// TransformVersion is the resolved revision: the named revision when one was
// given, otherwise the commit hash.
func (p Provenance) TransformVersion() string {
	if p.Revision != "" {
		return p.Revision
	}

	return p.CommitID
}

// SourceCode renders the structured source description stored on the
// transform: repository, script path, optional entrypoint, and exactly one
// provenance line.
//
// The provenance line disambiguates pinned from sliding code states: a tag
// or explicit commit pins the code, so a `commit:` line is emitted; a branch
// slides even when a concrete commit hash is available, so a `branch:` line
// is emitted. When the revision kind cannot be determined, a present commit
// hash wins, else the revision name is recorded as a branch.
func (p Provenance) SourceCode() string {
	var lines []string

	lines = append(lines, "repository: "+p.Repository)

	if p.MainScript != "" {
		lines = append(lines, "mainScript: "+p.MainScript)
	}

	if p.Entrypoint != "" {
		lines = append(lines, "entrypoint: "+p.Entrypoint)
	}

	switch p.Kind {
	case RevisionTag, RevisionCommit:
		commit := p.CommitID
		if commit == "" {
			commit = p.Revision
		}

		lines = append(lines, "commit: "+commit)
	case RevisionBranch:
		lines = append(lines, "branch: "+p.Revision)
	default:
		if p.CommitID != "" {
			lines = append(lines, "commit: "+p.CommitID)
		} else {
			lines = append(lines, "branch: "+p.Revision)
		}
	}

	return strings.Join(lines, "\n")
}
