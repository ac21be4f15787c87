package workspace

import (
	"context"
	"path/filepath"
	"time"
)

// Workspace is the scratch directory of one submission. Downloaded data,
// extractor scratch space and the feedstock all live beneath Dir, so
// removing the workspace removes every artifact of the run.
type Workspace struct {
	SourceID string
	Dir      string
}

// DataDir receives the downloaded dataset.
func (w Workspace) DataDir() string { return filepath.Join(w.Dir, "data") }

// ScratchDir is handed to extractors for temporary files.
func (w Workspace) ScratchDir() string { return filepath.Join(w.Dir, "scratch") }

// FeedstockPath is where the pipeline commits its output.
func (w Workspace) FeedstockPath() string { return filepath.Join(w.Dir, "feedstock.ndjson") }

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs submission workspaces.
type Manager interface {
	// Create initializes a new, empty workspace for sourceID.
	Create(ctx context.Context, sourceID string) (Workspace, error)

	// Open resolves an existing workspace for sourceID.
	Open(ctx context.Context, sourceID string) (Workspace, error)

	// Remove deletes the workspace for sourceID. Missing workspaces are not an error.
	Remove(ctx context.Context, sourceID string) error

	// Clone copies the workspace data directory into dstDir, hard-linking
	// where the filesystem allows it.
	Clone(ctx context.Context, sourceID, dstDir string) error

	// Cleanup removes stale workspaces older than olderThan. Workspaces
	// named in keep survive regardless of age.
	Cleanup(ctx context.Context, olderThan time.Duration, keep map[string]bool) (CleanupReport, error)
}
